package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/lifecycle"
	"github.com/iamdhrv/voice-vite/internal/store"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func setupRegistry(t *testing.T) (*Registry, *store.BBoltStore) {
	t.Helper()
	s, err := store.NewBBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	err = s.Seed(
		[]invite.Event{{ID: "ev-1", StartsAt: t0.Add(30 * 24 * time.Hour), Status: invite.EventActive, VoiceProfileID: "vp-1"}},
		[]invite.Guest{
			{ID: "g-1", EventID: "ev-1", Name: "Dana", Phone: "+15550000001", State: invite.StateNotContacted, RSVP: invite.RSVPNone, Reminder: invite.ReminderNone},
			{ID: "g-2", EventID: "ev-1", Name: "Omer", Phone: "+15550000002", State: invite.StateNotContacted, RSVP: invite.RSVPNone, Reminder: invite.ReminderNone},
		},
	)
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	return New(s, lifecycle.DefaultPolicy(), 48*time.Hour), s
}

func TestBeginAttempt_SinglePending(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	a, g, err := r.BeginAttempt(ctx, "g-1", invite.PurposeInvitation, t0, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.PendingAttemptID != a.ID || g.State != invite.StateDispatching {
		t.Fatalf("expected pending %s, got %+v", a.ID, g)
	}

	_, _, err = r.BeginAttempt(ctx, "g-1", invite.PurposeInvitation, t0, time.Time{})
	if !errors.Is(err, invite.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	attempts, _ := r.Attempts(ctx, "g-1")
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt in log, got %d", len(attempts))
	}
}

func TestBeginAttempt_Concurrent(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := r.BeginAttempt(ctx, "g-1", invite.PurposeInvitation, t0, time.Time{}); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if started != 1 {
		t.Fatalf("expected exactly one attempt to start, got %d", started)
	}
	if n := r.locks.size(); n != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", n)
	}
}

func TestResolveAttempt_DuplicateIsRejected(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	a, _, _ := r.BeginAttempt(ctx, "g-1", invite.PurposeInvitation, t0, time.Time{})
	res := Resolution{Result: invite.CallResult{Kind: invite.ResultNoAnswer}, At: t0.Add(time.Minute)}

	_, g, err := r.ResolveAttempt(ctx, a.ID, res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.AttemptCount != 1 || g.State != invite.StateNoAnswer {
		t.Fatalf("unexpected guest: %+v", g)
	}

	_, _, err = r.ResolveAttempt(ctx, a.ID, res)
	if !IsDuplicate(err) {
		t.Fatalf("expected duplicate outcome, got %v", err)
	}
	again, _ := r.Get(ctx, "g-1")
	if again.AttemptCount != 1 {
		t.Fatalf("expected duplicate to change nothing, got count %d", again.AttemptCount)
	}
}

func TestResolveAttempt_UnknownAttempt(t *testing.T) {
	r, _ := setupRegistry(t)
	_, _, err := r.ResolveAttempt(context.Background(), "missing", Resolution{Result: invite.CallResult{Kind: invite.ResultNoAnswer}, At: t0})
	if !errors.Is(err, invite.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListEligible(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	a, _, _ := r.BeginAttempt(ctx, "g-1", invite.PurposeInvitation, t0, time.Time{})
	_, g1, _ := r.ResolveAttempt(ctx, a.ID, Resolution{Result: invite.CallResult{Kind: invite.ResultNoAnswer}, At: t0})

	now, err := r.ListEligible(ctx, "ev-1", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(now) != 1 || now[0].ID != "g-2" {
		t.Fatalf("expected only g-2 eligible during backoff, got %+v", now)
	}

	later, _ := r.ListEligible(ctx, "ev-1", *g1.NextEligibleAt)
	if len(later) != 2 {
		t.Fatalf("expected both guests eligible after backoff, got %d", len(later))
	}
}

func TestCorrectAndDerive(t *testing.T) {
	r, _ := setupRegistry(t)
	ctx := context.Background()

	a, _, _ := r.BeginAttempt(ctx, "g-1", invite.PurposeInvitation, t0, time.Time{})
	_, _, err := r.ResolveAttempt(ctx, a.ID, Resolution{Result: invite.CallResult{Kind: invite.ResultAnswered, RSVP: invite.RSVPYes}, At: t0})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_, g, err := r.Correct(ctx, "g-1", invite.RSVPNo, "called the host", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if g.RSVP != invite.RSVPNo {
		t.Fatalf("expected corrected rsvp no, got %s", g.RSVP)
	}

	d, err := r.Derive(ctx, "g-1", t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !d.Match {
		t.Fatalf("expected replay to match stored guest\nstored:  %+v\nderived: %+v", d.Stored, d.Derived)
	}
}

func TestTransition_OnlyTimeEvents(t *testing.T) {
	r, _ := setupRegistry(t)
	_, err := r.Transition(context.Background(), "g-1", lifecycle.Event{Kind: lifecycle.Answered})
	if !errors.Is(err, invite.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	g, err := r.Transition(context.Background(), "g-1", lifecycle.Event{Kind: lifecycle.DeadlinePassed, At: t0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.State != invite.StateExhausted {
		t.Fatalf("expected exhausted, got %s", g.State)
	}
}
