package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/lifecycle"
	"github.com/iamdhrv/voice-vite/internal/registry"
	"github.com/iamdhrv/voice-vite/internal/store"
)

var now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func day(n int) *time.Time {
	d := now.Add(time.Duration(n) * 24 * time.Hour)
	return &d
}

func guest(id, eventID string) invite.Guest {
	return invite.Guest{ID: id, EventID: eventID, Phone: "+1555000" + id, State: invite.StateNotContacted, RSVP: invite.RSVPNone, Reminder: invite.ReminderNone}
}

func setupScheduler(t *testing.T, events []invite.Event, guests []invite.Guest) (*Scheduler, *registry.Registry) {
	t.Helper()
	s, err := store.NewBBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Seed(events, guests); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	reg := registry.New(s, lifecycle.DefaultPolicy(), 48*time.Hour)
	return New(s, reg), reg
}

func ids(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Guest.ID
	}
	return out
}

func TestSelectBatch_DeadlineOrder(t *testing.T) {
	sch, _ := setupScheduler(t,
		[]invite.Event{
			{ID: "late", StartsAt: *day(10), RSVPDeadline: day(5), Status: invite.EventActive, VoiceProfileID: "vp"},
			{ID: "soon", StartsAt: *day(10), RSVPDeadline: day(1), Status: invite.EventActive, VoiceProfileID: "vp"},
		},
		[]invite.Guest{guest("001", "late"), guest("002", "soon")},
	)

	batch, err := sch.SelectBatch(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := ids(batch)
	if len(got) != 2 || got[0] != "002" || got[1] != "001" {
		t.Fatalf("expected [002 001] (day+1 before day+5), got %v", got)
	}
}

func TestSelectBatch_ClassesAndCapacity(t *testing.T) {
	sch, reg := setupScheduler(t,
		[]invite.Event{{ID: "ev", StartsAt: *day(10), Status: invite.EventActive, VoiceProfileID: "vp"}},
		[]invite.Guest{guest("001", "ev"), guest("002", "ev"), guest("003", "ev")},
	)
	ctx := context.Background()

	// 001 becomes a due retry
	a, _, err := reg.BeginAttempt(ctx, "001", invite.PurposeInvitation, now.Add(-24*time.Hour), time.Time{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, _, err := reg.ResolveAttempt(ctx, a.ID, registry.Resolution{Result: invite.CallResult{Kind: invite.ResultNoAnswer}, At: now.Add(-24 * time.Hour)}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	batch, err := sch.SelectBatch(ctx, now, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := ids(batch)
	if len(got) != 3 || got[0] != "002" || got[1] != "003" || got[2] != "001" {
		t.Fatalf("expected first contacts then retry, got %v", got)
	}
	if batch[2].Class != ClassRetry {
		t.Fatalf("expected retry class, got %s", batch[2].Class)
	}

	small, _ := sch.SelectBatch(ctx, now, 2)
	if len(small) != 2 {
		t.Fatalf("expected capacity to bound the batch, got %d", len(small))
	}
	if none, _ := sch.SelectBatch(ctx, now, 0); len(none) != 0 {
		t.Fatalf("expected empty batch for zero capacity, got %d", len(none))
	}
}

func TestSelectBatch_PastDeadlineExhausts(t *testing.T) {
	sch, reg := setupScheduler(t,
		[]invite.Event{{ID: "ev", StartsAt: *day(3), RSVPDeadline: day(-1), Status: invite.EventActive, VoiceProfileID: "vp"}},
		[]invite.Guest{guest("001", "ev")},
	)
	ctx := context.Background()

	batch, err := sch.SelectBatch(ctx, now, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected no candidates past the deadline, got %v", ids(batch))
	}
	g, _ := reg.Get(ctx, "001")
	if g.State != invite.StateExhausted {
		t.Fatalf("expected exhausted, got %s", g.State)
	}
}

func TestSelectBatch_SkipsInactiveAndVoiceless(t *testing.T) {
	sch, _ := setupScheduler(t,
		[]invite.Event{
			{ID: "draft", StartsAt: *day(10), Status: invite.EventDraft, VoiceProfileID: "vp"},
			{ID: "cancelled", StartsAt: *day(10), Status: invite.EventCancelled, VoiceProfileID: "vp"},
			{ID: "voiceless", StartsAt: *day(10), Status: invite.EventActive},
		},
		[]invite.Guest{guest("001", "draft"), guest("002", "cancelled"), guest("003", "voiceless")},
	)

	batch, err := sch.SelectBatch(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected no candidates, got %v", ids(batch))
	}
}

func TestSelectBatch_ReminderAfterInvitations(t *testing.T) {
	sch, reg := setupScheduler(t,
		[]invite.Event{{ID: "ev", StartsAt: *day(1), Status: invite.EventActive, VoiceProfileID: "vp"}},
		[]invite.Guest{guest("001", "ev"), guest("002", "ev")},
	)
	ctx := context.Background()

	a, _, _ := reg.BeginAttempt(ctx, "001", invite.PurposeInvitation, now.Add(-time.Hour), time.Time{})
	_, _, err := reg.ResolveAttempt(ctx, a.ID, registry.Resolution{
		Result: invite.CallResult{Kind: invite.ResultAnswered, RSVP: invite.RSVPYes, ReminderRequested: true},
		At:     now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := reg.Transition(ctx, "001", lifecycle.Event{Kind: lifecycle.ReminderQueued, At: now}); err != nil {
		t.Fatalf("queue reminder: %v", err)
	}

	sch.InFlight = func(id string) bool { return false }
	batch, err := sch.SelectBatch(ctx, now, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := ids(batch)
	if len(got) != 2 || got[0] != "002" || got[1] != "001" || batch[1].Purpose() != invite.PurposeReminder {
		t.Fatalf("expected invitation then reminder, got %v", got)
	}

	sch.InFlight = func(id string) bool { return id == "002" }
	batch, _ = sch.SelectBatch(ctx, now, 10)
	if got := ids(batch); len(got) != 1 || got[0] != "001" {
		t.Fatalf("expected in-flight guest to be hidden, got %v", got)
	}
}
