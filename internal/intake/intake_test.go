package intake

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/lifecycle"
	"github.com/iamdhrv/voice-vite/internal/notify"
	"github.com/iamdhrv/voice-vite/internal/reconcile"
	"github.com/iamdhrv/voice-vite/internal/registry"
	"github.com/iamdhrv/voice-vite/internal/store"
)

var starts = time.Date(2026, 6, 12, 19, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Service, *store.BBoltStore) {
	t.Helper()
	s, err := store.NewBBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, s, "+972"), s
}

func validEvent() EventInput {
	return EventInput{HostName: "Noa Levi", HostPhone: "054-123-4567", EventType: "Wedding", StartsAt: starts, Location: "Tel Aviv"}
}

func TestCreateEvent_Expected(t *testing.T) {
	svc, _ := setup(t)
	ev, err := svc.CreateEvent(context.Background(), validEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Status != invite.EventDraft || ev.EventType != "wedding" || ev.HostPhone != "+972541234567" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	got, err := svc.GetEvent(context.Background(), ev.ID)
	if err != nil || got.ID != ev.ID {
		t.Fatalf("expected stored event, got %+v / %v", got, err)
	}
}

func TestCreateEvent_Validation(t *testing.T) {
	svc, _ := setup(t)
	late := starts.Add(time.Hour)
	cases := map[string]func(*EventInput){
		"missing host":      func(in *EventInput) { in.HostName = " " },
		"missing type":      func(in *EventInput) { in.EventType = "" },
		"missing start":     func(in *EventInput) { in.StartsAt = time.Time{} },
		"missing location":  func(in *EventInput) { in.Location = "" },
		"deadline too late": func(in *EventInput) { in.RSVPDeadline = &late },
		"bad host phone":    func(in *EventInput) { in.HostPhone = "call me" },
	}
	for name, mutate := range cases {
		in := validEvent()
		mutate(&in)
		if _, err := svc.CreateEvent(context.Background(), in); !errors.Is(err, invite.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestIngestGuests_Expected(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	ev, _ := svc.CreateEvent(ctx, validEvent())

	guests, err := svc.IngestGuests(ctx, ev.ID, []GuestInput{
		{Name: "Dana", Phone: "050 111 2222"},
		{Name: "Omer", Phone: "+1 (555) 000-0002"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(guests) != 2 || guests[0].Phone != "+972501112222" || guests[0].State != invite.StateNotContacted {
		t.Fatalf("unexpected guests: %+v", guests)
	}

	statuses, err := svc.GuestStatuses(ctx, ev.ID)
	if err != nil || len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %+v / %v", statuses, err)
	}
	if statuses[0].Status != "not called" {
		t.Fatalf("expected not called, got %q", statuses[0].Status)
	}
}

func TestIngestGuests_RejectsMalformedAndDuplicates(t *testing.T) {
	svc, s := setup(t)
	ctx := context.Background()
	ev, _ := svc.CreateEvent(ctx, validEvent())

	_, err := svc.IngestGuests(ctx, ev.ID, []GuestInput{{Name: "Dana", Phone: "12ab"}})
	if !errors.Is(err, invite.ErrInvalidGuestRecord) {
		t.Fatalf("expected invalid guest record, got %v", err)
	}

	_, err = svc.IngestGuests(ctx, ev.ID, []GuestInput{
		{Name: "Dana", Phone: "0501112222"},
		{Name: "Dana again", Phone: "+972 50 111 2222"},
	})
	if !errors.Is(err, invite.ErrInvalidGuestRecord) {
		t.Fatalf("expected duplicate in batch to be rejected, got %v", err)
	}

	if _, err := svc.IngestGuests(ctx, ev.ID, []GuestInput{{Name: "Dana", Phone: "0501112222"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = svc.IngestGuests(ctx, ev.ID, []GuestInput{{Name: "Eli", Phone: "0509999999"}, {Name: "Dana", Phone: "0501112222"}})
	if !errors.Is(err, invite.ErrInvalidGuestRecord) {
		t.Fatalf("expected duplicate of stored guest to be rejected, got %v", err)
	}
	guests, _ := s.ListGuests(ctx, ev.ID)
	if len(guests) != 1 {
		t.Fatalf("expected the rejected batch to add nobody, got %d guests", len(guests))
	}
}

func TestIngestGuests_UnknownEvent(t *testing.T) {
	svc, _ := setup(t)
	_, err := svc.IngestGuests(context.Background(), "missing", []GuestInput{{Name: "Dana", Phone: "0501112222"}})
	if !errors.Is(err, invite.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEventStatusFlow(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	ev, _ := svc.CreateEvent(ctx, validEvent())

	if _, err := svc.Activate(ctx, ev.ID); !errors.Is(err, invite.ErrVoiceProfileMissing) {
		t.Fatalf("expected voice profile missing, got %v", err)
	}
	if _, err := svc.AttachVoiceProfile(ctx, ev.ID, "vp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	active, err := svc.Activate(ctx, ev.ID)
	if err != nil || active.Status != invite.EventActive {
		t.Fatalf("expected active event, got %+v / %v", active, err)
	}

	n, err := svc.CompleteStarted(ctx, starts.Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("expected nothing completed before start, got %d / %v", n, err)
	}

	cancelled, err := svc.Cancel(ctx, ev.ID)
	if err != nil || cancelled.Status != invite.EventCancelled {
		t.Fatalf("expected cancelled event, got %+v / %v", cancelled, err)
	}
	if _, err := svc.Activate(ctx, ev.ID); !errors.Is(err, invite.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := svc.IngestGuests(ctx, ev.ID, []GuestInput{{Name: "Dana", Phone: "0501112222"}}); !errors.Is(err, invite.ErrEventNotActive) {
		t.Fatalf("expected event not active, got %v", err)
	}
}

func TestCompleteStarted(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	ev, _ := svc.CreateEvent(ctx, validEvent())
	_, _ = svc.AttachVoiceProfile(ctx, ev.ID, "vp-1")
	_, _ = svc.Activate(ctx, ev.ID)

	n, err := svc.CompleteStarted(ctx, starts.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected one completed event, got %d / %v", n, err)
	}
	got, _ := svc.GetEvent(ctx, ev.ID)
	if got.Status != invite.EventCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

// downRecords is a record store whose writes always fail.
type downRecords struct {
	store.RecordStore
}

func (downRecords) WriteRSVP(context.Context, invite.RSVPRecord, string) (bool, error) {
	return false, invite.Transient("write rsvp", errors.New("connection refused"))
}

func TestGuestStatuses_AnswerShownOnlyOnceRecorded(t *testing.T) {
	svc, s := setup(t)
	ctx := context.Background()
	ev, _ := svc.CreateEvent(ctx, validEvent())
	guests, err := svc.IngestGuests(ctx, ev.ID, []GuestInput{{Name: "Dana", Phone: "0501112222"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reg := registry.New(s, lifecycle.DefaultPolicy(), 0)
	a, _, err := reg.BeginAttempt(ctx, guests[0].ID, invite.PurposeInvitation, starts.Add(-72*time.Hour), time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resolved, _, err := reg.ResolveAttempt(ctx, a.ID, registry.Resolution{
		Result: invite.CallResult{Kind: invite.ResultAnswered, RSVP: invite.RSVPYes},
		At:     starts.Add(-71 * time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	down := downRecords{RecordStore: s}
	failing := reconcile.New(down, s, s, notify.LogNotifier{}, reconcile.Retry{MaxTries: 1})
	if err := failing.Commit(ctx, resolved); !errors.Is(err, invite.ErrReconciliationFailed) {
		t.Fatalf("expected reconciliation failure, got %v", err)
	}

	statuses, err := New(s, down, "+972").GuestStatuses(ctx, ev.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if statuses[0].Status != StatusRecording || statuses[0].RSVP != invite.RSVPNone {
		t.Fatalf("expected answer withheld until recorded, got %+v", statuses[0])
	}

	if err := reconcile.New(s, s, s, notify.LogNotifier{}, reconcile.Retry{MaxTries: 1}).Commit(ctx, resolved); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	statuses, _ = svc.GuestStatuses(ctx, ev.ID)
	if statuses[0].Status != "responded" || statuses[0].RSVP != invite.RSVPYes {
		t.Fatalf("expected recorded yes, got %+v", statuses[0])
	}
}
