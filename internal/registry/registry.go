// Package registry owns guest state. Every change to a guest goes through it,
// one guest at a time, and lands in the store together with the attempt log
// entry that caused it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/lifecycle"
	"github.com/iamdhrv/voice-vite/internal/store"
)

type Registry struct {
	store        store.Store
	policy       lifecycle.Policy
	reminderLead time.Duration
	locks        *keyedMutex
}

// New returns a registry over s. reminderLead is how long before an event
// starts its reminders fall due; zero disables them in replays.
func New(s store.Store, p lifecycle.Policy, reminderLead time.Duration) *Registry {
	return &Registry{store: s, policy: p, reminderLead: reminderLead, locks: newKeyedMutex()}
}

func (r *Registry) Policy() lifecycle.Policy { return r.policy }

func (r *Registry) Get(ctx context.Context, guestID string) (invite.Guest, error) {
	return r.store.GetGuest(ctx, guestID)
}

func (r *Registry) ListGuests(ctx context.Context, eventID string) ([]invite.Guest, error) {
	return r.store.ListGuests(ctx, eventID)
}

func (r *Registry) Attempts(ctx context.Context, guestID string) ([]invite.Attempt, error) {
	if _, err := r.store.GetGuest(ctx, guestID); err != nil {
		return nil, err
	}
	return r.store.ListAttempts(ctx, guestID)
}

// ListEligible returns the event's guests that may be dispatched at now:
// invitation retries whose backoff has passed and queued reminders.
func (r *Registry) ListEligible(ctx context.Context, eventID string, now time.Time) ([]invite.Guest, error) {
	guests, err := r.store.ListGuests(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing guests of event %s: %w", eventID, err)
	}
	var out []invite.Guest
	for _, g := range guests {
		if g.PendingAttemptID != "" {
			continue
		}
		if g.Reminder == invite.ReminderQueued {
			out = append(out, g)
			continue
		}
		if !g.State.Retryable() {
			continue
		}
		if r.policy.MaxAttempts > 0 && g.AttemptCount >= r.policy.MaxAttempts {
			continue
		}
		if g.NextEligibleAt != nil && now.Before(*g.NextEligibleAt) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// Transition applies an event that creates no attempt (deadline, reminder
// queueing) to one guest.
func (r *Registry) Transition(ctx context.Context, guestID string, ev lifecycle.Event) (invite.Guest, error) {
	switch ev.Kind {
	case lifecycle.DeadlinePassed, lifecycle.ReminderQueued:
	default:
		return invite.Guest{}, &invite.TransitionError{GuestID: guestID, Event: string(ev.Kind), Detail: "event must go through the attempt log"}
	}

	unlock := r.locks.Lock(guestID)
	defer unlock()

	g, err := r.store.UpdateGuest(ctx, guestID, func(tx store.GuestTx) error {
		next, err := lifecycle.Apply(tx.Guest(), ev, r.policy)
		if err != nil {
			return err
		}
		tx.SetGuest(next)
		return nil
	})
	if err != nil {
		return invite.Guest{}, err
	}
	log.WithFields(log.Fields{"guest_id": guestID, "event": ev.Kind, "state": g.State}).Debug("guest transitioned")
	return g, nil
}

// BeginAttempt records a pending attempt and the dispatched transition in one
// write. It fails if the guest already has a pending attempt.
func (r *Registry) BeginAttempt(ctx context.Context, guestID string, purpose invite.Purpose, at, deadline time.Time) (invite.Attempt, invite.Guest, error) {
	unlock := r.locks.Lock(guestID)
	defer unlock()

	var attempt invite.Attempt
	g, err := r.store.UpdateGuest(ctx, guestID, func(tx store.GuestTx) error {
		id := uuid.NewString()
		next, err := lifecycle.Apply(tx.Guest(), lifecycle.Event{
			Kind:      lifecycle.Dispatched,
			At:        at,
			AttemptID: id,
			Purpose:   purpose,
			Deadline:  deadline,
		}, r.policy)
		if err != nil {
			return err
		}
		attempt, err = tx.AppendAttempt(invite.Attempt{
			ID:           id,
			Purpose:      purpose,
			DispatchedAt: at,
			Outcome:      invite.OutcomePending,
		})
		if err != nil {
			return err
		}
		tx.SetGuest(next)
		return nil
	})
	if err != nil {
		return invite.Attempt{}, invite.Guest{}, err
	}
	log.WithFields(log.Fields{"guest_id": guestID, "attempt_id": attempt.ID, "purpose": purpose}).Debug("attempt started")
	return attempt, g, nil
}

func (r *Registry) AttachCallHandle(ctx context.Context, attemptID, handle string) error {
	a, err := r.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	unlock := r.locks.Lock(a.GuestID)
	defer unlock()

	_, err = r.store.UpdateGuest(ctx, a.GuestID, func(tx store.GuestTx) error {
		cur, err := tx.Attempt(attemptID)
		if err != nil {
			return err
		}
		if !cur.Pending() {
			return fmt.Errorf("attempt %s: %w", attemptID, invite.ErrDuplicateOutcome)
		}
		cur.CallHandle = handle
		return tx.PutAttempt(cur)
	})
	return err
}

// Resolution is how a pending attempt ended.
type Resolution struct {
	Result invite.CallResult
	At     time.Time
	// Placement marks a call that never reached the platform.
	Placement bool
	// Halted marks an outcome of a cancelled event.
	Halted bool
}

// ResolveAttempt closes a pending attempt and applies its outcome to the
// guest. An attempt that is no longer pending yields ErrDuplicateOutcome and
// changes nothing.
func (r *Registry) ResolveAttempt(ctx context.Context, attemptID string, res Resolution) (invite.Attempt, invite.Guest, error) {
	a, err := r.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return invite.Attempt{}, invite.Guest{}, err
	}
	unlock := r.locks.Lock(a.GuestID)
	defer unlock()

	var resolved invite.Attempt
	g, err := r.store.UpdateGuest(ctx, a.GuestID, func(tx store.GuestTx) error {
		cur, err := tx.Attempt(attemptID)
		if err != nil {
			return err
		}
		if !cur.Pending() {
			return fmt.Errorf("attempt %s is %s: %w", attemptID, cur.Outcome, invite.ErrDuplicateOutcome)
		}
		resolved = res.Result.Resolve(cur, res.At)
		resolved.Placement = res.Placement
		resolved.Halted = res.Halted

		next, err := lifecycle.Apply(tx.Guest(), lifecycle.OutcomeOf(resolved), r.policy)
		if err != nil {
			return err
		}
		if err := tx.PutAttempt(resolved); err != nil {
			return err
		}
		tx.SetGuest(next)
		return nil
	})
	if err != nil {
		return invite.Attempt{}, invite.Guest{}, err
	}
	log.WithFields(log.Fields{
		"guest_id":   g.ID,
		"attempt_id": attemptID,
		"outcome":    resolved.Outcome,
		"state":      g.State,
	}).Info("attempt resolved")
	return resolved, g, nil
}

// Correct records an RSVP given outside a call, for example straight to the
// host, as a correction attempt in the log.
func (r *Registry) Correct(ctx context.Context, guestID string, rsvp invite.RSVPStatus, note string, at time.Time) (invite.Attempt, invite.Guest, error) {
	if !rsvp.Usable() {
		return invite.Attempt{}, invite.Guest{}, invite.Invalid("rsvp", "must be yes, no or maybe")
	}
	unlock := r.locks.Lock(guestID)
	defer unlock()

	var attempt invite.Attempt
	g, err := r.store.UpdateGuest(ctx, guestID, func(tx store.GuestTx) error {
		id := uuid.NewString()
		next, err := lifecycle.Apply(tx.Guest(), lifecycle.Event{Kind: lifecycle.Corrected, At: at, AttemptID: id, RSVP: rsvp}, r.policy)
		if err != nil {
			return err
		}
		attempt, err = tx.AppendAttempt(invite.Attempt{
			ID:           id,
			Purpose:      invite.PurposeCorrection,
			DispatchedAt: at,
			Outcome:      invite.OutcomeAnswered,
			ResolvedAt:   &at,
			RSVP:         rsvp,
			Summary:      note,
		})
		if err != nil {
			return err
		}
		tx.SetGuest(next)
		return nil
	})
	if err != nil {
		return invite.Attempt{}, invite.Guest{}, err
	}
	log.WithFields(log.Fields{"guest_id": guestID, "attempt_id": attempt.ID, "rsvp": rsvp}).Info("rsvp corrected")
	return attempt, g, nil
}

// Derivation compares a guest as stored with the guest rebuilt from its log.
type Derivation struct {
	Stored  invite.Guest `json:"stored"`
	Derived invite.Guest `json:"derived"`
	Match   bool         `json:"match"`
}

func (r *Registry) Derive(ctx context.Context, guestID string, now time.Time) (Derivation, error) {
	g, err := r.store.GetGuest(ctx, guestID)
	if err != nil {
		return Derivation{}, err
	}
	ev, err := r.store.GetEvent(ctx, g.EventID)
	if err != nil {
		return Derivation{}, err
	}
	attempts, err := r.store.ListAttempts(ctx, guestID)
	if err != nil {
		return Derivation{}, err
	}
	tl := lifecycle.Timeline{
		Deadline: ev.Deadline(),
		Active:   ev.Status == invite.EventActive,
		Now:      now,
	}
	if r.reminderLead > 0 {
		tl.ReminderAt = ev.StartsAt.Add(-r.reminderLead)
	}
	derived, err := lifecycle.Replay(g, attempts, tl, r.policy)
	if err != nil {
		return Derivation{}, err
	}
	return Derivation{Stored: g, Derived: derived, Match: sameLifecycle(g, derived)}, nil
}

// sameLifecycle compares the fields the attempt log determines. Time-based
// transitions the scheduler has not applied yet are reported as mismatches.
func sameLifecycle(a, b invite.Guest) bool {
	return a.State == b.State &&
		a.AttemptCount == b.AttemptCount &&
		a.PlacementFailures == b.PlacementFailures &&
		a.PendingAttemptID == b.PendingAttemptID &&
		a.RSVP == b.RSVP &&
		a.Reminder == b.Reminder &&
		timeEqual(a.NextEligibleAt, b.NextEligibleAt) &&
		timeEqual(a.LastAttemptAt, b.LastAttemptAt)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// IsDuplicate reports whether err means the outcome was already applied.
func IsDuplicate(err error) bool {
	return errors.Is(err, invite.ErrDuplicateOutcome)
}
