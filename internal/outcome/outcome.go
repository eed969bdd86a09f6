// Package outcome applies what the calling platform reported back to the
// guest registry, the record store and the host.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/notify"
	"github.com/iamdhrv/voice-vite/internal/reconcile"
	"github.com/iamdhrv/voice-vite/internal/registry"
)

type Store interface {
	GetAttempt(ctx context.Context, id string) (invite.Attempt, error)
	PendingAttempts(ctx context.Context) ([]invite.Attempt, error)
	GetEvent(ctx context.Context, id string) (invite.Event, error)
	UpdateEvent(ctx context.Context, id string, fn func(*invite.Event) error) (invite.Event, error)
}

type Committer interface {
	Commit(ctx context.Context, a invite.Attempt) error
}

// Releaser gives back the call slot of a resolved attempt.
type Releaser interface {
	Release(attemptID string) bool
}

type Handler struct {
	reg      *registry.Registry
	store    Store
	commits  Committer
	notifier notify.Notifier
	slots    Releaser

	Now func() time.Time
}

func New(reg *registry.Registry, s Store, commits Committer, notifier notify.Notifier, slots Releaser) *Handler {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Handler{
		reg:      reg,
		store:    s,
		commits:  commits,
		notifier: notifier,
		slots:    slots,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnOutcome resolves a pending attempt. A repeated delivery for an attempt
// that is already resolved is logged and ignored.
func (h *Handler) OnOutcome(ctx context.Context, attemptID string, res invite.CallResult) error {
	if err := res.Validate(); err != nil {
		return err
	}
	a, err := h.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("loading attempt %s: %w", attemptID, err)
	}
	ev, err := h.store.GetEvent(ctx, a.EventID)
	if err != nil {
		return fmt.Errorf("loading event %s: %w", a.EventID, err)
	}

	at := res.EndedAt
	if at.IsZero() {
		at = h.Now()
	}
	logger := log.WithFields(log.Fields{"guest_id": a.GuestID, "attempt_id": attemptID, "event_id": a.EventID})

	resolved, g, err := h.reg.ResolveAttempt(ctx, attemptID, registry.Resolution{
		Result: res,
		At:     at,
		Halted: ev.Status == invite.EventCancelled,
	})
	if registry.IsDuplicate(err) {
		logger.WithField("result", res.Kind).Info("duplicate outcome ignored")
		h.release(attemptID)
		return h.recommit(ctx, attemptID, logger)
	}
	if err != nil {
		return fmt.Errorf("resolving attempt %s: %w", attemptID, err)
	}
	h.release(attemptID)

	if resolved.Purpose != invite.PurposeInvitation {
		return nil
	}

	switch {
	case reconcile.Committable(resolved):
		// Reason: an RSVP from a cancelled event is still recorded so it is never lost
		if err := h.commits.Commit(ctx, resolved); err != nil {
			logger.WithError(err).Error("rsvp not recorded")
		}
	case resolved.AlternateDate != nil && resolved.Halted:
		logger.Info("reschedule request for a cancelled event not forwarded")
	case resolved.AlternateDate != nil:
		h.reschedule(ctx, ev, g, *resolved.AlternateDate)
	case g.State == invite.StateExhausted:
		logger.Warn("guest exhausted, needs follow-up")
	}
	return nil
}

// recommit pushes the RSVP of an already resolved attempt to the record
// store again. The registry may have resolved it in a run that stopped before
// the record was written; the idempotency key absorbs the usual case where
// the record is already there.
func (h *Handler) recommit(ctx context.Context, attemptID string, logger *log.Entry) error {
	a, err := h.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("loading attempt %s: %w", attemptID, err)
	}
	if !reconcile.Committable(a) {
		return nil
	}
	if err := h.commits.Commit(ctx, a); err != nil {
		logger.WithError(err).Error("rsvp not recorded")
	}
	return nil
}

func (h *Handler) release(attemptID string) {
	if h.slots != nil {
		h.slots.Release(attemptID)
	}
}

func (h *Handler) reschedule(ctx context.Context, ev invite.Event, g invite.Guest, alt time.Time) {
	logger := log.WithFields(log.Fields{"guest_id": g.ID, "event_id": ev.ID})
	updated, err := h.store.UpdateEvent(ctx, ev.ID, func(e *invite.Event) error {
		for _, d := range e.AlternateDates {
			if d.Equal(alt) {
				return nil
			}
		}
		e.AlternateDates = append(e.AlternateDates, alt)
		sort.Slice(e.AlternateDates, func(i, j int) bool { return e.AlternateDates[i].Before(e.AlternateDates[j]) })
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("recording alternate date")
		updated = ev
	}
	if err := h.notifier.Notify(ctx, notify.Reschedule(updated, g, alt)); err != nil {
		logger.WithError(err).Error("notifying host of reschedule request")
	}
}

// SweepTimeouts resolves attempts that have been pending longer than ceiling
// as timed out. It returns how many were resolved.
func (h *Handler) SweepTimeouts(ctx context.Context, now time.Time, ceiling time.Duration) (int, error) {
	if ceiling <= 0 {
		return 0, nil
	}
	pending, err := h.store.PendingAttempts(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending attempts: %w", err)
	}
	n := 0
	for _, a := range pending {
		if now.Sub(a.DispatchedAt) < ceiling {
			continue
		}
		err := h.OnOutcome(ctx, a.ID, invite.CallResult{
			Kind:    invite.ResultTimedOut,
			Reason:  fmt.Sprintf("no outcome within %s", ceiling),
			EndedAt: now,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return n, err
			}
			log.WithError(err).WithField("attempt_id", a.ID).Error("timing out attempt")
			continue
		}
		n++
	}
	return n, nil
}
