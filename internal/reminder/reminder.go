// Package reminder queues reminder calls for guests who asked for one once
// their event is close enough.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/lifecycle"
)

type Events interface {
	ListEvents(ctx context.Context) ([]invite.Event, error)
}

type Guests interface {
	ListGuests(ctx context.Context, eventID string) ([]invite.Guest, error)
	Transition(ctx context.Context, guestID string, ev lifecycle.Event) (invite.Guest, error)
}

type Scheduler struct {
	events Events
	guests Guests
	lead   time.Duration
}

// New returns a reminder scheduler that queues reminders lead before each
// event starts.
func New(events Events, guests Guests, lead time.Duration) *Scheduler {
	return &Scheduler{events: events, guests: guests, lead: lead}
}

// ReminderAt is when reminders of ev fall due.
func (s *Scheduler) ReminderAt(ev invite.Event) time.Time {
	return ev.StartsAt.Add(-s.lead)
}

// Tick queues every reminder that is due at now and returns how many were
// queued. The call scheduler dispatches them.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	events, err := s.events.ListEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing events: %w", err)
	}
	queued := 0
	for _, ev := range events {
		if ev.Status != invite.EventActive || !now.Before(ev.StartsAt) {
			continue
		}
		at := s.ReminderAt(ev)
		if now.Before(at) {
			continue
		}
		guests, err := s.guests.ListGuests(ctx, ev.ID)
		if err != nil {
			return queued, fmt.Errorf("listing guests of event %s: %w", ev.ID, err)
		}
		for _, g := range guests {
			if !lifecycle.ReminderDue(g, at, now) {
				continue
			}
			_, err := s.guests.Transition(ctx, g.ID, lifecycle.Event{Kind: lifecycle.ReminderQueued, At: now})
			if errors.Is(err, invite.ErrInvalidTransition) {
				// Reason: the guest changed between listing and queueing
				continue
			}
			if err != nil {
				return queued, fmt.Errorf("queueing reminder for guest %s: %w", g.ID, err)
			}
			queued++
		}
	}
	if queued > 0 {
		log.WithField("queued", queued).Info("reminders queued")
	}
	return queued, nil
}
