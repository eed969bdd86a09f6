// Package scheduler picks which guests to call next.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/lifecycle"
)

// Class orders candidates; lower classes are dispatched first.
type Class int

const (
	ClassFirstContact Class = iota + 1
	ClassRetry
	ClassReminder
)

func (c Class) String() string {
	switch c {
	case ClassFirstContact:
		return "first_contact"
	case ClassRetry:
		return "retry"
	case ClassReminder:
		return "reminder"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Candidate is one guest selected for dispatch.
type Candidate struct {
	Guest invite.Guest
	Event invite.Event
	Class Class
}

func (c Candidate) Purpose() invite.Purpose {
	if c.Class == ClassReminder {
		return invite.PurposeReminder
	}
	return invite.PurposeInvitation
}

type Events interface {
	ListEvents(ctx context.Context) ([]invite.Event, error)
}

type Guests interface {
	ListGuests(ctx context.Context, eventID string) ([]invite.Guest, error)
	ListEligible(ctx context.Context, eventID string, now time.Time) ([]invite.Guest, error)
	Transition(ctx context.Context, guestID string, ev lifecycle.Event) (invite.Guest, error)
}

type Scheduler struct {
	events Events
	guests Guests
	// InFlight, when set, hides guests the dispatch pool already holds.
	InFlight func(guestID string) bool
}

func New(events Events, guests Guests) *Scheduler {
	return &Scheduler{events: events, guests: guests}
}

// SelectBatch returns at most capacity candidates in priority order: guests
// never called (most urgent deadline first), then due retries, then due
// reminders. Guests whose event deadline has passed are marked exhausted on
// the way and never returned for an invitation.
func (s *Scheduler) SelectBatch(ctx context.Context, now time.Time, capacity int) ([]Candidate, error) {
	if capacity <= 0 {
		return nil, nil
	}
	events, err := s.events.ListEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	var out []Candidate
	for _, ev := range events {
		if ev.Status != invite.EventActive {
			continue
		}
		if !ev.Dispatchable() {
			log.WithField("event_id", ev.ID).Debug("event has no voice profile, skipping")
			continue
		}
		pastDeadline := now.After(ev.Deadline())
		if pastDeadline {
			if err := s.expire(ctx, ev, now); err != nil {
				return nil, err
			}
		}

		eligible, err := s.guests.ListEligible(ctx, ev.ID, now)
		if err != nil {
			return nil, err
		}
		for _, g := range eligible {
			if s.InFlight != nil && s.InFlight(g.ID) {
				continue
			}
			c := Candidate{Guest: g, Event: ev}
			switch {
			case g.Reminder == invite.ReminderQueued:
				c.Class = ClassReminder
			case pastDeadline:
				continue
			case g.AttemptCount == 0:
				c.Class = ClassFirstContact
			default:
				c.Class = ClassRetry
			}
			out = append(out, c)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		da, db := a.Event.Deadline(), b.Event.Deadline()
		if !da.Equal(db) {
			return da.Before(db)
		}
		return a.Guest.ID < b.Guest.ID
	})
	if len(out) > capacity {
		out = out[:capacity]
	}
	return out, nil
}

// expire marks every still-retryable guest of ev exhausted.
func (s *Scheduler) expire(ctx context.Context, ev invite.Event, now time.Time) error {
	guests, err := s.guests.ListGuests(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("listing guests of event %s: %w", ev.ID, err)
	}
	for _, g := range guests {
		if g.PendingAttemptID != "" || !g.State.Retryable() {
			continue
		}
		_, err := s.guests.Transition(ctx, g.ID, lifecycle.Event{Kind: lifecycle.DeadlinePassed, At: now})
		if errors.Is(err, invite.ErrInvalidTransition) {
			// Reason: the guest moved on between the listing and the transition
			continue
		}
		if err != nil {
			return fmt.Errorf("expiring guest %s: %w", g.ID, err)
		}
		log.WithFields(log.Fields{"guest_id": g.ID, "event_id": ev.ID}).Info("rsvp deadline passed, guest needs follow-up")
	}
	return nil
}
