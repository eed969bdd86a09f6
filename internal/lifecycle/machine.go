package lifecycle

import (
	"time"

	"github.com/iamdhrv/voice-vite/internal/invite"
)

type Kind string

const (
	Dispatched          Kind = "dispatched"
	Answered            Kind = "answered"
	NoAnswer            Kind = "no_answer"
	Failed              Kind = "failed"
	TimedOut            Kind = "timed_out"
	RescheduleRequested Kind = "reschedule_requested"
	DeadlinePassed      Kind = "deadline_passed"
	ReminderQueued      Kind = "reminder_queued"
	Corrected           Kind = "corrected"
)

// Event is one input to the state machine.
type Event struct {
	Kind      Kind
	At        time.Time
	AttemptID string
	Purpose   invite.Purpose
	RSVP      invite.RSVPStatus
	// ReminderWanted is set when the guest asked for a reminder on the call.
	ReminderWanted bool
	// Placement marks a failure to place the call at all, before the guest's
	// phone rang.
	Placement bool
	// Halted marks an outcome that arrived after the event was cancelled.
	Halted bool
	// Deadline is the event's RSVP deadline, checked on invitation dispatch.
	Deadline time.Time
}

// OutcomeOf builds the outcome event recorded on a resolved attempt.
func OutcomeOf(a invite.Attempt) Event {
	ev := Event{
		AttemptID:      a.ID,
		Purpose:        a.Purpose,
		RSVP:           a.RSVP,
		ReminderWanted: a.ReminderRequested,
		Placement:      a.Placement,
		Halted:         a.Halted,
	}
	if a.ResolvedAt != nil {
		ev.At = *a.ResolvedAt
	}
	switch {
	case a.Outcome == invite.OutcomeAnswered && a.AlternateDate != nil:
		ev.Kind = RescheduleRequested
	case a.Outcome == invite.OutcomeAnswered:
		ev.Kind = Answered
	case a.Outcome == invite.OutcomeNoAnswer && a.TimedOut:
		ev.Kind = TimedOut
	case a.Outcome == invite.OutcomeNoAnswer:
		ev.Kind = NoAnswer
	default:
		// failed and aborted both end the attempt without reaching the guest
		ev.Kind = Failed
	}
	return ev
}

// Apply returns the guest after ev. Pairs the machine does not define are
// rejected with a *invite.TransitionError; the input guest is never modified.
func Apply(g invite.Guest, ev Event, p Policy) (invite.Guest, error) {
	reject := func(detail string) (invite.Guest, error) {
		return g, &invite.TransitionError{GuestID: g.ID, From: g.State, Event: string(ev.Kind), Detail: detail}
	}
	next := g

	switch ev.Kind {
	case Dispatched:
		if g.PendingAttemptID != "" {
			return reject("attempt " + g.PendingAttemptID + " is still pending")
		}
		if ev.AttemptID == "" {
			return reject("attempt id is required")
		}
		switch ev.Purpose {
		case invite.PurposeInvitation:
			if !g.State.Retryable() {
				return reject("")
			}
			if g.NextEligibleAt != nil && ev.At.Before(*g.NextEligibleAt) {
				return reject("backoff window has not passed")
			}
			if p.MaxAttempts > 0 && g.AttemptCount >= p.MaxAttempts {
				return reject("maximum attempts reached")
			}
			if !ev.Deadline.IsZero() && ev.At.After(ev.Deadline) {
				return reject("rsvp deadline has passed")
			}
			next.State = invite.StateDispatching
		case invite.PurposeReminder:
			if !remindable(g.State) || g.Reminder != invite.ReminderQueued {
				return reject("reminder is not queued")
			}
			next.Reminder = invite.ReminderDispatching
		default:
			return reject("purpose " + string(ev.Purpose) + " cannot be dispatched")
		}
		at := ev.At
		next.PendingAttemptID = ev.AttemptID
		next.LastAttemptAt = &at
		return next, nil

	case Answered, NoAnswer, Failed, TimedOut, RescheduleRequested:
		if g.PendingAttemptID == "" || g.PendingAttemptID != ev.AttemptID {
			return reject("attempt " + ev.AttemptID + " is not the pending attempt")
		}
		next.PendingAttemptID = ""
		if ev.Purpose == invite.PurposeReminder {
			if g.Reminder != invite.ReminderDispatching {
				return reject("no reminder in flight")
			}
			next.Reminder = invite.ReminderSent
			return next, nil
		}
		if g.State != invite.StateDispatching {
			return reject("")
		}
		return applyOutcome(next, ev, p), nil

	case DeadlinePassed:
		if g.PendingAttemptID != "" || !g.State.Retryable() {
			return reject("")
		}
		next.State = invite.StateExhausted
		next.NextEligibleAt = nil
		return next, nil

	case ReminderQueued:
		if g.PendingAttemptID != "" || !remindable(g.State) {
			return reject("")
		}
		if g.Reminder != invite.ReminderNone && g.Reminder != "" {
			return reject("reminder already " + string(g.Reminder))
		}
		next.Reminder = invite.ReminderQueued
		return next, nil

	case Corrected:
		if g.PendingAttemptID != "" {
			return reject("attempt " + g.PendingAttemptID + " is still pending")
		}
		if !ev.RSVP.Usable() {
			return reject("correction needs yes, no or maybe")
		}
		next.RSVP = ev.RSVP
		next.State = invite.StateRSVPRecorded
		next.NextEligibleAt = nil
		return next, nil
	}

	return reject("unknown event")
}

func applyOutcome(g invite.Guest, ev Event, p Policy) invite.Guest {
	switch ev.Kind {
	case Answered:
		g.AttemptCount++
		if ev.RSVP.Usable() {
			g.State = invite.StateRSVPRecorded
			g.RSVP = ev.RSVP
			g.NextEligibleAt = nil
			if ev.ReminderWanted && !ev.Halted {
				g.ReminderOptIn = true
			}
			return g
		}
		g.State = invite.StateAnswered
		return retryOrExhaust(g, ev, p)

	case RescheduleRequested:
		g.AttemptCount++
		g.State = invite.StateRescheduled
		g.NextEligibleAt = nil
		return g

	case Failed:
		if ev.Placement {
			g.PlacementFailures++
			if g.AttemptCount == 0 {
				g.State = invite.StateNotContacted
			} else {
				g.State = invite.StateNoAnswer
			}
			if ev.Halted {
				g.NextEligibleAt = nil
				return g
			}
			next := p.NextEligible(g.AttemptCount+g.PlacementFailures, ev.At, ev.AttemptID)
			g.NextEligibleAt = &next
			return g
		}
		g.AttemptCount++
		g.State = invite.StateFailed
		return retryOrExhaust(g, ev, p)

	default: // NoAnswer, TimedOut
		g.AttemptCount++
		g.State = invite.StateNoAnswer
		return retryOrExhaust(g, ev, p)
	}
}

func retryOrExhaust(g invite.Guest, ev Event, p Policy) invite.Guest {
	if p.MaxAttempts > 0 && g.AttemptCount >= p.MaxAttempts {
		g.State = invite.StateExhausted
		g.NextEligibleAt = nil
		return g
	}
	if ev.Halted {
		g.NextEligibleAt = nil
		return g
	}
	next := p.NextEligible(g.AttemptCount, ev.At, ev.AttemptID)
	g.NextEligibleAt = &next
	return g
}

func remindable(s invite.State) bool {
	return s == invite.StateRSVPRecorded || s == invite.StateRescheduled
}

// ReminderDue reports whether a guest should be queued for a reminder call at
// now, given the event's reminder time. Guests who declined are never
// reminded.
func ReminderDue(g invite.Guest, reminderAt, now time.Time) bool {
	if !g.ReminderOptIn || g.PendingAttemptID != "" || !remindable(g.State) {
		return false
	}
	if g.Reminder != invite.ReminderNone && g.Reminder != "" {
		return false
	}
	if g.State == invite.StateRSVPRecorded && g.RSVP == invite.RSVPNo {
		return false
	}
	return !reminderAt.IsZero() && !now.Before(reminderAt)
}
