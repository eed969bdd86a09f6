package invite

import (
	"time"
)

type ResultKind string

const (
	ResultAnswered            ResultKind = "answered"
	ResultNoAnswer            ResultKind = "no_answer"
	ResultRescheduleRequested ResultKind = "reschedule_requested"
	ResultFailed              ResultKind = "failed"
	ResultTimedOut            ResultKind = "timed_out"
)

// CallResult is what the calling platform reported for one attempt.
type CallResult struct {
	Kind              ResultKind `json:"kind"`
	RSVP              RSVPStatus `json:"rsvp,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	SpecialRequest    string     `json:"special_request,omitempty"`
	ReminderRequested bool       `json:"reminder_requested,omitempty"`
	AlternateDate     *time.Time `json:"alternate_date,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	EndedAt           time.Time  `json:"ended_at"`
}

func (r CallResult) Validate() error {
	switch r.Kind {
	case ResultAnswered:
		if r.RSVP != "" && r.RSVP != RSVPNone && !r.RSVP.Usable() {
			return Invalid("rsvp", "unknown rsvp %q", r.RSVP)
		}
	case ResultRescheduleRequested:
		if r.AlternateDate == nil || r.AlternateDate.IsZero() {
			return Invalid("alternate_date", "is required for a reschedule request")
		}
	case ResultNoAnswer, ResultFailed, ResultTimedOut:
	default:
		return Invalid("kind", "unknown result %q", r.Kind)
	}
	return nil
}

// Resolve fills the outcome fields of a pending attempt from r.
func (r CallResult) Resolve(a Attempt, at time.Time) Attempt {
	a.ResolvedAt = &at
	switch r.Kind {
	case ResultAnswered:
		a.Outcome = OutcomeAnswered
		a.RSVP = r.RSVP
		if a.RSVP == "" {
			a.RSVP = RSVPNone
		}
		a.ReminderRequested = r.ReminderRequested
	case ResultRescheduleRequested:
		a.Outcome = OutcomeAnswered
		a.AlternateDate = r.AlternateDate
	case ResultTimedOut:
		a.Outcome = OutcomeNoAnswer
		a.TimedOut = true
	case ResultNoAnswer:
		a.Outcome = OutcomeNoAnswer
	default:
		a.Outcome = OutcomeFailed
	}
	a.Summary = r.Summary
	a.SpecialRequest = r.SpecialRequest
	a.Reason = r.Reason
	return a
}
