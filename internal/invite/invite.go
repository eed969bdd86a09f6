// Package invite holds the records the orchestration engine works on: events,
// guests, call attempts and RSVP records.
package invite

import (
	"time"
)

type EventStatus string

const (
	EventDraft     EventStatus = "draft"
	EventActive    EventStatus = "active"
	EventCompleted EventStatus = "completed"
	EventCancelled EventStatus = "cancelled"
)

type Event struct {
	ID                  string      `json:"id"`
	HostName            string      `json:"host_name"`
	HostPhone           string      `json:"host_phone,omitempty"`
	HostEmail           string      `json:"host_email,omitempty"`
	EventType           string      `json:"event_type"`
	StartsAt            time.Time   `json:"starts_at"`
	Duration            string      `json:"duration,omitempty"`
	Location            string      `json:"location"`
	CulturalPreferences string      `json:"cultural_preferences,omitempty"`
	SpecialInstructions string      `json:"special_instructions,omitempty"`
	RSVPDeadline        *time.Time  `json:"rsvp_deadline,omitempty"`
	VoiceProfileID      string      `json:"voice_profile_id,omitempty"`
	Status              EventStatus `json:"status"`
	AlternateDates      []time.Time `json:"alternate_dates,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
}

// Deadline returns the RSVP deadline, falling back to the start time.
func (e Event) Deadline() time.Time {
	if e.RSVPDeadline != nil && !e.RSVPDeadline.IsZero() {
		return *e.RSVPDeadline
	}
	return e.StartsAt
}

// Dispatchable reports whether calls may be placed for the event's guests.
func (e Event) Dispatchable() bool {
	return e.Status == EventActive && e.VoiceProfileID != ""
}

type State string

const (
	StateNotContacted State = "not_contacted"
	StateDispatching  State = "dispatching"
	StateAnswered     State = "answered"
	StateNoAnswer     State = "no_answer"
	StateFailed       State = "failed"
	StateRSVPRecorded State = "rsvp_recorded"
	StateRescheduled  State = "rescheduled"
	StateExhausted    State = "exhausted"
)

// Retryable reports whether a guest in this state may receive another
// invitation attempt once its backoff window has passed.
func (s State) Retryable() bool {
	switch s {
	case StateNotContacted, StateAnswered, StateNoAnswer, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether the automated invitation flow is over.
func (s State) Terminal() bool {
	switch s {
	case StateRSVPRecorded, StateRescheduled, StateExhausted:
		return true
	}
	return false
}

type RSVPStatus string

const (
	RSVPNone  RSVPStatus = "none"
	RSVPYes   RSVPStatus = "yes"
	RSVPNo    RSVPStatus = "no"
	RSVPMaybe RSVPStatus = "maybe"
)

// Final reports whether the status may only change through a correction.
func (r RSVPStatus) Final() bool {
	return r == RSVPYes || r == RSVPNo
}

// Usable reports whether the status is an actual answer from the guest.
func (r RSVPStatus) Usable() bool {
	return r == RSVPYes || r == RSVPNo || r == RSVPMaybe
}

type ReminderStatus string

const (
	ReminderNone        ReminderStatus = "none"
	ReminderQueued      ReminderStatus = "queued"
	ReminderDispatching ReminderStatus = "dispatching"
	ReminderSent        ReminderStatus = "sent"
)

type Guest struct {
	ID                string         `json:"id"`
	EventID           string         `json:"event_id"`
	Name              string         `json:"name"`
	Phone             string         `json:"phone"`
	State             State          `json:"state"`
	AttemptCount      int            `json:"attempt_count"`
	PlacementFailures int            `json:"placement_failures"`
	LastAttemptAt     *time.Time     `json:"last_attempt_at,omitempty"`
	NextEligibleAt    *time.Time     `json:"next_eligible_at,omitempty"`
	PendingAttemptID  string         `json:"pending_attempt_id,omitempty"`
	RSVP              RSVPStatus     `json:"rsvp"`
	ReminderOptIn     bool           `json:"reminder_opt_in"`
	Reminder          ReminderStatus `json:"reminder"`
	Notes             string         `json:"notes,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Fresh returns the guest's identity with its lifecycle reset to the state it
// had at ingestion.
func (g Guest) Fresh() Guest {
	return Guest{
		ID:            g.ID,
		EventID:       g.EventID,
		Name:          g.Name,
		Phone:         g.Phone,
		State:         StateNotContacted,
		RSVP:          RSVPNone,
		ReminderOptIn: g.ReminderOptIn,
		Reminder:      ReminderNone,
		Notes:         g.Notes,
		CreatedAt:     g.CreatedAt,
	}
}

// HostStatus is the label a host sees for the guest.
func (g Guest) HostStatus() string {
	switch g.State {
	case StateExhausted:
		return "needs follow-up"
	case StateRescheduled:
		return "requested another date"
	case StateRSVPRecorded:
		return "responded"
	case StateDispatching:
		return "calling"
	case StateNotContacted:
		if g.PlacementFailures > 0 {
			return "retrying"
		}
		return "not called"
	default:
		return "retrying"
	}
}

type Purpose string

const (
	PurposeInvitation Purpose = "invitation"
	PurposeReminder   Purpose = "reminder"
	PurposeCorrection Purpose = "correction"
)

type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeAnswered Outcome = "answered"
	OutcomeNoAnswer Outcome = "no_answer"
	OutcomeFailed   Outcome = "failed"
	OutcomeAborted  Outcome = "aborted"
)

// Attempt is one entry of a guest's append-only call log.
type Attempt struct {
	ID                string     `json:"id"`
	GuestID           string     `json:"guest_id"`
	EventID           string     `json:"event_id"`
	Seq               uint64     `json:"seq"`
	Purpose           Purpose    `json:"purpose"`
	DispatchedAt      time.Time  `json:"dispatched_at"`
	CallHandle        string     `json:"call_handle,omitempty"`
	Outcome           Outcome    `json:"outcome"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	RSVP              RSVPStatus `json:"rsvp,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	SpecialRequest    string     `json:"special_request,omitempty"`
	ReminderRequested bool       `json:"reminder_requested,omitempty"`
	AlternateDate     *time.Time `json:"alternate_date,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	Placement         bool       `json:"placement,omitempty"`
	TimedOut          bool       `json:"timed_out,omitempty"`
	Halted            bool       `json:"halted,omitempty"`
}

func (a Attempt) Pending() bool {
	return a.Outcome == OutcomePending
}

// RSVPRecord is the durable, host-visible answer of one guest, keyed by the
// attempt that collected it.
type RSVPRecord struct {
	IdempotencyKey string     `json:"idempotency_key"`
	GuestID        string     `json:"guest_id"`
	EventID        string     `json:"event_id"`
	Response       RSVPStatus `json:"response"`
	Summary        string     `json:"summary,omitempty"`
	SpecialRequest string     `json:"special_request,omitempty"`
	ReminderWanted bool       `json:"reminder_wanted,omitempty"`
	RecordedAt     time.Time  `json:"recorded_at"`
}

// RSVPSummary counts the latest answer of every guest of an event.
type RSVPSummary struct {
	EventID string `json:"event_id"`
	Yes     int    `json:"yes"`
	No      int    `json:"no"`
	Maybe   int    `json:"maybe"`
	Total   int    `json:"total"`
}

func (s *RSVPSummary) Add(r RSVPStatus) {
	switch r {
	case RSVPYes:
		s.Yes++
	case RSVPNo:
		s.No++
	case RSVPMaybe:
		s.Maybe++
	default:
		return
	}
	s.Total++
}

// Alert records a reconciliation that ran out of retries.
type Alert struct {
	AttemptID  string     `json:"attempt_id"`
	GuestID    string     `json:"guest_id"`
	EventID    string     `json:"event_id"`
	LastError  string     `json:"last_error"`
	Tries      int        `json:"tries"`
	RaisedAt   time.Time  `json:"raised_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
