// Package intake creates events and guest lists and moves events through
// their status.
package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/store"
)

type EventInput struct {
	HostName            string     `json:"host_name"`
	HostPhone           string     `json:"host_phone,omitempty"`
	HostEmail           string     `json:"host_email,omitempty"`
	EventType           string     `json:"event_type"`
	StartsAt            time.Time  `json:"starts_at"`
	Duration            string     `json:"duration,omitempty"`
	Location            string     `json:"location"`
	CulturalPreferences string     `json:"cultural_preferences,omitempty"`
	SpecialInstructions string     `json:"special_instructions,omitempty"`
	RSVPDeadline        *time.Time `json:"rsvp_deadline,omitempty"`
}

type GuestInput struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Notes string `json:"notes,omitempty"`
}

// GuestStatus is the host's view of one guest.
type GuestStatus struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Phone          string            `json:"phone"`
	Status         string            `json:"status"`
	State          invite.State      `json:"state"`
	RSVP           invite.RSVPStatus `json:"rsvp"`
	Attempts       int               `json:"attempts"`
	NextAttemptAt  *time.Time        `json:"next_attempt_at,omitempty"`
	ReminderStatus string            `json:"reminder_status"`
}

type Service struct {
	store       store.Store
	records     store.RecordStore
	countryCode string

	Now func() time.Time
}

// New returns an intake service. records is where hosts read answers from;
// countryCode is used for phone numbers entered without one.
func New(s store.Store, records store.RecordStore, countryCode string) *Service {
	return &Service{store: s, records: records, countryCode: countryCode, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) CreateEvent(ctx context.Context, in EventInput) (invite.Event, error) {
	switch {
	case strings.TrimSpace(in.HostName) == "":
		return invite.Event{}, invite.Invalid("host_name", "is required")
	case strings.TrimSpace(in.EventType) == "":
		return invite.Event{}, invite.Invalid("event_type", "is required")
	case in.StartsAt.IsZero():
		return invite.Event{}, invite.Invalid("starts_at", "is required")
	case strings.TrimSpace(in.Location) == "":
		return invite.Event{}, invite.Invalid("location", "is required")
	}
	if in.RSVPDeadline != nil && in.RSVPDeadline.After(in.StartsAt) {
		return invite.Event{}, invite.Invalid("rsvp_deadline", "must not be after the event starts")
	}
	hostPhone := ""
	if strings.TrimSpace(in.HostPhone) != "" {
		p, err := invite.NormalizePhone(in.HostPhone, s.countryCode)
		if err != nil {
			return invite.Event{}, invite.Invalid("host_phone", "%v", err)
		}
		hostPhone = p
	}

	ev := invite.Event{
		ID:                  uuid.NewString(),
		HostName:            strings.TrimSpace(in.HostName),
		HostPhone:           hostPhone,
		HostEmail:           strings.TrimSpace(in.HostEmail),
		EventType:           strings.ToLower(strings.TrimSpace(in.EventType)),
		StartsAt:            in.StartsAt.UTC(),
		Duration:            in.Duration,
		Location:            strings.TrimSpace(in.Location),
		CulturalPreferences: in.CulturalPreferences,
		SpecialInstructions: in.SpecialInstructions,
		RSVPDeadline:        in.RSVPDeadline,
		Status:              invite.EventDraft,
		CreatedAt:           s.Now(),
	}
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return invite.Event{}, fmt.Errorf("creating event: %w", err)
	}
	log.WithFields(log.Fields{"event_id": ev.ID, "event_type": ev.EventType}).Info("event created")
	return ev, nil
}

func (s *Service) GetEvent(ctx context.Context, id string) (invite.Event, error) {
	return s.store.GetEvent(ctx, id)
}

// IngestGuests adds a guest list to an event. The batch is accepted or
// rejected as a whole.
func (s *Service) IngestGuests(ctx context.Context, eventID string, in []GuestInput) ([]invite.Guest, error) {
	if len(in) == 0 {
		return nil, invite.InvalidGuest("guests", "at least one guest is required")
	}
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status == invite.EventCancelled || ev.Status == invite.EventCompleted {
		return nil, fmt.Errorf("event %s is %s: %w", ev.ID, ev.Status, invite.ErrEventNotActive)
	}

	now := s.Now()
	seen := make(map[string]int, len(in))
	guests := make([]invite.Guest, 0, len(in))
	for i, gi := range in {
		name := strings.TrimSpace(gi.Name)
		if name == "" {
			return nil, invite.InvalidGuest(fmt.Sprintf("guests[%d].name", i), "is required")
		}
		phone, err := invite.NormalizePhone(gi.Phone, s.countryCode)
		if err != nil {
			return nil, invite.InvalidGuest(fmt.Sprintf("guests[%d].phone", i), "%v", err)
		}
		if j, dup := seen[phone]; dup {
			return nil, invite.InvalidGuest(fmt.Sprintf("guests[%d].phone", i), "%s is also used by guests[%d]", phone, j)
		}
		seen[phone] = i
		guests = append(guests, invite.Guest{
			ID:        uuid.NewString(),
			EventID:   ev.ID,
			Name:      name,
			Phone:     phone,
			State:     invite.StateNotContacted,
			RSVP:      invite.RSVPNone,
			Reminder:  invite.ReminderNone,
			Notes:     strings.TrimSpace(gi.Notes),
			CreatedAt: now,
		})
	}
	if err := s.store.InsertGuests(ctx, guests); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"event_id": ev.ID, "guests": len(guests)}).Info("guests ingested")
	return guests, nil
}

func (s *Service) AttachVoiceProfile(ctx context.Context, eventID, profileID string) (invite.Event, error) {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return invite.Event{}, invite.Invalid("voice_profile_id", "is required")
	}
	return s.store.UpdateEvent(ctx, eventID, func(e *invite.Event) error {
		if e.Status == invite.EventCancelled || e.Status == invite.EventCompleted {
			return fmt.Errorf("event %s is %s: %w", e.ID, e.Status, invite.ErrInvalidTransition)
		}
		e.VoiceProfileID = profileID
		return nil
	})
}

// Activate starts calling. An event needs a voice profile first.
func (s *Service) Activate(ctx context.Context, eventID string) (invite.Event, error) {
	ev, err := s.store.UpdateEvent(ctx, eventID, func(e *invite.Event) error {
		switch e.Status {
		case invite.EventActive:
			return nil
		case invite.EventDraft:
		default:
			return fmt.Errorf("event %s is %s: %w", e.ID, e.Status, invite.ErrInvalidTransition)
		}
		if e.VoiceProfileID == "" {
			return fmt.Errorf("event %s: %w", e.ID, invite.ErrVoiceProfileMissing)
		}
		e.Status = invite.EventActive
		return nil
	})
	if err != nil {
		return invite.Event{}, err
	}
	log.WithField("event_id", ev.ID).Info("event activated")
	return ev, nil
}

// Cancel stops all further calls for the event. Calls already in flight
// complete and their outcomes are recorded without follow-up.
func (s *Service) Cancel(ctx context.Context, eventID string) (invite.Event, error) {
	ev, err := s.store.UpdateEvent(ctx, eventID, func(e *invite.Event) error {
		switch e.Status {
		case invite.EventCancelled:
			return nil
		case invite.EventCompleted:
			return fmt.Errorf("event %s is %s: %w", e.ID, e.Status, invite.ErrInvalidTransition)
		}
		e.Status = invite.EventCancelled
		return nil
	})
	if err != nil {
		return invite.Event{}, err
	}
	log.WithField("event_id", ev.ID).Info("event cancelled")
	return ev, nil
}

// CompleteStarted marks active events that have started as completed and
// returns how many were.
func (s *Service) CompleteStarted(ctx context.Context, now time.Time) (int, error) {
	events, err := s.store.ListEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing events: %w", err)
	}
	n := 0
	for _, ev := range events {
		if ev.Status != invite.EventActive || now.Before(ev.StartsAt) {
			continue
		}
		_, err := s.store.UpdateEvent(ctx, ev.ID, func(e *invite.Event) error {
			if e.Status == invite.EventActive {
				e.Status = invite.EventCompleted
			}
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("completing event %s: %w", ev.ID, err)
		}
		log.WithField("event_id", ev.ID).Info("event completed")
		n++
	}
	return n, nil
}

// StatusRecording is shown while a collected answer is not yet in the record
// store.
const StatusRecording = "recording"

// GuestStatuses is the host's guest list. Answers come from the record store
// only: a guest whose answer is not durable yet shows as recording with no
// RSVP.
func (s *Service) GuestStatuses(ctx context.Context, eventID string) ([]GuestStatus, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	guests, err := s.store.ListGuests(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing guests of event %s: %w", eventID, err)
	}
	recs, err := s.records.ReadRSVPs(ctx, store.RSVPQuery{EventID: eventID})
	if err != nil {
		return nil, fmt.Errorf("reading rsvps of event %s: %w", eventID, err)
	}
	latest := make(map[string]invite.RSVPRecord, len(recs))
	for _, r := range recs {
		if cur, ok := latest[r.GuestID]; !ok || !r.RecordedAt.Before(cur.RecordedAt) {
			latest[r.GuestID] = r
		}
	}

	out := make([]GuestStatus, 0, len(guests))
	for _, g := range guests {
		st := GuestStatus{
			ID:             g.ID,
			Name:           g.Name,
			Phone:          g.Phone,
			Status:         g.HostStatus(),
			State:          g.State,
			RSVP:           invite.RSVPNone,
			Attempts:       g.AttemptCount,
			NextAttemptAt:  g.NextEligibleAt,
			ReminderStatus: string(g.Reminder),
		}
		rec, durable := latest[g.ID]
		if durable {
			st.RSVP = rec.Response
		}
		if g.State == invite.StateRSVPRecorded && (!durable || rec.Response != g.RSVP) {
			st.Status = StatusRecording
		}
		out = append(out, st)
	}
	return out, nil
}
