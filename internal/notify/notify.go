// Package notify tells hosts and operators about things that need a human:
// reschedule requests and RSVPs that could not be saved.
package notify

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamdhrv/voice-vite/internal/invite"
)

type Kind string

const (
	KindReschedule           Kind = "reschedule_requested"
	KindReconciliationFailed Kind = "reconciliation_failed"
)

// Notice is one message for a person.
type Notice struct {
	Kind    Kind
	EventID string
	GuestID string
	// To is the recipient's phone number; empty means the operator.
	To   string
	Text string
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

func Reschedule(ev invite.Event, g invite.Guest, alt time.Time) Notice {
	return Notice{
		Kind:    KindReschedule,
		EventID: ev.ID,
		GuestID: g.ID,
		To:      ev.HostPhone,
		Text: fmt.Sprintf("%s can't make your %s on %s and asked about %s instead.",
			g.Name, ev.EventType, ev.StartsAt.Format("Jan 2"), alt.Format("Jan 2, 2006")),
	}
}

func ReconciliationFailed(a invite.Alert) Notice {
	return Notice{
		Kind:    KindReconciliationFailed,
		EventID: a.EventID,
		GuestID: a.GuestID,
		Text: fmt.Sprintf("RSVP of guest %s (attempt %s) could not be saved after %d tries: %s",
			a.GuestID, a.AttemptID, a.Tries, a.LastError),
	}
}

// LogNotifier writes notices to the log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notice) error {
	entry := log.WithFields(log.Fields{
		"notice":   n.Kind,
		"event_id": n.EventID,
		"guest_id": n.GuestID,
	})
	if n.Kind == KindReconciliationFailed {
		entry.Error(n.Text)
		return nil
	}
	entry.Warn(n.Text)
	return nil
}
