package store

import (
	"context"
	"time"

	"github.com/iamdhrv/voice-vite/internal/invite"
)

// GuestTx is a write view of one guest and its attempt log. Everything done
// through it commits together or not at all.
type GuestTx interface {
	Guest() invite.Guest
	SetGuest(g invite.Guest)
	Attempt(id string) (invite.Attempt, error)
	Attempts() ([]invite.Attempt, error)
	// AppendAttempt assigns the next sequence number and stores a.
	AppendAttempt(a invite.Attempt) (invite.Attempt, error)
	// PutAttempt overwrites an attempt that is already in the log.
	PutAttempt(a invite.Attempt) error
}

// Store keeps events, guests and their attempt logs.
type Store interface {
	CreateEvent(ctx context.Context, e invite.Event) error
	GetEvent(ctx context.Context, id string) (invite.Event, error)
	ListEvents(ctx context.Context) ([]invite.Event, error)
	UpdateEvent(ctx context.Context, id string, fn func(*invite.Event) error) (invite.Event, error)

	// InsertGuests stores a batch of new guests of one event. A phone number
	// already used by a guest of the same event rejects the whole batch.
	InsertGuests(ctx context.Context, guests []invite.Guest) error
	GetGuest(ctx context.Context, id string) (invite.Guest, error)
	ListGuests(ctx context.Context, eventID string) ([]invite.Guest, error)
	UpdateGuest(ctx context.Context, id string, fn func(GuestTx) error) (invite.Guest, error)

	GetAttempt(ctx context.Context, id string) (invite.Attempt, error)
	ListAttempts(ctx context.Context, guestID string) ([]invite.Attempt, error)
	PendingAttempts(ctx context.Context) ([]invite.Attempt, error)

	Close() error
}

type RSVPQuery struct {
	EventID string
	GuestID string
}

// RecordStore is the durable, host-visible home of RSVPs.
type RecordStore interface {
	// WriteRSVP stores rec unless a record with the same idempotency key
	// exists. inserted is false for a repeated write.
	WriteRSVP(ctx context.Context, rec invite.RSVPRecord, idempotencyKey string) (inserted bool, err error)
	ReadRSVPs(ctx context.Context, q RSVPQuery) ([]invite.RSVPRecord, error)
	RSVPSummary(ctx context.Context, eventID string) (invite.RSVPSummary, error)
}

type AlertStore interface {
	RaiseAlert(ctx context.Context, a invite.Alert) error
	ResolveAlert(ctx context.Context, attemptID string, at time.Time) error
	ListAlerts(ctx context.Context, openOnly bool) ([]invite.Alert, error)
}

// Delivery is one webhook outcome waiting in the durable queue.
type Delivery struct {
	Seq         uint64            `json:"seq"`
	AttemptID   string            `json:"attempt_id"`
	Result      invite.CallResult `json:"result"`
	ReceivedAt  time.Time         `json:"received_at"`
	Tries       int               `json:"tries"`
	NotBefore   time.Time         `json:"not_before"`
	LeasedUntil *time.Time        `json:"leased_until,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

// OutcomeQueue hands every enqueued delivery out at least once. A claimed
// delivery is leased; one that is neither acked nor nacked before its lease
// runs out is handed out again.
type OutcomeQueue interface {
	Enqueue(ctx context.Context, attemptID string, result invite.CallResult, at time.Time) (Delivery, error)
	Claim(ctx context.Context, now time.Time, lease time.Duration, max int) ([]Delivery, error)
	Ack(ctx context.Context, seq uint64) error
	Nack(ctx context.Context, seq uint64, retryAt time.Time, cause error) error
	QueueDepth(ctx context.Context) (int, error)
}
