// Package reconcile makes RSVPs collected on calls durable in the record
// store, exactly once per attempt.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/notify"
	"github.com/iamdhrv/voice-vite/internal/store"
)

// AttemptLog is the part of the guest store the reconciler reads.
type AttemptLog interface {
	GetAttempt(ctx context.Context, id string) (invite.Attempt, error)
	ListGuests(ctx context.Context, eventID string) ([]invite.Guest, error)
	ListAttempts(ctx context.Context, guestID string) ([]invite.Attempt, error)
}

type Retry struct {
	MaxTries uint
	Initial  time.Duration
	Max      time.Duration
}

type Reconciler struct {
	records  store.RecordStore
	alerts   store.AlertStore
	log      AttemptLog
	notifier notify.Notifier
	retry    Retry
	tracer   trace.Tracer

	Now func() time.Time
}

func New(records store.RecordStore, alerts store.AlertStore, attempts AttemptLog, notifier notify.Notifier, retry Retry) *Reconciler {
	if retry.MaxTries == 0 {
		retry.MaxTries = 1
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Reconciler{
		records:  records,
		alerts:   alerts,
		log:      attempts,
		notifier: notifier,
		retry:    retry,
		tracer:   otel.Tracer("github.com/iamdhrv/voice-vite/internal/reconcile"),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Committable reports whether a resolved attempt carries an RSVP that
// belongs in the record store.
func Committable(a invite.Attempt) bool {
	if a.Outcome != invite.OutcomeAnswered || !a.RSVP.Usable() || a.AlternateDate != nil {
		return false
	}
	return a.Purpose == invite.PurposeInvitation || a.Purpose == invite.PurposeCorrection
}

func Record(a invite.Attempt) invite.RSVPRecord {
	rec := invite.RSVPRecord{
		IdempotencyKey: a.ID,
		GuestID:        a.GuestID,
		EventID:        a.EventID,
		Response:       a.RSVP,
		Summary:        a.Summary,
		SpecialRequest: a.SpecialRequest,
		ReminderWanted: a.ReminderRequested,
		RecordedAt:     a.DispatchedAt,
	}
	if a.ResolvedAt != nil {
		rec.RecordedAt = *a.ResolvedAt
	}
	return rec
}

// Commit writes the RSVP of a resolved attempt, retrying with backoff. When
// the retries run out an alert is raised and ErrReconciliationFailed is
// returned; the guest's registry state is left as it is.
func (r *Reconciler) Commit(ctx context.Context, a invite.Attempt) error {
	if !Committable(a) {
		return invite.Invalid("attempt", "attempt %s carries no rsvp to record", a.ID)
	}

	ctx, span := r.tracer.Start(ctx, "reconcile.commit", trace.WithAttributes(
		attribute.String("attempt.id", a.ID),
		attribute.String("guest.id", a.GuestID),
		attribute.String("rsvp", string(a.RSVP)),
	))
	defer span.End()

	inserted, tries, err := r.write(ctx, a)
	span.SetAttributes(attribute.Int("tries", tries))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.fail(ctx, a, tries, err)
	}

	log.WithFields(log.Fields{
		"guest_id":   a.GuestID,
		"attempt_id": a.ID,
		"rsvp":       a.RSVP,
		"inserted":   inserted,
	}).Info("rsvp recorded")
	return nil
}

func (r *Reconciler) write(ctx context.Context, a invite.Attempt) (bool, int, error) {
	rec := Record(a)
	tries := 0
	inserted, err := backoff.Retry(ctx, func() (bool, error) {
		tries++
		ok, err := r.records.WriteRSVP(ctx, rec, a.ID)
		if err != nil && errors.Is(err, invite.ErrValidation) {
			return false, backoff.Permanent(err)
		}
		return ok, err
	},
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(r.retry.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.WithError(err).WithFields(log.Fields{"attempt_id": a.ID, "wait": wait}).Warn("rsvp write failed, retrying")
		}),
	)
	return inserted, tries, err
}

func (r *Reconciler) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if r.retry.Initial > 0 {
		b.InitialInterval = r.retry.Initial
	}
	if r.retry.Max > 0 {
		b.MaxInterval = r.retry.Max
	}
	return b
}

func (r *Reconciler) fail(ctx context.Context, a invite.Attempt, tries int, cause error) error {
	alert := invite.Alert{
		AttemptID: a.ID,
		GuestID:   a.GuestID,
		EventID:   a.EventID,
		LastError: cause.Error(),
		Tries:     tries,
		RaisedAt:  r.Now(),
	}
	logger := log.WithFields(log.Fields{"guest_id": a.GuestID, "attempt_id": a.ID})
	if err := r.alerts.RaiseAlert(ctx, alert); err != nil {
		logger.WithError(err).Error("storing reconciliation alert")
	}
	if err := r.notifier.Notify(ctx, notify.ReconciliationFailed(alert)); err != nil {
		logger.WithError(err).Error("notifying operator of reconciliation failure")
	}
	return fmt.Errorf("attempt %s after %d tries: %w: %v", a.ID, tries, invite.ErrReconciliationFailed, cause)
}

// RetryAlerts tries every open alert again and resolves the ones that go
// through. It returns how many were resolved.
func (r *Reconciler) RetryAlerts(ctx context.Context) (int, error) {
	open, err := r.alerts.ListAlerts(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("listing alerts: %w", err)
	}
	resolved := 0
	for _, alert := range open {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		logger := log.WithFields(log.Fields{"guest_id": alert.GuestID, "attempt_id": alert.AttemptID})
		a, err := r.log.GetAttempt(ctx, alert.AttemptID)
		if err != nil {
			logger.WithError(err).Warn("loading attempt of alert")
			continue
		}
		_, tries, err := r.write(ctx, a)
		if err != nil {
			alert.Tries = tries
			alert.LastError = err.Error()
			if rerr := r.alerts.RaiseAlert(ctx, alert); rerr != nil {
				logger.WithError(rerr).Error("updating reconciliation alert")
			}
			continue
		}
		if err := r.alerts.ResolveAlert(ctx, alert.AttemptID, r.Now()); err != nil {
			logger.WithError(err).Error("resolving reconciliation alert")
			continue
		}
		logger.Info("reconciliation alert resolved")
		resolved++
	}
	return resolved, nil
}

// Replay commits every RSVP found in the attempt logs of an event's guests.
// Records already present are left untouched, so replaying is safe at any
// time. It returns how many records were newly written.
func (r *Reconciler) Replay(ctx context.Context, eventID string) (int, error) {
	guests, err := r.log.ListGuests(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("listing guests of event %s: %w", eventID, err)
	}
	written := 0
	for _, g := range guests {
		attempts, err := r.log.ListAttempts(ctx, g.ID)
		if err != nil {
			return written, fmt.Errorf("listing attempts of guest %s: %w", g.ID, err)
		}
		for _, a := range attempts {
			if !Committable(a) {
				continue
			}
			inserted, _, err := r.write(ctx, a)
			if err != nil {
				return written, fmt.Errorf("replaying attempt %s: %w", a.ID, err)
			}
			if inserted {
				written++
			}
		}
	}
	log.WithFields(log.Fields{"event_id": eventID, "written": written}).Info("rsvp replay finished")
	return written, nil
}
