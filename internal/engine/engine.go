// Package engine runs the orchestration loops: dispatching scheduled guests,
// draining reported outcomes, sweeping stuck attempts, retrying failed
// reconciliations, queueing reminders and closing finished events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iamdhrv/voice-vite/internal/dispatch"
	"github.com/iamdhrv/voice-vite/internal/intake"
	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/outcome"
	"github.com/iamdhrv/voice-vite/internal/reconcile"
	"github.com/iamdhrv/voice-vite/internal/reminder"
	"github.com/iamdhrv/voice-vite/internal/scheduler"
	"github.com/iamdhrv/voice-vite/internal/store"
)

type Intervals struct {
	Dispatch   time.Duration
	Queue      time.Duration
	Sweep      time.Duration
	Alerts     time.Duration
	Reminders  time.Duration
	Completion time.Duration
}

type Config struct {
	Intervals      Intervals
	PendingTimeout time.Duration
	QueueLease     time.Duration
	QueueBatch     int
	QueueMaxTries  int
}

type Pending interface {
	PendingAttempts(ctx context.Context) ([]invite.Attempt, error)
}

type Engine struct {
	cfg        Config
	pending    Pending
	sched      *scheduler.Scheduler
	pool       *dispatch.Pool
	outcomes   *outcome.Handler
	queue      store.OutcomeQueue
	reconciler *reconcile.Reconciler
	reminders  *reminder.Scheduler
	intake     *intake.Service

	Now func() time.Time
}

func New(cfg Config, pending Pending, sched *scheduler.Scheduler, pool *dispatch.Pool, outcomes *outcome.Handler,
	queue store.OutcomeQueue, reconciler *reconcile.Reconciler, reminders *reminder.Scheduler, in *intake.Service) *Engine {
	if cfg.QueueBatch <= 0 {
		cfg.QueueBatch = 20
	}
	if cfg.QueueLease <= 0 {
		cfg.QueueLease = time.Minute
	}
	sched.InFlight = pool.Busy
	return &Engine{
		cfg:        cfg,
		pending:    pending,
		sched:      sched,
		pool:       pool,
		outcomes:   outcomes,
		queue:      queue,
		reconciler: reconciler,
		reminders:  reminders,
		intake:     in,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run restores in-flight calls from the attempt log and runs every loop
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	pending, err := e.pending.PendingAttempts(ctx)
	if err != nil {
		return fmt.Errorf("restoring pending attempts: %w", err)
	}
	e.pool.Restore(pending)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pool.Run(ctx) })
	e.every(ctx, g, "dispatch", e.cfg.Intervals.Dispatch, func(ctx context.Context, now time.Time) error {
		_, err := e.Tick(ctx, now)
		return err
	})
	e.every(ctx, g, "outcome_queue", e.cfg.Intervals.Queue, func(ctx context.Context, now time.Time) error {
		_, err := e.DrainQueue(ctx, now)
		return err
	})
	e.every(ctx, g, "timeout_sweep", e.cfg.Intervals.Sweep, func(ctx context.Context, now time.Time) error {
		_, err := e.outcomes.SweepTimeouts(ctx, now, e.cfg.PendingTimeout)
		return err
	})
	e.every(ctx, g, "alert_retry", e.cfg.Intervals.Alerts, func(ctx context.Context, _ time.Time) error {
		_, err := e.reconciler.RetryAlerts(ctx)
		return err
	})
	e.every(ctx, g, "reminders", e.cfg.Intervals.Reminders, func(ctx context.Context, now time.Time) error {
		_, err := e.reminders.Tick(ctx, now)
		return err
	})
	e.every(ctx, g, "completion", e.cfg.Intervals.Completion, func(ctx context.Context, now time.Time) error {
		_, err := e.intake.CompleteStarted(ctx, now)
		return err
	})

	log.Info("engine started")
	err = g.Wait()
	log.Info("engine stopped")
	return err
}

func (e *Engine) every(ctx context.Context, g *errgroup.Group, name string, interval time.Duration, fn func(context.Context, time.Time) error) {
	if interval <= 0 {
		log.WithField("loop", name).Warn("loop disabled")
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := fn(ctx, e.Now()); err != nil && !errors.Is(err, context.Canceled) {
					log.WithError(err).WithField("loop", name).Error("loop iteration failed")
				}
			}
		}
	})
}

// Tick hands the next batch of due guests to the dispatch pool and returns
// how many were submitted.
func (e *Engine) Tick(ctx context.Context, now time.Time) (int, error) {
	capacity := e.pool.Available()
	if capacity == 0 {
		return 0, nil
	}
	batch, err := e.sched.SelectBatch(ctx, now, capacity)
	if err != nil {
		return 0, fmt.Errorf("selecting batch: %w", err)
	}
	submitted := 0
	for _, c := range batch {
		err := e.pool.Submit(c.Guest, c.Purpose())
		if errors.Is(err, dispatch.ErrPoolFull) {
			break
		}
		if err != nil {
			log.WithError(err).WithField("guest_id", c.Guest.ID).Debug("guest not submitted")
			continue
		}
		submitted++
	}
	if submitted > 0 {
		log.WithField("submitted", submitted).Debug("dispatch tick")
	}
	return submitted, nil
}

// DrainQueue applies claimed webhook outcomes. Failed deliveries are
// retried later; ones that can never apply, or that ran out of tries, are
// dropped and left to the timeout sweep.
func (e *Engine) DrainQueue(ctx context.Context, now time.Time) (int, error) {
	deliveries, err := e.queue.Claim(ctx, now, e.cfg.QueueLease, e.cfg.QueueBatch)
	if err != nil {
		return 0, fmt.Errorf("claiming outcomes: %w", err)
	}
	applied := 0
	for _, d := range deliveries {
		logger := log.WithFields(log.Fields{"attempt_id": d.AttemptID, "seq": d.Seq, "tries": d.Tries})
		err := e.outcomes.OnOutcome(ctx, d.AttemptID, d.Result)
		switch {
		case err == nil:
			applied++
		case permanent(err) || (e.cfg.QueueMaxTries > 0 && d.Tries >= e.cfg.QueueMaxTries):
			logger.WithError(err).Error("dropping outcome")
		default:
			retryAt := now.Add(queueRetryDelay(d.Tries, e.cfg.QueueLease))
			if nerr := e.queue.Nack(ctx, d.Seq, retryAt, err); nerr != nil {
				logger.WithError(nerr).Error("returning outcome to queue")
			}
			logger.WithError(err).Warn("outcome not applied, will retry")
			continue
		}
		if aerr := e.queue.Ack(ctx, d.Seq); aerr != nil {
			logger.WithError(aerr).Error("acking outcome")
		}
	}
	return applied, nil
}

func permanent(err error) bool {
	return errors.Is(err, invite.ErrValidation) ||
		errors.Is(err, invite.ErrNotFound) ||
		errors.Is(err, invite.ErrInvalidTransition)
}

// queueRetryDelay doubles from one second per try, capped at max.
func queueRetryDelay(tries int, max time.Duration) time.Duration {
	d := time.Second
	for i := 1; i < tries && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
