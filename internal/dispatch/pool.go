// Package dispatch places calls for scheduled guests under a global ceiling
// of simultaneous calls and the calling platform's rate limit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/iamdhrv/voice-vite/internal/callplatform"
	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/registry"
)

var (
	ErrAlreadyQueued = errors.New("guest already queued or in flight")
	ErrPoolFull      = errors.New("no free call slot")
)

type Placer interface {
	PlaceCall(ctx context.Context, req callplatform.CallRequest) (string, error)
}

type Scripter interface {
	Script(ctx context.Context, ev invite.Event, g invite.Guest, purpose invite.Purpose) string
}

type Events interface {
	GetEvent(ctx context.Context, id string) (invite.Event, error)
}

type Config struct {
	// Ceiling is the number of calls that may be in flight at once. A slot
	// is taken on Submit and given back when the attempt resolves.
	Ceiling int
	Workers int
	// RatePerSecond and Burst describe the platform's request limit.
	RatePerSecond float64
	Burst         int
}

type job struct {
	guest   invite.Guest
	purpose invite.Purpose
}

type slot struct {
	attemptID string
	held      bool
}

type Pool struct {
	reg     *registry.Registry
	events  Events
	placer  Placer
	scripts Scripter

	ceiling int
	workers int
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	queue   chan job
	tracer  trace.Tracer

	mu       sync.Mutex
	byGuest  map[string]*slot
	attempts map[string]string

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func New(reg *registry.Registry, events Events, placer Placer, scripts Scripter, cfg Config) *Pool {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.Ceiling
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Pool{
		reg:      reg,
		events:   events,
		placer:   placer,
		scripts:  scripts,
		ceiling:  cfg.Ceiling,
		workers:  cfg.Workers,
		sem:      semaphore.NewWeighted(int64(cfg.Ceiling)),
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		queue:    make(chan job, cfg.Ceiling),
		tracer:   otel.Tracer("github.com/iamdhrv/voice-vite/internal/dispatch"),
		byGuest:  make(map[string]*slot),
		attempts: make(map[string]string),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Available is the number of free call slots.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	held := 0
	for _, s := range p.byGuest {
		if s.held {
			held++
		}
	}
	if held >= p.ceiling {
		return 0
	}
	return p.ceiling - held
}

// Busy reports whether the guest is queued or has a call in flight.
func (p *Pool) Busy(guestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byGuest[guestID]
	return ok
}

// Submit queues a call for g without waiting for it to be placed.
func (p *Pool) Submit(g invite.Guest, purpose invite.Purpose) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byGuest[g.ID]; ok {
		return fmt.Errorf("guest %s: %w", g.ID, ErrAlreadyQueued)
	}
	if !p.sem.TryAcquire(1) {
		return ErrPoolFull
	}
	p.byGuest[g.ID] = &slot{held: true}
	// Reason: the queue holds at most Ceiling jobs and every job holds a slot
	p.queue <- job{guest: g, purpose: purpose}
	return nil
}

// Run starts the workers and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			if err := p.limiter.Wait(ctx); err != nil {
				p.drop(j.guest.ID)
				return
			}
			if _, err := p.Dispatch(ctx, j.guest, j.purpose); err != nil {
				p.drop(j.guest.ID)
				log.WithError(err).WithFields(log.Fields{
					"guest_id": j.guest.ID,
					"purpose":  j.purpose,
				}).Warn("dispatch failed")
			}
		}
	}
}

// Dispatch places one call now. The pending attempt is recorded before the
// platform is asked to dial, so a crash in between leaves a pending attempt
// that the timeout sweep resolves.
func (p *Pool) Dispatch(ctx context.Context, g invite.Guest, purpose invite.Purpose) (invite.Attempt, error) {
	ctx, span := p.tracer.Start(ctx, "dispatch.call", trace.WithAttributes(
		attribute.String("guest.id", g.ID),
		attribute.String("event.id", g.EventID),
		attribute.String("purpose", string(purpose)),
	))
	defer span.End()

	a, err := p.dispatch(ctx, g, purpose)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return invite.Attempt{}, err
	}
	span.SetAttributes(attribute.String("attempt.id", a.ID))
	return a, nil
}

func (p *Pool) dispatch(ctx context.Context, g invite.Guest, purpose invite.Purpose) (invite.Attempt, error) {
	ev, err := p.events.GetEvent(ctx, g.EventID)
	if err != nil {
		return invite.Attempt{}, fmt.Errorf("loading event of guest %s: %w", g.ID, err)
	}
	if ev.Status != invite.EventActive {
		return invite.Attempt{}, fmt.Errorf("event %s is %s: %w", ev.ID, ev.Status, invite.ErrEventNotActive)
	}
	if ev.VoiceProfileID == "" {
		return invite.Attempt{}, fmt.Errorf("event %s: %w", ev.ID, invite.ErrVoiceProfileMissing)
	}

	script := p.scripts.Script(ctx, ev, g, purpose)

	now := p.Now()
	a, current, err := p.reg.BeginAttempt(ctx, g.ID, purpose, now, ev.Deadline())
	if err != nil {
		return invite.Attempt{}, fmt.Errorf("starting attempt: %w", err)
	}
	p.bind(g.ID, a.ID)

	logger := log.WithFields(log.Fields{"guest_id": g.ID, "attempt_id": a.ID, "event_id": ev.ID})
	handle, err := p.placer.PlaceCall(ctx, callplatform.CallRequest{
		AttemptID:      a.ID,
		GuestID:        current.ID,
		EventID:        ev.ID,
		Purpose:        purpose,
		Phone:          current.Phone,
		GuestName:      current.Name,
		Script:         script,
		VoiceProfileID: ev.VoiceProfileID,
	})
	if err != nil {
		_, _, rerr := p.reg.ResolveAttempt(ctx, a.ID, registry.Resolution{
			Result:    invite.CallResult{Kind: invite.ResultFailed, Reason: err.Error()},
			At:        p.Now(),
			Placement: true,
		})
		if rerr != nil {
			logger.WithError(rerr).Error("resolving attempt after placement failure")
		}
		if !errors.Is(err, invite.ErrTransientExternal) {
			err = invite.Transient("place call", err)
		}
		return a, err
	}

	if err := p.reg.AttachCallHandle(ctx, a.ID, handle); err != nil {
		// Reason: the outcome may already have arrived and closed the attempt
		logger.WithError(err).Debug("attaching call handle")
	}
	a.CallHandle = handle
	logger.WithField("call_handle", handle).Info("call placed")
	return a, nil
}

// bind records which attempt a submitted guest's slot belongs to. Calls
// dispatched without Submit hold no slot and are not tracked.
func (p *Pool) bind(guestID, attemptID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.byGuest[guestID]
	if !ok {
		return
	}
	s.attemptID = attemptID
	p.attempts[attemptID] = guestID
}

func (p *Pool) drop(guestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.byGuest[guestID]
	if !ok {
		return
	}
	delete(p.byGuest, guestID)
	if s.attemptID != "" {
		delete(p.attempts, s.attemptID)
	}
	if s.held {
		p.sem.Release(1)
	}
}

// Release frees the slot of a resolved attempt. It reports whether the
// attempt held one.
func (p *Pool) Release(attemptID string) bool {
	p.mu.Lock()
	guestID, ok := p.attempts[attemptID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.drop(guestID)
	return true
}

// Restore takes slots for attempts left pending by a previous run. Attempts
// beyond the ceiling are still tracked so their guests stay busy.
func (p *Pool) Restore(pending []invite.Attempt) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range pending {
		if _, ok := p.byGuest[a.GuestID]; ok {
			continue
		}
		held := p.sem.TryAcquire(1)
		p.byGuest[a.GuestID] = &slot{attemptID: a.ID, held: held}
		p.attempts[a.ID] = a.GuestID
		n++
	}
	if n > 0 {
		log.WithField("attempts", n).Info("restored in-flight calls")
	}
	return n
}
