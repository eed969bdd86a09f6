package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/iamdhrv/voice-vite/internal/admin"
	"github.com/iamdhrv/voice-vite/internal/api"
	"github.com/iamdhrv/voice-vite/internal/callplatform"
	"github.com/iamdhrv/voice-vite/internal/config"
	"github.com/iamdhrv/voice-vite/internal/dispatch"
	"github.com/iamdhrv/voice-vite/internal/engine"
	"github.com/iamdhrv/voice-vite/internal/intake"
	"github.com/iamdhrv/voice-vite/internal/lifecycle"
	"github.com/iamdhrv/voice-vite/internal/middleware"
	"github.com/iamdhrv/voice-vite/internal/notify"
	"github.com/iamdhrv/voice-vite/internal/outcome"
	"github.com/iamdhrv/voice-vite/internal/reconcile"
	"github.com/iamdhrv/voice-vite/internal/registry"
	"github.com/iamdhrv/voice-vite/internal/reminder"
	"github.com/iamdhrv/voice-vite/internal/scheduler"
	"github.com/iamdhrv/voice-vite/internal/script"
	"github.com/iamdhrv/voice-vite/internal/seed"
	"github.com/iamdhrv/voice-vite/internal/store"
	"github.com/iamdhrv/voice-vite/internal/store/postgres"
	"github.com/iamdhrv/voice-vite/internal/telemetry"
)

const webhookPath = "/webhooks/call-platform"

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	log.SetFormatter(&log.JSONFormatter{})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	gin.SetMode(cfg.GinMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "voice-vite", cfg.OTelEndpoint)
	if err != nil {
		log.WithError(err).Fatal("failed to set up tracing")
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			log.WithError(err).Warn("tracer shutdown error")
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		log.WithError(err).Fatal("failed to create db directory")
	}

	bboltStore, err := store.NewBBoltStore(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open bbolt store")
	}
	defer bboltStore.Close()

	if err := seed.LoadFromFile(cfg.SeedFile, bboltStore); err != nil {
		log.WithError(err).Fatal("failed to seed data")
	}

	var records store.RecordStore = bboltStore
	if cfg.RecordStore == "postgres" {
		pg, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("failed to open postgres record store")
		}
		defer pg.Close()
		records = pg
	}
	log.WithField("record_store", cfg.RecordStore).Info("record store ready")

	notifier, closeNotifier := newNotifier(ctx, cfg.Notify)
	defer closeNotifier()

	policy := lifecycle.Policy{
		MaxAttempts: cfg.Lifecycle.MaxAttempts,
		BaseDelay:   cfg.Lifecycle.BackoffBase,
		MaxDelay:    cfg.Lifecycle.BackoffMax,
		Jitter:      cfg.Lifecycle.BackoffJitter,
	}
	reg := registry.New(bboltStore, policy, cfg.Lifecycle.ReminderLead)

	scripts, err := newScripts(cfg.Script)
	if err != nil {
		log.WithError(err).Fatal("failed to load script templates")
	}

	platform := callplatform.NewClient(cfg.Platform.BaseURL, cfg.Platform.APIKey, cfg.Platform.AssistantID,
		cfg.Platform.PhoneNumberID, &http.Client{Timeout: cfg.Platform.Timeout})

	pool := dispatch.New(reg, bboltStore, platform, scripts, dispatch.Config{
		Ceiling:       cfg.Dispatch.Ceiling,
		Workers:       cfg.Dispatch.Workers,
		RatePerSecond: cfg.Dispatch.PlatformRPS,
		Burst:         cfg.Dispatch.PlatformBurst,
	})

	reconciler := reconcile.New(records, bboltStore, bboltStore, notifier, reconcile.Retry{
		MaxTries: cfg.Reconcile.MaxTries,
		Initial:  cfg.Reconcile.BackoffBase,
		Max:      cfg.Reconcile.BackoffMax,
	})
	outcomes := outcome.New(reg, bboltStore, reconciler, notifier, pool)
	intakeSvc := intake.New(bboltStore, records, cfg.CountryCode)

	eng := engine.New(engine.Config{
		Intervals: engine.Intervals{
			Dispatch:   cfg.Lifecycle.TickInterval,
			Queue:      cfg.Reconcile.QueueInterval,
			Sweep:      cfg.Lifecycle.SweepInterval,
			Alerts:     cfg.Reconcile.AlertInterval,
			Reminders:  cfg.Lifecycle.ReminderTick,
			Completion: cfg.Lifecycle.CompletionCheck,
		},
		PendingTimeout: cfg.Lifecycle.PendingTimeout,
		QueueLease:     cfg.Reconcile.QueueLease,
		QueueBatch:     cfg.Reconcile.QueueBatch,
		QueueMaxTries:  cfg.Reconcile.QueueMaxTries,
	}, bboltStore, scheduler.New(bboltStore, reg), pool, outcomes, bboltStore, reconciler,
		reminder.New(bboltStore, reg, cfg.Lifecycle.ReminderLead), intakeSvc)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("engine stopped")
		}
	}()

	swagger, err := api.GetSwagger()
	if err != nil {
		log.WithError(err).Fatal("failed to load embedded swagger spec")
	}

	validator, err := middleware.NewOpenAPIValidator(swagger)
	if err != nil {
		log.WithError(err).Fatal("failed to create openapi validator")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.NewRateLimiter(ctx, rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, webhookPath))
	r.Use(validator)

	handler := api.NewHandler(intakeSvc, records, bboltStore)
	api.RegisterHandlers(r, handler)

	srv := &http.Server{
		Handler: r,
		Addr:    net.JoinHostPort("0.0.0.0", cfg.Port),
	}

	adminRouter := gin.New()
	adminRouter.Use(gin.Recovery())

	adminHandler := admin.NewHandler(reg, records, bboltStore, reconciler)
	admin.RegisterHandlers(adminRouter, adminHandler)

	adminSrv := &http.Server{
		Handler: adminRouter,
		Addr:    net.JoinHostPort("0.0.0.0", cfg.AdminPort),
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	go func() {
		log.WithField("addr", adminSrv.Addr).Info("starting admin server")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("admin server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.WithField("signal", fmt.Sprintf("%v", sig)).Info("shutting down servers")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown error")
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("admin server shutdown error")
	}

	// Reason: stop the engine after the webhook listener so every accepted
	// outcome is already in the durable queue
	cancel()
	<-engineDone
}

func newScripts(cfg config.Script) (*script.Service, error) {
	templates, err := script.LoadTemplates(cfg.TemplatesFile)
	if err != nil {
		return nil, err
	}
	var gen script.Generator
	if cfg.GeneratorURL != "" {
		gen = script.NewHTTPGenerator(cfg.GeneratorURL, cfg.GeneratorKey, &http.Client{Timeout: cfg.Timeout})
	}
	return script.NewService(gen, templates, cfg.Timeout, cfg.Assistant), nil
}

func newNotifier(ctx context.Context, cfg config.Notify) (notify.Notifier, func()) {
	if cfg.WhatsAppDir == "" {
		return notify.LogNotifier{}, func() {}
	}
	wa, err := notify.NewWhatsApp(ctx, cfg.WhatsAppDir, cfg.OperatorPhone)
	if err != nil {
		log.WithError(err).Warn("whatsapp unavailable, host notices go to the log")
		return notify.LogNotifier{}, func() {}
	}
	return wa, wa.Close
}
