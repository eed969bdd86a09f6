package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port           string  `env:"PORT" envDefault:"8080"`
	AdminPort      string  `env:"ADMIN_PORT" envDefault:"9090"`
	DBPath         string  `env:"DB_PATH" envDefault:"/data/voice-vite.db"`
	SeedFile       string  `env:"SEED_FILE"`
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"1"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"10"`
	GinMode        string  `env:"GIN_MODE" envDefault:"release"`
	LogLevel       string  `env:"LOG_LEVEL" envDefault:"info"`

	// RecordStore is "bbolt" or "postgres".
	RecordStore string `env:"RECORD_STORE" envDefault:"bbolt"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	CountryCode string `env:"DEFAULT_COUNTRY_CODE"`

	Lifecycle Lifecycle
	Dispatch  Dispatch
	Reconcile Reconcile
	Platform  Platform
	Script    Script
	Notify    Notify

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

type Lifecycle struct {
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase     time.Duration `env:"BACKOFF_BASE" envDefault:"2h"`
	BackoffMax      time.Duration `env:"BACKOFF_MAX" envDefault:"24h"`
	BackoffJitter   float64       `env:"BACKOFF_JITTER" envDefault:"0.2"`
	ReminderLead    time.Duration `env:"REMINDER_LEAD" envDefault:"48h"`
	PendingTimeout  time.Duration `env:"PENDING_TIMEOUT" envDefault:"15m"`
	TickInterval    time.Duration `env:"TICK_INTERVAL" envDefault:"30s"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	ReminderTick    time.Duration `env:"REMINDER_TICK_INTERVAL" envDefault:"5m"`
	CompletionCheck time.Duration `env:"COMPLETION_INTERVAL" envDefault:"10m"`
}

type Dispatch struct {
	Ceiling       int     `env:"DISPATCH_CEILING" envDefault:"5"`
	Workers       int     `env:"DISPATCH_WORKERS" envDefault:"5"`
	PlatformRPS   float64 `env:"PLATFORM_RPS" envDefault:"1"`
	PlatformBurst int     `env:"PLATFORM_BURST" envDefault:"2"`
}

type Reconcile struct {
	MaxTries      uint          `env:"RECONCILE_MAX_TRIES" envDefault:"5"`
	BackoffBase   time.Duration `env:"RECONCILE_BACKOFF_BASE" envDefault:"500ms"`
	BackoffMax    time.Duration `env:"RECONCILE_BACKOFF_MAX" envDefault:"30s"`
	AlertInterval time.Duration `env:"ALERT_RETRY_INTERVAL" envDefault:"10m"`

	QueueInterval time.Duration `env:"OUTCOME_QUEUE_INTERVAL" envDefault:"2s"`
	QueueLease    time.Duration `env:"OUTCOME_QUEUE_LEASE" envDefault:"1m"`
	QueueBatch    int           `env:"OUTCOME_QUEUE_BATCH" envDefault:"20"`
	QueueMaxTries int           `env:"OUTCOME_QUEUE_MAX_TRIES" envDefault:"10"`
}

type Platform struct {
	BaseURL       string        `env:"VAPI_BASE_URL" envDefault:"https://api.vapi.ai"`
	APIKey        string        `env:"VAPI_API_KEY"`
	AssistantID   string        `env:"VAPI_ASSISTANT_ID"`
	PhoneNumberID string        `env:"VAPI_PHONE_NUMBER_ID"`
	Timeout       time.Duration `env:"VAPI_TIMEOUT" envDefault:"15s"`
}

type Script struct {
	GeneratorURL  string        `env:"SCRIPT_GENERATOR_URL"`
	GeneratorKey  string        `env:"SCRIPT_GENERATOR_KEY"`
	Timeout       time.Duration `env:"SCRIPT_TIMEOUT" envDefault:"5s"`
	TemplatesFile string        `env:"SCRIPT_TEMPLATES_FILE"`
	Assistant     string        `env:"ASSISTANT_NAME" envDefault:"Eva"`
}

type Notify struct {
	WhatsAppDir   string `env:"WHATSAPP_DATA_DIR"`
	OperatorPhone string `env:"OPERATOR_PHONE"`
}

// Load reads the configuration from the environment. Variables in dotenv,
// when the file exists, are loaded first without overriding the environment.
func Load(dotenv string) (*Config, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", dotenv, err)
		}
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.RecordStore != "bbolt" && cfg.RecordStore != "postgres" {
		return nil, fmt.Errorf("RECORD_STORE must be bbolt or postgres, got %q", cfg.RecordStore)
	}
	if cfg.RecordStore == "postgres" && cfg.PostgresDSN == "" {
		return nil, errors.New("POSTGRES_DSN is required when RECORD_STORE=postgres")
	}
	if cfg.Dispatch.Ceiling <= 0 {
		return nil, fmt.Errorf("DISPATCH_CEILING must be positive, got %d", cfg.Dispatch.Ceiling)
	}
	if err := cfg.Lifecycle.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l Lifecycle) validate() error {
	switch {
	case l.MaxAttempts <= 0:
		return fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", l.MaxAttempts)
	case l.BackoffBase <= 0:
		return fmt.Errorf("BACKOFF_BASE must be positive, got %s", l.BackoffBase)
	case l.BackoffMax < l.BackoffBase:
		return fmt.Errorf("BACKOFF_MAX (%s) must not be below BACKOFF_BASE (%s)", l.BackoffMax, l.BackoffBase)
	case l.BackoffJitter < 0 || l.BackoffJitter >= 1:
		// Reason: a jitter of 1 or more can schedule the retry at or before the failure
		return fmt.Errorf("BACKOFF_JITTER must be in [0, 1), got %g", l.BackoffJitter)
	}
	return nil
}
