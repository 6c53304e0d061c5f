// Package config defines the global configuration structure for the BizFlow
// scheduler subsystem. Configuration is loaded once at process initialization
// and is immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Any missing required value or invalid format causes the process to exit
// immediately on startup (fail fast).
package config

import (
	"time"

	"bizflow/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"bizflow-scheduler"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Database  DatabaseConfig
	Redis     RedisConfig
	Messaging MessagingConfig
	Scheduler SchedulerConfig
	Worker    WorkerConfig
	Ops       OpsConfig
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig holds the delay queue broker connection parameters. The three
// logical queues share one Redis connection per process, opened on startup and
// closed on shutdown.
type RedisConfig struct {
	Addr      string       `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password  SecretString `envconfig:"REDIS_PASSWORD"`
	DB        int          `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix string       `envconfig:"REDIS_KEY_PREFIX" default:"bizflow"`
}

// MessagingConfig holds outbound messaging provider credentials and tuning.
type MessagingConfig struct {
	// Provider selects the send implementation: "whatsapp" (Meta Cloud API),
	// "twilio", or "stub" (local development, logs instead of sending).
	Provider string `envconfig:"MESSAGING_PROVIDER" default:"whatsapp" validate:"oneof=whatsapp twilio stub"`

	// External API calls are bounded by this timeout; expiry is treated as a
	// transient failure and retried by the broker.
	SendTimeout time.Duration `envconfig:"MESSAGING_SEND_TIMEOUT" default:"10s"`

	WhatsAppAPIVersion    string       `envconfig:"WHATSAPP_API_VERSION" default:"v18.0"`
	WhatsAppPhoneNumberID string       `envconfig:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppAccessToken   SecretString `envconfig:"WHATSAPP_ACCESS_TOKEN"`

	TwilioAccountSID string       `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  SecretString `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string       `envconfig:"TWILIO_FROM_NUMBER"`
}

// SchedulerConfig holds sweep schedules and the retry policy applied to every
// enqueued reminder task. The retry policy is an explicit parameter object
// rather than configuration buried at call sites.
type SchedulerConfig struct {
	// Cron specs (5-field, process-local time which is forced to UTC).
	OverdueInvoiceSweepSpec  string `envconfig:"SWEEP_OVERDUE_INVOICES" default:"0 9 * * *"`
	UpcomingBookingSweepSpec string `envconfig:"SWEEP_UPCOMING_BOOKINGS" default:"0 8 * * *"`

	// Hour of day (0-23) at which payment reminder stages fire.
	ReminderHour int `envconfig:"REMINDER_HOUR" default:"9" validate:"min=0,max=23"`

	MaxAttempts       int           `envconfig:"JOB_MAX_ATTEMPTS" default:"3" validate:"min=1"`
	BackoffBaseDelay  time.Duration `envconfig:"JOB_BACKOFF_BASE" default:"5s"`
	BackoffMultiplier float64       `envconfig:"JOB_BACKOFF_MULTIPLIER" default:"2.0"`
}

// WorkerConfig holds consumer pool tuning.
type WorkerConfig struct {
	// Concurrency is the number of in-flight deliveries per queue.
	Concurrency int `envconfig:"WORKER_CONCURRENCY" default:"4" validate:"min=1"`

	// PollInterval is how often each consumer checks its queue for due tasks.
	PollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"1s"`

	// ClaimLimit caps the tasks claimed per poll.
	ClaimLimit int `envconfig:"WORKER_CLAIM_LIMIT" default:"10" validate:"min=1"`

	// RateLimit caps sustained outbound sends per second across a queue's
	// consumer pool, respecting the messaging API's rate limits. Zero disables.
	RateLimit float64 `envconfig:"WORKER_RATE_LIMIT" default:"10"`
	RateBurst int     `envconfig:"WORKER_RATE_BURST" default:"1"`
}

// OpsConfig holds the operator diagnostic HTTP surface settings.
type OpsConfig struct {
	Port string `envconfig:"OPS_PORT" default:"8090"`
}
