// Package config defines the configuration of the dailyprompt binaries.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"dailyprompt/internal/types"
)

// SecretString is an alias for types.SecretString so that configuration
// secrets never end up in logs.
type SecretString = types.SecretString

// Config is the top-level configuration. Sub-components receive only the
// section they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"dailyprompt"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	WorkerID    string `envconfig:"WORKER_ID"` // defaults to hostname

	Database  DatabaseConfig
	Scheduler SchedulerConfig
	Breaker   BreakerConfig
	Transport TransportConfig
	AWS       AWSConfig
	Admin     AdminConfig
	Metrics   MetricsConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// DatabaseConfig selects and tunes the store.
type DatabaseConfig struct {
	Driver string `envconfig:"STORE_DRIVER" default:"postgres" validate:"oneof=postgres sqlite"`

	// Resolved from SSM or Env. Required for the postgres driver.
	URL        SecretString `envconfig:"DATABASE_URL" validate:"required_if=Driver postgres"`
	SQLitePath string       `envconfig:"SQLITE_PATH" default:"dailyprompt.db"`

	// Tuning Parameters
	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"1" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// SchedulerConfig holds the populate, delivery and maintenance settings.
type SchedulerConfig struct {
	PopulateCron        string        `envconfig:"POPULATE_CRON" default:"5 0 * * *" validate:"required"`
	PopulateHorizonDays int           `envconfig:"POPULATE_HORIZON_DAYS" default:"2" validate:"min=1,max=7"`
	RunOnStart          bool          `envconfig:"RUN_ON_START" default:"true"`
	DeliveryInterval    time.Duration `envconfig:"DELIVERY_INTERVAL" default:"1m" validate:"min=1s"`
	Grace               time.Duration `envconfig:"DELIVERY_GRACE" default:"5m" validate:"min=0"`
	Lookahead           time.Duration `envconfig:"DELIVERY_LOOKAHEAD" default:"30s" validate:"min=0"`
	Lookbehind          time.Duration `envconfig:"DELIVERY_LOOKBEHIND" default:"24h"`
	BatchSize           int           `envconfig:"DELIVERY_BATCH_SIZE" default:"50" validate:"min=1,max=1000"`
	SendSpacing         time.Duration `envconfig:"SEND_SPACING" default:"200ms" validate:"min=0"`
	SendTimeout         time.Duration `envconfig:"SEND_TIMEOUT" default:"15s" validate:"min=1s"`
	TickTimeout         time.Duration `envconfig:"TICK_TIMEOUT" default:"10m" validate:"min=1s"`
	LockTTL             time.Duration `envconfig:"JOB_LOCK_TTL" default:"15m" validate:"min=1s"`
	MaintenanceCron     string        `envconfig:"MAINTENANCE_CRON" default:"30 3 * * *"`
	InteractionMaxAge   time.Duration `envconfig:"INTERACTION_MAX_AGE" default:"72h" validate:"min=1h"`
	QueueRetention      time.Duration `envconfig:"QUEUE_RETENTION" default:"2160h" validate:"min=24h"`
	ContentCategories   []string      `envconfig:"CONTENT_CATEGORIES"`
}

// BreakerConfig tunes the transport circuit breaker.
type BreakerConfig struct {
	Threshold uint32        `envconfig:"BREAKER_THRESHOLD" default:"5" validate:"min=1"`
	Cooldown  time.Duration `envconfig:"BREAKER_COOLDOWN" default:"5m" validate:"min=1s"`
}

// TransportConfig selects how messages leave the process.
type TransportConfig struct {
	Kind             string        `envconfig:"TRANSPORT_KIND" default:"log" validate:"oneof=http sqs log"`
	GatewayURL       string        `envconfig:"SMS_GATEWAY_URL" validate:"required_if=Kind http,omitempty,url"`
	GatewayToken     SecretString  `envconfig:"SMS_GATEWAY_TOKEN"`
	SenderID         string        `envconfig:"SMS_SENDER_ID"`
	OutboundQueueURL string        `envconfig:"SMS_OUTBOUND_QUEUE_URL" validate:"required_if=Kind sqs,omitempty,url"`
	HTTPTimeout      time.Duration `envconfig:"SMS_HTTP_TIMEOUT" default:"20s"`
}

// AWSConfig holds regional configuration shared by SQS, CloudWatch and SSM.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// AdminConfig configures the admin and reply HTTP server.
type AdminConfig struct {
	Port string `envconfig:"ADMIN_PORT" default:"8080"`
	// APIKeyHash is the bcrypt hash of the operator key. An empty hash
	// disables the admin routes; the reply route and health check stay up.
	APIKeyHash SecretString `envconfig:"ADMIN_API_KEY_HASH"`
	// WebhookSecret is the shared secret the reply webhook sends in the
	// X-Webhook-Secret header. Empty accepts unauthenticated replies.
	WebhookSecret SecretString `envconfig:"REPLY_WEBHOOK_SECRET"`
}

// MetricsConfig selects the telemetry backend.
type MetricsConfig struct {
	Backend   string `envconfig:"METRICS_BACKEND" default:"none" validate:"oneof=none prometheus cloudwatch"`
	Namespace string `envconfig:"METRIC_NAMESPACE" default:"DailyPrompt"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
