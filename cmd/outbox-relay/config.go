package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/LerianStudio/lib-outbox/outbox"
	"github.com/LerianStudio/lib-outbox/telemetry"
	"github.com/LerianStudio/lib-outbox/zap"
)

const (
	serviceName = "outbox-relay"

	storePostgres = "postgres"
	storeSQLite   = "sqlite"
)

var (
	ErrTopicsRequired     = errors.New("at least one topic is required")
	ErrUnknownStore       = errors.New("unknown store")
	ErrPrimaryDSNRequired = errors.New("postgres primary dsn is required")
	ErrRabbitURLRequired  = errors.New("rabbitmq url is required")
	ErrPriorityOrder      = errors.New("priority order must be high-first or low-first")
)

// Config is read from the environment first; flags override it.
type Config struct {
	Environment string `env:"OUTBOX_ENV" envDefault:"production"`
	LogLevel    string `env:"OUTBOX_LOG_LEVEL" envDefault:"info"`

	ServiceVersion string `env:"OUTBOX_SERVICE_VERSION" envDefault:"dev"`
	OTelEnabled    bool   `env:"OUTBOX_OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint   string `env:"OUTBOX_OTEL_ENDPOINT"`

	Store string `env:"OUTBOX_STORE" envDefault:"postgres"`

	PostgresPrimaryDSN   string `env:"OUTBOX_POSTGRES_PRIMARY_DSN"`
	PostgresReplicaDSN   string `env:"OUTBOX_POSTGRES_REPLICA_DSN"`
	PostgresDBName       string `env:"OUTBOX_POSTGRES_DB_NAME" envDefault:"outbox"`
	PostgresMaxOpenConns int    `env:"OUTBOX_POSTGRES_MAX_OPEN_CONNS" envDefault:"10"`
	PostgresMaxIdleConns int    `env:"OUTBOX_POSTGRES_MAX_IDLE_CONNS" envDefault:"5"`
	SQLitePath           string `env:"OUTBOX_SQLITE_PATH" envDefault:"data/outbox.db"`
	Migrate              bool   `env:"OUTBOX_MIGRATE" envDefault:"true"`

	RabbitURL      string        `env:"OUTBOX_RABBITMQ_URL"`
	RabbitExchange string        `env:"OUTBOX_RABBITMQ_EXCHANGE" envDefault:"outbox"`
	ConfirmTimeout time.Duration `env:"OUTBOX_RABBITMQ_CONFIRM_TIMEOUT" envDefault:"5s"`
	Topics         []string      `env:"OUTBOX_TOPICS" envSeparator:","`
	CircuitBreaker bool          `env:"OUTBOX_CIRCUIT_BREAKER" envDefault:"true"`
	// BreakerTimeout is the breaker's open window. Events it rejects are
	// deferred by the same amount.
	BreakerTimeout time.Duration `env:"OUTBOX_CIRCUIT_BREAKER_TIMEOUT" envDefault:"30s"`

	RedisAddr    string `env:"OUTBOX_REDIS_ADDR"`
	RedisChannel string `env:"OUTBOX_REDIS_CHANNEL" envDefault:"outbox:wakeup"`

	PollInterval    time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	BatchSize       int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
	Workers         int           `env:"OUTBOX_WORKERS" envDefault:"4"`
	HandlerTimeout  time.Duration `env:"OUTBOX_HANDLER_TIMEOUT" envDefault:"30s"`
	ClaimTimeout    time.Duration `env:"OUTBOX_CLAIM_TIMEOUT" envDefault:"5m"`
	MaxAttempts     int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase     time.Duration `env:"OUTBOX_BACKOFF_BASE" envDefault:"1s"`
	BackoffMax      time.Duration `env:"OUTBOX_BACKOFF_MAX" envDefault:"5m"`
	PriorityOrder   string        `env:"OUTBOX_PRIORITY_ORDER" envDefault:"high-first"`
	SweepInterval   time.Duration `env:"OUTBOX_SWEEP_INTERVAL" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"OUTBOX_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// ParseConfig loads the environment, then parses args into fs.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	topics := strings.Join(cfg.Topics, ",")

	fs.StringVar(&cfg.Store, "store", cfg.Store, "event store backend (postgres|sqlite)")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "sqlite database file")
	fs.BoolVar(&cfg.Migrate, "migrate", cfg.Migrate, "apply schema migrations on start")
	fs.StringVar(&cfg.RabbitExchange, "exchange", cfg.RabbitExchange, "rabbitmq exchange to publish to")
	fs.StringVar(&topics, "topics", topics, "comma-separated topics to relay")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "dispatch poll interval")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "max events claimed per cycle")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "concurrent handlers per cycle")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "attempts before an event is quarantined")
	fs.StringVar(&cfg.PriorityOrder, "priority-order", cfg.PriorityOrder, "dispatch priority order (high-first|low-first)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Topics = splitTopics(topics)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func splitTopics(raw string) []string {
	var topics []string

	for _, topic := range strings.Split(raw, ",") {
		if topic = strings.TrimSpace(topic); topic != "" {
			topics = append(topics, topic)
		}
	}

	return topics
}

func (cfg Config) validate() error {
	if len(cfg.Topics) == 0 {
		return ErrTopicsRequired
	}

	switch cfg.Store {
	case storePostgres:
		if strings.TrimSpace(cfg.PostgresPrimaryDSN) == "" {
			return ErrPrimaryDSNRequired
		}
	case storeSQLite:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, cfg.Store)
	}

	if strings.TrimSpace(cfg.RabbitURL) == "" {
		return ErrRabbitURLRequired
	}

	if _, err := cfg.priorityOrder(); err != nil {
		return err
	}

	return nil
}

func (cfg Config) priorityOrder() (outbox.PriorityOrder, error) {
	switch cfg.PriorityOrder {
	case "", "high-first":
		return outbox.PriorityHighFirst, nil
	case "low-first":
		return outbox.PriorityLowFirst, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrPriorityOrder, cfg.PriorityOrder)
	}
}

func (cfg Config) loggerConfig() zap.Config {
	return zap.Config{
		Environment:     zap.Environment(cfg.Environment),
		Level:           cfg.LogLevel,
		OTelLibraryName: serviceName,
	}
}

func (cfg Config) telemetryConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName:       serviceName,
		ServiceVersion:    cfg.ServiceVersion,
		Environment:       cfg.Environment,
		CollectorEndpoint: cfg.OTelEndpoint,
		Enabled:           cfg.OTelEnabled,
	}
}

func (cfg Config) retryPolicy() outbox.RetryPolicy {
	policy := outbox.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	policy.Backoff = outbox.ExponentialBackoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Jitter: true}
	policy.DeferDelay = cfg.BreakerTimeout

	return policy
}
