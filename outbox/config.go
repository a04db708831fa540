package outbox

import (
	"fmt"
	"os"
	"time"

	"github.com/LerianStudio/lib-outbox/internal/nilcheck"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPollInterval        = 2 * time.Second
	defaultBatchSize           = 50
	defaultWorkers             = 4
	defaultHandlerTimeout      = 30 * time.Second
	defaultClaimTimeout        = 5 * time.Minute
	defaultOutcomeWriteTimeout = 5 * time.Second
	defaultSweepInterval       = 30 * time.Second
	defaultSweepBatchSize      = 100
)

// DispatcherConfig controls polling, concurrency and timeouts.
type DispatcherConfig struct {
	// PollInterval is the period between dispatch cycles when no wake signal arrives.
	PollInterval time.Duration
	// BatchSize is the max number of events claimed per cycle.
	BatchSize int
	// Workers bounds how many events of a batch are handled concurrently.
	Workers int
	// HandlerTimeout bounds each handler invocation. A handler still running
	// when it expires counts as a recoverable failure.
	HandlerTimeout time.Duration
	// ClaimTimeout is the age after which an in-process claim is considered
	// abandoned and may be claimed again. It must exceed HandlerTimeout times
	// the number of handlers per topic.
	ClaimTimeout time.Duration
	// OutcomeWriteTimeout bounds the store write that records an outcome. The
	// write is detached from the dispatch context so shutdown cannot drop it.
	OutcomeWriteTimeout time.Duration
	// PriorityOrder selects high-first or low-first priority dispatch.
	PriorityOrder PriorityOrder
	// Owner is stamped on claims; defaults to hostname plus a random suffix.
	Owner string
	// MeterProvider overrides the global OpenTelemetry meter provider.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:        defaultPollInterval,
		BatchSize:           defaultBatchSize,
		Workers:             defaultWorkers,
		HandlerTimeout:      defaultHandlerTimeout,
		ClaimTimeout:        defaultClaimTimeout,
		OutcomeWriteTimeout: defaultOutcomeWriteTimeout,
		PriorityOrder:       PriorityHighFirst,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	cfg.BatchSize = min(cfg.BatchSize, MaxQueryLimit)

	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}

	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaults.HandlerTimeout
	}

	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaults.ClaimTimeout
	}

	if cfg.OutcomeWriteTimeout <= 0 {
		cfg.OutcomeWriteTimeout = defaults.OutcomeWriteTimeout
	}

	if cfg.Owner == "" {
		cfg.Owner = defaultOwner()
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "outbox"
	}

	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithConfig replaces the whole configuration. Zero fields fall back to defaults.
func WithConfig(cfg DispatcherConfig) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg = cfg
	}
}

// WithPollInterval sets the dispatch polling interval.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.PollInterval = interval
		}
	}
}

// WithBatchSize sets the maximum events claimed in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithWorkers sets the size of the per-cycle worker pool.
func WithWorkers(workers int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if workers > 0 {
			dispatcher.cfg.Workers = workers
		}
	}
}

// WithHandlerTimeout sets the per-invocation handler timeout.
func WithHandlerTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.HandlerTimeout = timeout
		}
	}
}

// WithClaimTimeout sets the age after which in-process claims are considered abandoned.
func WithClaimTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.ClaimTimeout = timeout
		}
	}
}

// WithOutcomeWriteTimeout bounds the store write recording each outcome.
func WithOutcomeWriteTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.OutcomeWriteTimeout = timeout
		}
	}
}

func WithPriorityOrder(order PriorityOrder) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.PriorityOrder = order
	}
}

func WithOwner(owner string) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.Owner = owner
	}
}

// WithRetryPolicy replaces the retry policy. Zero fields fall back to defaults.
func WithRetryPolicy(policy RetryPolicy) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.policy = policy
	}
}

// WithMaxAttempts sets the attempt ceiling before quarantine.
func WithMaxAttempts(attempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if attempts > 0 {
			dispatcher.policy.MaxAttempts = attempts
		}
	}
}

// WithBackoff sets the retry delay curve.
func WithBackoff(backoff Backoff) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if !nilcheck.Interface(backoff) {
			dispatcher.policy.Backoff = backoff
		}
	}
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(classifier) {
			dispatcher.policy.Classifier = nil

			return
		}

		dispatcher.policy.Classifier = classifier
	}
}

// WithNotifier lets producers wake the dispatcher before the next poll.
func WithNotifier(notifier Notifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(notifier) {
			dispatcher.notifier = nil

			return
		}

		dispatcher.notifier = notifier
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}

// withClock overrides time.Now in tests.
func withClock(clock func() time.Time) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if clock != nil {
			dispatcher.clock = clock
		}
	}
}

// SweeperConfig controls the stuck-claim sweep.
type SweeperConfig struct {
	Interval     time.Duration
	ClaimTimeout time.Duration
	BatchSize    int
	// MaxAttempts must match the dispatcher's ceiling so exhausted claims are
	// quarantined instead of requeued.
	MaxAttempts   int
	MeterProvider metric.MeterProvider
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:     defaultSweepInterval,
		ClaimTimeout: defaultClaimTimeout,
		BatchSize:    defaultSweepBatchSize,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

func (cfg *SweeperConfig) normalize() {
	defaults := DefaultSweeperConfig()

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaults.ClaimTimeout
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
}
