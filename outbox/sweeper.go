package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-outbox/internal/nilcheck"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	libLog "github.com/LerianStudio/lib-outbox/log"
	"github.com/LerianStudio/lib-outbox/runtime"
)

// Sweeper returns abandoned in-process claims to pending on its own schedule,
// independent of dispatch.
type Sweeper struct {
	store   Store
	logger  libLog.Logger
	tracer  trace.Tracer
	cfg     SweeperConfig
	metrics *outboxMetrics
	clock   func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// SweeperOption mutates sweeper configuration at construction.
type SweeperOption func(*Sweeper)

// WithSweeperConfig replaces the whole configuration. Zero fields fall back to defaults.
func WithSweeperConfig(cfg SweeperConfig) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.cfg = cfg
	}
}

func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		if interval > 0 {
			sweeper.cfg.Interval = interval
		}
	}
}

// WithSweepClaimTimeout sets the in-process age after which a claim is swept.
func WithSweepClaimTimeout(timeout time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		if timeout > 0 {
			sweeper.cfg.ClaimTimeout = timeout
		}
	}
}

func WithSweepMaxAttempts(attempts int) SweeperOption {
	return func(sweeper *Sweeper) {
		if attempts > 0 {
			sweeper.cfg.MaxAttempts = attempts
		}
	}
}

func WithSweepMeterProvider(provider metric.MeterProvider) SweeperOption {
	return func(sweeper *Sweeper) {
		if nilcheck.Interface(provider) {
			sweeper.cfg.MeterProvider = nil

			return
		}

		sweeper.cfg.MeterProvider = provider
	}
}

func withSweepClock(clock func() time.Time) SweeperOption {
	return func(sweeper *Sweeper) {
		if clock != nil {
			sweeper.clock = clock
		}
	}
}

func NewSweeper(store Store, logger libLog.Logger, tracer trace.Tracer, opts ...SweeperOption) (*Sweeper, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer(tracerName)
	}

	sweeper := &Sweeper{
		store:  store,
		logger: logger,
		tracer: tracer,
		cfg:    DefaultSweeperConfig(),
		clock:  time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sweeper)
		}
	}

	sweeper.cfg.normalize()

	metrics, err := newOutboxMetrics(sweeper.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	sweeper.metrics = metrics

	return sweeper, nil
}

// SweepOnce runs one sweep. Running it again over the same state changes nothing.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := sweeper.tracer.Start(ctx, "outbox.sweep")
	defer span.End()

	now := sweeper.clock().UTC()

	result, err := sweeper.store.ReclaimStuck(ctx, SweepRequest{
		StaleBefore: now.Add(-sweeper.cfg.ClaimTimeout),
		MaxAttempts: sweeper.cfg.MaxAttempts,
		Limit:       sweeper.cfg.BatchSize,
		Now:         now,
	})
	if err != nil {
		recordSpanError(span, "failed to sweep outbox claims", err)

		return SweepResult{}, err
	}

	span.SetAttributes(
		attribute.Int("outbox.sweep.requeued", result.Requeued),
		attribute.Int("outbox.sweep.quarantined", result.Quarantined),
	)

	sweeper.metrics.addSweep(ctx, result)

	if result.Total() > 0 {
		sweeper.logger.Log(ctx, libLog.LevelWarn, "outbox sweep reclaimed stuck events",
			libLog.Int("requeued", result.Requeued),
			libLog.Int("quarantined", result.Quarantined),
		)
	}

	return result, nil
}

// Run sweeps on every interval until ctx is cancelled or Shutdown is called.
func (sweeper *Sweeper) Run(parentCtx context.Context) error {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	sweeper.mu.Lock()
	if sweeper.running {
		sweeper.mu.Unlock()

		return ErrSweeperRunning
	}

	sweeper.running = true
	sweeper.cancel = cancel
	sweeper.done = done
	sweeper.mu.Unlock()

	defer func() {
		sweeper.mu.Lock()
		sweeper.running = false
		sweeper.cancel = nil
		sweeper.mu.Unlock()
	}()

	defer runtime.RecoverAndLog(ctx, sweeper.logger, "outbox", "sweeper_run")

	ticker := time.NewTicker(sweeper.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := sweeper.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			libLog.SafeError(sweeper.logger, ctx, "outbox sweep failed", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Shutdown stops Run and waits for the current sweep to finish.
func (sweeper *Sweeper) Shutdown(ctx context.Context) error {
	sweeper.mu.Lock()
	cancel := sweeper.cancel
	done := sweeper.done
	sweeper.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweeper shutdown: %w", ctx.Err())
	}
}
