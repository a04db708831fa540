package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	libLog "github.com/LerianStudio/lib-outbox/log"
)

// CircuitBreakerConfig configures the per-handler breaker.
type CircuitBreakerConfig struct {
	Name string
	// MaxRequests is the number of probe calls allowed while half-open.
	MaxRequests uint32
	// Interval resets the closed-state counts; zero never resets.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
	Logger              libLog.Logger
}

func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                name,
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// CircuitBreaker stops calling a handler whose downstream keeps failing. While
// open, events fail fast with a recoverable ErrCircuitOpen. The dispatcher
// defers such events by RetryPolicy.DeferDelay and refunds the attempt, so an
// outage longer than the backoff schedule does not quarantine them. Only recoverable
// failures trip the breaker; an unrecoverable error says nothing about the
// downstream's health.
func CircuitBreaker(cfg CircuitBreakerConfig) Middleware {
	logger := cfg.Logger
	if logger == nil {
		logger = libLog.NewNop()
	}

	policy := DefaultRetryPolicy()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Log(context.Background(), libLog.LevelWarn, "outbox handler circuit breaker changed state",
				libLog.String("breaker", name),
				libLog.String("from", from.String()),
				libLog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || policy.Classify(err) == OutcomeUnrecoverable
		},
	})

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, event Event) error {
			_, err := breaker.Execute(func() (any, error) {
				return nil, next.Handle(ctx, event)
			})

			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return Recoverable(fmt.Errorf("%w: %s: %w", ErrCircuitOpen, cfg.Name, err))
			}

			return err
		})
	}
}
