package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/LerianStudio/lib-outbox/backoff"
	"github.com/LerianStudio/lib-outbox/internal/nilcheck"
	"github.com/LerianStudio/lib-outbox/runtime"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 5 * time.Minute
	DefaultDeferDelay  = 30 * time.Second
)

// Outcome classifies the result of handling an event.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRecoverable
	OutcomeUnrecoverable
)

func (outcome Outcome) String() string {
	switch outcome {
	case OutcomeSuccess:
		return "success"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Worse returns the more severe of two outcomes.
func (outcome Outcome) Worse(other Outcome) Outcome {
	return max(outcome, other)
}

// Backoff computes the delay before the next attempt. attempt is the number of
// attempts already made, starting at 1.
type Backoff interface {
	Delay(attempt int) time.Duration
}

type BackoffFunc func(attempt int) time.Duration

func (fn BackoffFunc) Delay(attempt int) time.Duration {
	if fn == nil {
		return 0
	}

	return fn(attempt)
}

// ExponentialBackoff waits Base * 2^(attempt-1), capped at Max. With Jitter the
// delay is drawn uniformly from [0, capped delay).
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	delay := backoff.Capped(b.Base, b.Max, max(attempt-1, 0))

	if b.Jitter {
		return backoff.FullJitter(delay)
	}

	return delay
}

// DecisionKind is what the dispatcher does with an event after an attempt.
type DecisionKind int

const (
	DecisionPublish DecisionKind = iota
	DecisionRetry
	DecisionQuarantine
	// DecisionDefer returns the event to pending without spending the attempt.
	DecisionDefer
)

func (kind DecisionKind) String() string {
	switch kind {
	case DecisionPublish:
		return "publish"
	case DecisionRetry:
		return "retry"
	case DecisionQuarantine:
		return "quarantine"
	case DecisionDefer:
		return "defer"
	default:
		return "unknown"
	}
}

// Decision is the policy verdict for one attempt.
type Decision struct {
	Kind      DecisionKind
	Outcome   Outcome
	NotBefore time.Time
}

// RetryPolicy decides between retry and quarantine.
type RetryPolicy struct {
	// MaxAttempts is the attempt ceiling. An event whose attempt_count reaches it
	// after a recoverable failure is quarantined.
	MaxAttempts int
	Backoff     Backoff
	Classifier  RetryClassifier
	// DeferDelay is how long an event rejected by an open circuit waits
	// before it is eligible again. It should cover the breaker's open window.
	DeferDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     ExponentialBackoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax},
		DeferDelay:  DefaultDeferDelay,
	}
}

func (policy *RetryPolicy) normalize() {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}

	if nilcheck.Interface(policy.Backoff) {
		policy.Backoff = ExponentialBackoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax}
	}

	if policy.DeferDelay <= 0 {
		policy.DeferDelay = DefaultDeferDelay
	}

	if nilcheck.Interface(policy.Classifier) {
		policy.Classifier = nil
	}
}

// Classify maps a handler error to an outcome. Explicit wrappers win, then
// panics (unrecoverable), then context errors (recoverable), then the
// configured classifier. Anything else is recoverable.
func (policy RetryPolicy) Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	var unrecoverable *HandlerUnrecoverableError
	if errors.As(err, &unrecoverable) {
		return OutcomeUnrecoverable
	}

	var recoverable *HandlerRecoverableError
	if errors.As(err, &recoverable) {
		return OutcomeRecoverable
	}

	if errors.Is(err, runtime.ErrPanic) {
		return OutcomeUnrecoverable
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, ErrHandlerTimeout) {
		return OutcomeRecoverable
	}

	if policy.Classifier != nil && policy.Classifier.IsNonRetryable(err) {
		return OutcomeUnrecoverable
	}

	return OutcomeRecoverable
}

// Decide applies the policy to an attempt that ended with err. event.AttemptCount
// already includes the attempt being decided.
func (policy RetryPolicy) Decide(event *Event, err error, now time.Time) Decision {
	return policy.DecideOutcome(event, policy.Classify(err), now)
}

// DecideOutcome is Decide for an already classified outcome.
func (policy RetryPolicy) DecideOutcome(event *Event, outcome Outcome, now time.Time) Decision {
	policy.normalize()

	switch outcome {
	case OutcomeSuccess:
		return Decision{Kind: DecisionPublish, Outcome: outcome}
	case OutcomeRecoverable:
		attempts := 0
		if event != nil {
			attempts = event.AttemptCount
		}

		if attempts >= policy.MaxAttempts {
			return Decision{Kind: DecisionQuarantine, Outcome: outcome}
		}

		return Decision{
			Kind:      DecisionRetry,
			Outcome:   outcome,
			NotBefore: now.UTC().Add(policy.Backoff.Delay(attempts)),
		}
	default:
		return Decision{Kind: DecisionQuarantine, Outcome: OutcomeUnrecoverable}
	}
}

// DecideDeferred is the verdict for an attempt whose handlers were never
// reached, such as one rejected by an open circuit breaker. The attempt is
// refunded, so a long outage cannot quarantine the event.
func (policy RetryPolicy) DecideDeferred(now time.Time) Decision {
	policy.normalize()

	return Decision{
		Kind:      DecisionDefer,
		Outcome:   OutcomeRecoverable,
		NotBefore: now.UTC().Add(policy.DeferDelay),
	}
}

// IsDeferrable reports whether every failure of an attempt was a rejection
// that never reached the downstream.
func IsDeferrable(failures []error) bool {
	if len(failures) == 0 {
		return false
	}

	for _, err := range failures {
		if !errors.Is(err, ErrCircuitOpen) {
			return false
		}
	}

	return true
}
