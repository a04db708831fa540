//go:build unit

package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/LerianStudio/lib-outbox/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNonRetryable = errors.New("validation failed")

func TestRetryPolicy_Classify(t *testing.T) {
	t.Parallel()

	policy := DefaultRetryPolicy()
	policy.Classifier = RetryClassifierFunc(func(err error) bool {
		return errors.Is(err, errNonRetryable)
	})

	panicErr := runtime.Call(func() error { panic("boom") })

	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{name: "nil", err: nil, want: OutcomeSuccess},
		{name: "plain error", err: errors.New("network"), want: OutcomeRecoverable},
		{name: "explicit recoverable", err: Recoverable(errNonRetryable), want: OutcomeRecoverable},
		{name: "explicit unrecoverable", err: Unrecoverable(errors.New("bad payload")), want: OutcomeUnrecoverable},
		{name: "wrapped unrecoverable", err: fmt.Errorf("handler: %w", Unrecoverable(errors.New("x"))), want: OutcomeUnrecoverable},
		{name: "deadline", err: context.DeadlineExceeded, want: OutcomeRecoverable},
		{name: "canceled", err: fmt.Errorf("call: %w", context.Canceled), want: OutcomeRecoverable},
		{name: "timeout", err: ErrHandlerTimeout, want: OutcomeRecoverable},
		{name: "panic", err: panicErr, want: OutcomeUnrecoverable},
		{name: "classifier", err: fmt.Errorf("wrap: %w", errNonRetryable), want: OutcomeUnrecoverable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, policy.Classify(tt.err))
		})
	}
}

func TestRetryPolicy_DecideRetryBelowCeiling(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	policy := DefaultRetryPolicy()

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}

	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		decision := policy.Decide(&Event{AttemptCount: attempt}, errors.New("down"), now)

		require.Equal(t, DecisionRetry, decision.Kind, "attempt %d", attempt)
		require.Equal(t, now.Add(expected[attempt-1]), decision.NotBefore, "attempt %d", attempt)
	}
}

func TestRetryPolicy_DecideQuarantineAtCeiling(t *testing.T) {
	t.Parallel()

	policy := DefaultRetryPolicy()

	decision := policy.Decide(&Event{AttemptCount: policy.MaxAttempts}, errors.New("down"), time.Now())
	require.Equal(t, DecisionQuarantine, decision.Kind)
	require.Equal(t, OutcomeRecoverable, decision.Outcome)
}

func TestRetryPolicy_DecideUnrecoverableQuarantinesImmediately(t *testing.T) {
	t.Parallel()

	policy := DefaultRetryPolicy()

	decision := policy.Decide(&Event{AttemptCount: 1}, Unrecoverable(errors.New("schema")), time.Now())
	require.Equal(t, DecisionQuarantine, decision.Kind)
	require.Equal(t, OutcomeUnrecoverable, decision.Outcome)
}

func TestRetryPolicy_DecideSuccess(t *testing.T) {
	t.Parallel()

	decision := DefaultRetryPolicy().Decide(&Event{AttemptCount: 5}, nil, time.Now())
	require.Equal(t, DecisionPublish, decision.Kind)
}

func TestRetryPolicy_ZeroValueUsesDefaults(t *testing.T) {
	t.Parallel()

	var policy RetryPolicy

	decision := policy.Decide(&Event{AttemptCount: DefaultMaxAttempts - 1}, errors.New("x"), time.Unix(0, 0))
	require.Equal(t, DecisionRetry, decision.Kind)

	decision = policy.Decide(&Event{AttemptCount: DefaultMaxAttempts}, errors.New("x"), time.Unix(0, 0))
	require.Equal(t, DecisionQuarantine, decision.Kind)
}

func TestRetryPolicy_DecideDeferred(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	decision := DefaultRetryPolicy().DecideDeferred(now)
	require.Equal(t, DecisionDefer, decision.Kind)
	require.Equal(t, OutcomeRecoverable, decision.Outcome)
	require.Equal(t, now.Add(DefaultDeferDelay), decision.NotBefore)

	decision = RetryPolicy{DeferDelay: time.Minute}.DecideDeferred(now)
	require.Equal(t, now.Add(time.Minute), decision.NotBefore)
	require.Equal(t, "defer", decision.Kind.String())
}

func TestIsDeferrable(t *testing.T) {
	t.Parallel()

	open := fmt.Errorf("handler 0: %w", Recoverable(ErrCircuitOpen))

	require.False(t, IsDeferrable(nil))
	require.True(t, IsDeferrable([]error{open}))
	require.True(t, IsDeferrable([]error{open, fmt.Errorf("handler 1: %w", ErrCircuitOpen)}))
	require.False(t, IsDeferrable([]error{open, errors.New("timeout")}))
}

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	b := ExponentialBackoff{Base: time.Second, Max: 5 * time.Second}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(10))

	jittered := ExponentialBackoff{Base: time.Second, Max: 5 * time.Second, Jitter: true}
	for range 20 {
		delay := jittered.Delay(3)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.Less(t, delay, 4*time.Second)
	}
}

func TestBackoffFunc(t *testing.T) {
	t.Parallel()

	var nilFn BackoffFunc
	assert.Zero(t, nilFn.Delay(3))
	assert.Equal(t, 3*time.Minute, BackoffFunc(func(a int) time.Duration { return time.Duration(a) * time.Minute }).Delay(3))
}

func TestOutcome_Worse(t *testing.T) {
	t.Parallel()

	assert.Equal(t, OutcomeRecoverable, OutcomeSuccess.Worse(OutcomeRecoverable))
	assert.Equal(t, OutcomeUnrecoverable, OutcomeRecoverable.Worse(OutcomeUnrecoverable))
	assert.Equal(t, OutcomeUnrecoverable, OutcomeUnrecoverable.Worse(OutcomeSuccess))
	assert.Equal(t, "recoverable", OutcomeRecoverable.String())
	assert.Equal(t, "quarantine", DecisionQuarantine.String())
}
