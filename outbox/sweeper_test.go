//go:build unit

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func stuckEvent(attempts int, attemptedAt time.Time) *Event {
	event := pendingEvent("t", 0, attemptedAt.Add(-time.Minute))
	event.Status = StatusInProcess
	event.AttemptCount = attempts
	event.LastAttemptedAt = &attemptedAt
	event.ClaimToken = uuid.New()
	event.ClaimedBy = "crashed-worker"

	return event
}

func TestNewSweeper_RequiresStore(t *testing.T) {
	t.Parallel()

	_, err := NewSweeper(nil, nil, nil)
	require.ErrorIs(t, err, ErrStoreRequired)
}

func TestSweeper_SweepOnceIsIdempotent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	old := clock.Now().Add(-time.Hour)

	requeue := stuckEvent(1, old)
	exhausted := stuckEvent(3, old)
	fresh := stuckEvent(1, clock.Now())
	store := newFakeStore(requeue, exhausted, fresh)

	sweeper, err := NewSweeper(store, nil, nil,
		withSweepClock(clock.Now),
		WithSweepClaimTimeout(time.Minute),
		WithSweepMaxAttempts(3),
	)
	require.NoError(t, err)

	result, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepResult{Requeued: 1, Quarantined: 1}, result)

	require.Equal(t, StatusPending, store.get(requeue.ID).Status)
	require.Equal(t, 1, store.get(requeue.ID).AttemptCount)
	require.Equal(t, uuid.Nil, store.get(requeue.ID).ClaimToken)
	require.Equal(t, StatusFailedPermanently, store.get(exhausted.ID).Status)
	require.Equal(t, StatusInProcess, store.get(fresh.ID).Status)

	result, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Total())
}

func TestSweeper_LostClaimCannotOverwrite(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	event := stuckEvent(1, clock.Now().Add(-time.Hour))
	store := newFakeStore(event)

	sweeper, err := NewSweeper(store, nil, nil, withSweepClock(clock.Now), WithSweepClaimTimeout(time.Minute))
	require.NoError(t, err)

	_, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)

	// The original owner wakes up and tries to publish with its old claim.
	claim := Claim{EventID: event.ID, Token: event.ClaimToken}
	err = store.MarkPublished(context.Background(), claim, clock.Now())
	require.ErrorIs(t, err, ErrClaimConflict)
	require.Equal(t, StatusPending, store.get(event.ID).Status)
}

type failingSweepStore struct {
	*fakeStore
}

func (failingSweepStore) ReclaimStuck(context.Context, SweepRequest) (SweepResult, error) {
	return SweepResult{}, NewStoreError("reclaim_stuck", errors.New("connection refused"))
}

func TestSweeper_SweepOnceError(t *testing.T) {
	t.Parallel()

	sweeper, err := NewSweeper(failingSweepStore{newFakeStore()}, nil, nil)
	require.NoError(t, err)

	_, err = sweeper.SweepOnce(context.Background())

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
}

func TestSweeper_RunAndShutdown(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	event := stuckEvent(1, clock.Now().Add(-time.Hour))
	store := newFakeStore(event)

	sweeper, err := NewSweeper(store, nil, nil,
		withSweepClock(clock.Now),
		WithSweepClaimTimeout(time.Minute),
		WithSweepInterval(time.Hour),
	)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- sweeper.Run(context.Background()) }()

	require.Eventually(t, func() bool { return store.get(event.ID).Status == StatusPending }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, sweeper.Run(context.Background()), ErrSweeperRunning)

	require.NoError(t, sweeper.Shutdown(context.Background()))
	require.NoError(t, <-runErr)
	require.NoError(t, sweeper.Shutdown(context.Background()))
}
