//go:build unit

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAdmin_RequeueQuarantinedEvent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	event := pendingEvent("t", 0, clock.Now().Add(-time.Hour))
	event.Status = StatusFailedPermanently
	event.AttemptCount = 5
	event.LastError = "gave up"

	store := newFakeStore(event)
	notifier := NewLocalNotifier()

	admin, err := NewAdmin(store, notifier, nil)
	require.NoError(t, err)
	admin.clock = clock.Now

	require.NoError(t, admin.Requeue(context.Background(), event.ID))

	stored := store.get(event.ID)
	require.Equal(t, StatusPending, stored.Status)
	require.Zero(t, stored.AttemptCount)
	require.Equal(t, clock.Now(), stored.NotBefore)
	require.Len(t, notifier.Wakeups(), 1)

	err = admin.Requeue(context.Background(), event.ID)
	require.ErrorIs(t, err, ErrTransitionInvalid)

	err = admin.Requeue(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestAdmin_ListAndSetPriority(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	first := pendingEvent("t", 1, clock.Now())
	second := pendingEvent("t", 2, clock.Now())
	published := pendingEvent("t", 0, clock.Now())
	published.Status = StatusPublished

	store := newFakeStore(first, second, published)

	admin, err := NewAdmin(store, nil, nil)
	require.NoError(t, err)

	require.NoError(t, admin.SetPriority(context.Background(), first.ID, 10))

	events, err := admin.ListByStatus(context.Background(), StatusQuery{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, first.ID, events[0].ID)

	require.ErrorIs(t, admin.SetPriority(context.Background(), published.ID, 3), ErrTransitionInvalid)

	_, err = admin.ListByStatus(context.Background(), StatusQuery{Status: "bogus"})
	require.ErrorIs(t, err, ErrStatusInvalid)

	got, err := admin.Get(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Priority)
}

func TestNewAdmin_RequiresStore(t *testing.T) {
	t.Parallel()

	_, err := NewAdmin(nil, nil, nil)
	require.ErrorIs(t, err, ErrStoreRequired)
}

func TestAdmin_RequeueRejectsLiveEvents(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	claimed := pendingEvent("t", 0, clock.Now())
	claimed.Status = StatusInProcess
	claimed.AttemptCount = 2
	claimed.ClaimToken = uuid.New()

	store := newFakeStore(claimed)

	admin, err := NewAdmin(store, nil, nil)
	require.NoError(t, err)

	err = admin.Requeue(context.Background(), claimed.ID)
	require.ErrorIs(t, err, ErrTransitionInvalid)
	require.Contains(t, err.Error(), string(StatusInProcess))

	stored := store.get(claimed.ID)
	require.Equal(t, StatusInProcess, stored.Status)
	require.Equal(t, 2, stored.AttemptCount)
	require.Equal(t, claimed.ClaimToken, stored.ClaimToken)
}
