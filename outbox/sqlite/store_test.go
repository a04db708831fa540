//go:build unit

package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-outbox/outbox"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func appendMessages(t *testing.T, store *Store, msgs ...outbox.Message) []*outbox.Event {
	t.Helper()

	publisher, err := outbox.NewPublisher(store)
	require.NoError(t, err)

	var events []*outbox.Event

	err = publisher.Transact(context.Background(), store.DB(), func(ctx context.Context, tx outbox.Tx) error {
		appended, err := publisher.Append(ctx, tx, msgs...)
		events = appended

		return err
	})
	require.NoError(t, err)

	return events
}

func TestOpen_Validation(t *testing.T) {
	t.Parallel()

	_, err := Open("  ")
	require.ErrorIs(t, err, ErrPathRequired)

	_, err = New(nil)
	require.ErrorIs(t, err, ErrDBRequired)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "outbox.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestAppend_VisibleOnlyAfterCommit(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	publisher, err := outbox.NewPublisher(store)
	require.NoError(t, err)

	tx, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)

	_, err = publisher.Append(ctx, tx, outbox.Message{Topic: "order.placed", Payload: []byte(`{"n":1}`)})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	events, err := store.SelectBatch(ctx, outbox.BatchQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, events)

	appendMessages(t, store, outbox.Message{Topic: "order.placed", Payload: []byte(`{"n":2}`)})

	events, err = store.SelectBatch(ctx, outbox.BatchQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"n":2}`, string(events[0].Payload))
}

func TestAppend_RequiresTransaction(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)

	err := store.Append(context.Background(), nil, &outbox.Event{})
	require.ErrorIs(t, err, outbox.ErrTxRequired)
}

func TestRoundTripPreservesFields(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	occurred := time.Date(2026, 3, 4, 5, 6, 7, 891011121, time.UTC)

	appended := appendMessages(t, store, outbox.Message{
		Topic:          "ledger.posted",
		Payload:        []byte(`{"amount":"10.50"}`),
		PayloadVersion: 3,
		AggregateID:    "acct-9",
		Priority:       -2,
		OccurredAt:     occurred,
	})

	got, err := store.GetByID(context.Background(), appended[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "ledger.posted", got.Topic)
	assert.Equal(t, 3, got.PayloadVersion)
	assert.Equal(t, "acct-9", got.AggregateID)
	assert.Equal(t, -2, got.Priority)
	assert.True(t, occurred.Equal(got.OccurredAt))
	assert.Equal(t, outbox.StatusPending, got.Status)
	assert.Zero(t, got.AttemptCount)
	assert.Nil(t, got.LastAttemptedAt)
	assert.Equal(t, uuid.Nil, got.ClaimToken)

	_, err = store.GetByID(context.Background(), uuid.New())
	require.ErrorIs(t, err, outbox.ErrEventNotFound)
}

func TestClaimBatch_PriorityThenAgeThenID(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	appendMessages(t, store,
		outbox.Message{Topic: "low", Payload: []byte(`{}`), Priority: 1, OccurredAt: base},
		outbox.Message{Topic: "high-late", Payload: []byte(`{}`), Priority: 9, OccurredAt: base.Add(time.Minute)},
		outbox.Message{Topic: "high-early", Payload: []byte(`{}`), Priority: 9, OccurredAt: base},
	)

	claimed, err := store.ClaimBatch(context.Background(), outbox.ClaimRequest{
		BatchQuery: outbox.BatchQuery{Limit: 2},
		Owner:      "relay-a",
	})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "high-early", claimed[0].Topic)
	assert.Equal(t, "high-late", claimed[1].Topic)

	for _, event := range claimed {
		assert.Equal(t, outbox.StatusInProcess, event.Status)
		assert.Equal(t, 1, event.AttemptCount)
		assert.Equal(t, "relay-a", event.ClaimedBy)
		require.NotNil(t, event.LastAttemptedAt)
	}

	lowFirst, err := store.ClaimBatch(context.Background(), outbox.ClaimRequest{
		BatchQuery: outbox.BatchQuery{Limit: 5, Order: outbox.PriorityLowFirst},
		Owner:      "relay-b",
	})
	require.NoError(t, err)
	require.Len(t, lowFirst, 1)
	assert.Equal(t, "low", lowFirst[0].Topic)
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	appendMessages(t, store,
		outbox.Message{Topic: "a", Payload: []byte(`{}`)},
		outbox.Message{Topic: "b", Payload: []byte(`{}`)},
		outbox.Message{Topic: "c", Payload: []byte(`{}`)},
		outbox.Message{Topic: "d", Payload: []byte(`{}`)},
	)

	claimed, err := store.ClaimBatch(ctx, outbox.ClaimRequest{BatchQuery: outbox.BatchQuery{Limit: 10}, Owner: "relay"})
	require.NoError(t, err)
	require.Len(t, claimed, 4)

	byTopic := map[string]*outbox.Event{}
	for _, event := range claimed {
		byTopic[event.Topic] = event
	}

	now := time.Now().UTC()
	retryAt := now.Add(time.Hour)

	require.NoError(t, store.MarkPublished(ctx, byTopic["a"].Claim(), now))
	require.NoError(t, store.MarkPublished(ctx, byTopic["a"].Claim(), now), "repeating a completed transition succeeds")
	require.NoError(t, store.MarkFailedRetry(ctx, byTopic["b"].Claim(), "upstream 503", retryAt))
	require.NoError(t, store.MarkFailedPermanently(ctx, byTopic["c"].Claim(), "schema mismatch"))
	require.NoError(t, store.Release(ctx, byTopic["d"].Claim()))

	published, err := store.GetByID(ctx, byTopic["a"].ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPublished, published.Status)
	require.NotNil(t, published.PublishedAt)
	assert.Equal(t, uuid.Nil, published.ClaimToken)

	retried, err := store.GetByID(ctx, byTopic["b"].ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, retried.Status)
	assert.Equal(t, "upstream 503", retried.LastError)
	assert.True(t, retryAt.Equal(retried.NotBefore))
	assert.Equal(t, 1, retried.AttemptCount)

	quarantined, err := store.GetByID(ctx, byTopic["c"].ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailedPermanently, quarantined.Status)

	released, err := store.GetByID(ctx, byTopic["d"].ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, released.Status)
	assert.Zero(t, released.AttemptCount)

	err = store.MarkPublished(ctx, byTopic["b"].Claim(), now)
	require.ErrorIs(t, err, outbox.ErrClaimConflict)

	err = store.MarkPublished(ctx, outbox.Claim{EventID: uuid.New(), Token: uuid.New()}, now)
	require.ErrorIs(t, err, outbox.ErrEventNotFound)

	next, err := store.ClaimBatch(ctx, outbox.ClaimRequest{BatchQuery: outbox.BatchQuery{Limit: 10}, Owner: "relay"})
	require.NoError(t, err)
	require.Len(t, next, 1, "the retried event is hidden until its backoff elapses")
	assert.Equal(t, "d", next[0].Topic)
}

func TestStaleClaimRetakenAndOldOwnerFenced(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	appendMessages(t, store, outbox.Message{Topic: "slow", Payload: []byte(`{}`)})

	first, err := store.ClaimBatch(ctx, outbox.ClaimRequest{BatchQuery: outbox.BatchQuery{Limit: 1}, Owner: "a"})
	require.NoError(t, err)
	require.Len(t, first, 1)

	notYet, err := store.ClaimBatch(ctx, outbox.ClaimRequest{
		BatchQuery: outbox.BatchQuery{Limit: 1, StaleBefore: time.Now().UTC().Add(-time.Minute)},
		Owner:      "b",
	})
	require.NoError(t, err)
	assert.Empty(t, notYet)

	second, err := store.ClaimBatch(ctx, outbox.ClaimRequest{
		BatchQuery: outbox.BatchQuery{Limit: 1, Now: time.Now().UTC().Add(time.Hour), StaleBefore: time.Now().UTC().Add(time.Minute)},
		Owner:      "b",
	})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].AttemptCount)
	assert.NotEqual(t, first[0].ClaimToken, second[0].ClaimToken)

	err = store.MarkPublished(ctx, first[0].Claim(), time.Now())
	require.ErrorIs(t, err, outbox.ErrClaimConflict)

	require.NoError(t, store.MarkPublished(ctx, second[0].Claim(), time.Now()))
}

func TestStaleClaimSkippedWhenAttemptsExhausted(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	appendMessages(t, store, outbox.Message{Topic: "doomed", Payload: []byte(`{}`)})

	_, err := store.ClaimBatch(ctx, outbox.ClaimRequest{BatchQuery: outbox.BatchQuery{Limit: 1}, Owner: "a"})
	require.NoError(t, err)

	retaken, err := store.ClaimBatch(ctx, outbox.ClaimRequest{
		BatchQuery: outbox.BatchQuery{Limit: 1, StaleBefore: time.Now().UTC().Add(time.Minute), MaxAttempts: 1},
		Owner:      "b",
	})
	require.NoError(t, err)
	assert.Empty(t, retaken)
}

func TestReclaimStuck_IsIdempotent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	appendMessages(t, store,
		outbox.Message{Topic: "a", Payload: []byte(`{}`)},
		outbox.Message{Topic: "b", Payload: []byte(`{}`)},
	)

	claimed, err := store.ClaimBatch(ctx, outbox.ClaimRequest{BatchQuery: outbox.BatchQuery{Limit: 10}, Owner: "crashed"})
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Only the first event is left in-process.
	require.NoError(t, store.Release(ctx, claimed[1].Claim()))

	req := outbox.SweepRequest{StaleBefore: time.Now().UTC().Add(time.Second), MaxAttempts: 1, Limit: 10}

	first, err := store.ReclaimStuck(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, outbox.SweepResult{Quarantined: 1}, first)

	second, err := store.ReclaimStuck(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, second.Total())

	quarantined, err := store.GetByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailedPermanently, quarantined.Status)
	assert.Equal(t, abandonedClaimError, quarantined.LastError)

	released, err := store.GetByID(ctx, claimed[1].ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, released.Status)
}

func TestReclaimStuck_RequeuesWithAttemptsLeft(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	appendMessages(t, store, outbox.Message{Topic: "a", Payload: []byte(`{}`)})

	claimed, err := store.ClaimBatch(ctx, outbox.ClaimRequest{BatchQuery: outbox.BatchQuery{Limit: 1}, Owner: "crashed"})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	result, err := store.ReclaimStuck(ctx, outbox.SweepRequest{
		StaleBefore: time.Now().UTC().Add(time.Second),
		MaxAttempts: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, outbox.SweepResult{Requeued: 1}, result)

	event, err := store.GetByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, event.Status)
	assert.Equal(t, 1, event.AttemptCount)
	assert.Empty(t, event.ClaimedBy)
}

func TestAdminOperations(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	appended := appendMessages(t, store,
		outbox.Message{Topic: "a", Payload: []byte(`{}`)},
		outbox.Message{Topic: "b", Payload: []byte(`{}`)},
	)

	claimed, err := store.ClaimBatch(ctx, outbox.ClaimRequest{BatchQuery: outbox.BatchQuery{Limit: 10}, Owner: "relay"})
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, store.MarkFailedPermanently(ctx, claimed[0].Claim(), "bad"))
	require.NoError(t, store.MarkPublished(ctx, claimed[1].Claim(), time.Now()))

	failed, err := store.ListByStatus(ctx, outbox.StatusQuery{Status: outbox.StatusFailedPermanently})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	_, err = store.ListByStatus(ctx, outbox.StatusQuery{Status: "stuck"})
	require.ErrorIs(t, err, outbox.ErrStatusInvalid)

	require.NoError(t, store.SetPriority(ctx, claimed[0].ID, 42))
	require.ErrorIs(t, store.SetPriority(ctx, claimed[1].ID, 42), outbox.ErrTransitionInvalid)
	require.ErrorIs(t, store.SetPriority(ctx, uuid.New(), 1), outbox.ErrEventNotFound)

	require.ErrorIs(t, store.Requeue(ctx, claimed[1].ID, time.Now()), outbox.ErrTransitionInvalid)
	require.ErrorIs(t, store.Requeue(ctx, uuid.New(), time.Now()), outbox.ErrEventNotFound)
	require.NoError(t, store.Requeue(ctx, claimed[0].ID, time.Now()))

	requeued, err := store.GetByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, requeued.Status)
	assert.Zero(t, requeued.AttemptCount)
	assert.Equal(t, 42, requeued.Priority)
	assert.Len(t, appended, 2)
}

func TestConcurrentClaimersNeverShareEvents(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)

	msgs := make([]outbox.Message, 40)
	for i := range msgs {
		msgs[i] = outbox.Message{Topic: "bulk", Payload: []byte(`{}`), Priority: i % 4}
	}

	appendMessages(t, store, msgs...)

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
		wg   sync.WaitGroup
	)

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				claimed, err := store.ClaimBatch(context.Background(), outbox.ClaimRequest{
					BatchQuery: outbox.BatchQuery{Limit: 3},
					Owner:      "worker",
				})
				if err != nil || len(claimed) == 0 {
					return
				}

				mu.Lock()
				for _, event := range claimed {
					seen[event.ID]++
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	require.Len(t, seen, len(msgs))

	for id, count := range seen {
		assert.Equal(t, 1, count, "event %s claimed more than once", id)
	}
}
