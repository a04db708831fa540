//go:build unit

package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeStore keeps events in memory and applies the same conditional
// transitions the SQL stores do.
type fakeStore struct {
	mu         sync.Mutex
	events     map[uuid.UUID]*Event
	claimErr   error
	markErr    error
	claimCalls int
	releases   []uuid.UUID
}

var _ Store = (*fakeStore)(nil)
var _ AdminStore = (*fakeStore)(nil)

func newFakeStore(events ...*Event) *fakeStore {
	store := &fakeStore{events: map[uuid.UUID]*Event{}}

	for _, event := range events {
		clone := event.Clone()
		store.events[event.ID] = &clone
	}

	return store
}

func (store *fakeStore) Append(_ context.Context, tx Tx, events ...*Event) error {
	if tx == nil {
		return NewStoreError("append", ErrTxRequired)
	}

	if err := PrepareForAppend(events, time.Now()); err != nil {
		return NewStoreError("append", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	for _, event := range events {
		clone := event.Clone()
		store.events[event.ID] = &clone
	}

	return nil
}

func (store *fakeStore) eligible(event *Event, query BatchQuery) bool {
	switch event.Status {
	case StatusPending:
		return !event.NotBefore.After(query.Now)
	case StatusInProcess:
		if !query.IncludesStale() || event.LastAttemptedAt == nil || event.LastAttemptedAt.After(query.StaleBefore) {
			return false
		}

		return query.MaxAttempts == 0 || event.AttemptCount < query.MaxAttempts
	default:
		return false
	}
}

func (store *fakeStore) selectLocked(query BatchQuery) []*Event {
	query = query.Normalize()
	selected := make([]*Event, 0)

	for _, event := range store.events {
		if store.eligible(event, query) {
			selected = append(selected, event)
		}
	}

	SortForDispatch(selected, query.Order)

	if len(selected) > query.Limit {
		selected = selected[:query.Limit]
	}

	return selected
}

func (store *fakeStore) SelectBatch(_ context.Context, query BatchQuery) ([]*Event, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	selected := store.selectLocked(query)
	out := make([]*Event, 0, len(selected))

	for _, event := range selected {
		clone := event.Clone()
		out = append(out, &clone)
	}

	return out, nil
}

func (store *fakeStore) ClaimBatch(_ context.Context, req ClaimRequest) ([]*Event, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.claimCalls++

	if store.claimErr != nil {
		return nil, NewStoreError("claim_batch", store.claimErr)
	}

	now := req.Now.UTC()
	token := uuid.New()
	selected := store.selectLocked(req.BatchQuery)
	out := make([]*Event, 0, len(selected))

	for _, event := range selected {
		attempted := now
		event.Status = StatusInProcess
		event.AttemptCount++
		event.LastAttemptedAt = &attempted
		event.ClaimToken = token
		event.ClaimedBy = req.Owner
		event.UpdatedAt = now

		clone := event.Clone()
		out = append(out, &clone)
	}

	return out, nil
}

func (store *fakeStore) transition(claim Claim, target Status, apply func(event *Event)) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.markErr != nil {
		return store.markErr
	}

	event, ok := store.events[claim.EventID]
	if ok && event.Status == StatusInProcess && event.ClaimToken == claim.Token {
		apply(event)
		event.Status = target
		event.ClaimToken = uuid.Nil
		event.ClaimedBy = ""
		event.UpdatedAt = time.Now().UTC()

		return nil
	}

	var current *Event
	if ok {
		current = event
	}

	if err := ResolveMissedUpdate(current, target); err != nil {
		return NewStoreError("transition", err)
	}

	return nil
}

func (store *fakeStore) MarkPublished(_ context.Context, claim Claim, publishedAt time.Time) error {
	return store.transition(claim, StatusPublished, func(event *Event) {
		at := publishedAt.UTC()
		event.PublishedAt = &at
		event.LastError = ""
	})
}

func (store *fakeStore) MarkFailedRetry(_ context.Context, claim Claim, errMsg string, notBefore time.Time) error {
	return store.transition(claim, StatusPending, func(event *Event) {
		event.LastError = errMsg
		event.NotBefore = notBefore.UTC()
	})
}

func (store *fakeStore) MarkFailedPermanently(_ context.Context, claim Claim, errMsg string) error {
	return store.transition(claim, StatusFailedPermanently, func(event *Event) {
		event.LastError = errMsg
	})
}

func (store *fakeStore) Release(_ context.Context, claim Claim) error {
	err := store.transition(claim, StatusPending, func(event *Event) {
		event.AttemptCount = max(event.AttemptCount-1, 0)
	})

	if err == nil {
		store.mu.Lock()
		store.releases = append(store.releases, claim.EventID)
		store.mu.Unlock()
	}

	return err
}

func (store *fakeStore) Defer(_ context.Context, claim Claim, errMsg string, notBefore time.Time) error {
	return store.transition(claim, StatusPending, func(event *Event) {
		event.AttemptCount = max(event.AttemptCount-1, 0)
		event.LastError = errMsg
		event.NotBefore = notBefore.UTC()
	})
}

func (store *fakeStore) ReclaimStuck(_ context.Context, req SweepRequest) (SweepResult, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	req = req.Normalize()

	var result SweepResult

	for _, event := range store.events {
		if result.Total() >= req.Limit {
			break
		}

		if event.Status != StatusInProcess || event.LastAttemptedAt == nil || event.LastAttemptedAt.After(req.StaleBefore) {
			continue
		}

		event.ClaimToken = uuid.Nil
		event.ClaimedBy = ""
		event.UpdatedAt = req.Now

		if req.MaxAttempts > 0 && event.AttemptCount >= req.MaxAttempts {
			event.Status = StatusFailedPermanently
			event.LastError = "claim abandoned after final attempt"
			result.Quarantined++

			continue
		}

		event.Status = StatusPending
		result.Requeued++
	}

	return result, nil
}

func (store *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*Event, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok {
		return nil, NewStoreError("get_by_id", ErrEventNotFound)
	}

	clone := event.Clone()

	return &clone, nil
}

func (store *fakeStore) ListByStatus(_ context.Context, query StatusQuery) ([]*Event, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	out := make([]*Event, 0)

	for _, event := range store.events {
		if event.Status == query.Status {
			clone := event.Clone()
			out = append(out, &clone)
		}
	}

	SortForDispatch(out, query.Order)

	return out, nil
}

func (store *fakeStore) Requeue(_ context.Context, id uuid.UUID, now time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok {
		return NewStoreError("requeue", ErrEventNotFound)
	}

	if !event.Status.CanRequeue() {
		return NewStoreError("requeue", ErrTransitionInvalid)
	}

	event.Status = StatusPending
	event.AttemptCount = 0
	event.NotBefore = now
	event.UpdatedAt = now

	return nil
}

func (store *fakeStore) SetPriority(_ context.Context, id uuid.UUID, priority int) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok {
		return NewStoreError("set_priority", ErrEventNotFound)
	}

	if event.Status == StatusPublished {
		return NewStoreError("set_priority", ErrTransitionInvalid)
	}

	event.Priority = priority

	return nil
}

func (store *fakeStore) get(id uuid.UUID) Event {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.events[id].Clone()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	return clock.now
}

func (clock *fakeClock) Advance(d time.Duration) {
	clock.mu.Lock()
	clock.now = clock.now.Add(d)
	clock.mu.Unlock()
}

func pendingEvent(topic string, priority int, occurredAt time.Time) *Event {
	return &Event{
		ID:             uuid.New(),
		Topic:          topic,
		Payload:        []byte(`{"ok":true}`),
		PayloadVersion: 1,
		OccurredAt:     occurredAt,
		NotBefore:      occurredAt,
		Priority:       priority,
		Status:         StatusPending,
	}
}
