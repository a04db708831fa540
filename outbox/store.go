package outbox

import (
	"bytes"
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Tx is the caller's unit of work. Append writes inside it so the event
// commits or rolls back together with the triggering state change.
type Tx = *sql.Tx

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 1000
)

// PriorityOrder selects how the priority column sorts batches.
type PriorityOrder int

const (
	// PriorityHighFirst dispatches larger priority values first.
	PriorityHighFirst PriorityOrder = iota
	// PriorityLowFirst dispatches smaller priority values first.
	PriorityLowFirst
)

// SQLDirection returns the ORDER BY direction for the priority column.
func (order PriorityOrder) SQLDirection() string {
	if order == PriorityLowFirst {
		return "ASC"
	}

	return "DESC"
}

// Compare orders two events for dispatch: priority, then occurred_at ascending,
// then id ascending.
func (order PriorityOrder) Compare(a, b *Event) int {
	if a.Priority != b.Priority {
		if order == PriorityLowFirst {
			return cmp.Compare(a.Priority, b.Priority)
		}

		return cmp.Compare(b.Priority, a.Priority)
	}

	if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
		return c
	}

	return bytes.Compare(a.ID[:], b.ID[:])
}

// SortForDispatch sorts events in place by dispatch order.
func SortForDispatch(events []*Event, order PriorityOrder) {
	slices.SortStableFunc(events, order.Compare)
}

// BatchQuery selects events eligible for dispatch at Now.
type BatchQuery struct {
	Limit int
	Now   time.Time
	// StaleBefore makes in-process events last attempted at or before it
	// eligible again. Zero disables stale selection.
	StaleBefore time.Time
	// MaxAttempts excludes stale events that have no attempts left; the sweeper
	// quarantines those. Zero disables the filter.
	MaxAttempts int
	Order       PriorityOrder
}

// Normalize fills defaults and clamps the limit.
func (query BatchQuery) Normalize() BatchQuery {
	query.Limit = normalizeLimit(query.Limit)

	if query.Now.IsZero() {
		query.Now = time.Now()
	}

	query.Now = query.Now.UTC()
	query.StaleBefore = query.StaleBefore.UTC()

	return query
}

// IncludesStale reports whether stale in-process events are eligible.
func (query BatchQuery) IncludesStale() bool {
	return !query.StaleBefore.IsZero()
}

// ClaimRequest claims a batch for Owner.
type ClaimRequest struct {
	BatchQuery
	Owner string
}

// SweepRequest returns in-process events last attempted at or before
// StaleBefore to pending, or quarantines them when MaxAttempts is reached.
type SweepRequest struct {
	StaleBefore time.Time
	MaxAttempts int
	Limit       int
	Now         time.Time
}

// Normalize fills defaults and clamps the limit.
func (req SweepRequest) Normalize() SweepRequest {
	req.Limit = normalizeLimit(req.Limit)

	if req.Now.IsZero() {
		req.Now = time.Now()
	}

	req.Now = req.Now.UTC()
	req.StaleBefore = req.StaleBefore.UTC()

	return req
}

// SweepResult counts the events moved by one sweep.
type SweepResult struct {
	Requeued    int
	Quarantined int
}

// Total returns the number of events the sweep touched.
func (result SweepResult) Total() int {
	return result.Requeued + result.Quarantined
}

// StatusQuery lists events in one status.
type StatusQuery struct {
	Status Status
	Limit  int
	Offset int
	Order  PriorityOrder
}

// Normalize fills defaults and validates the status.
func (query StatusQuery) Normalize() (StatusQuery, error) {
	if !query.Status.IsValid() {
		return query, fmt.Errorf("%w: %q", ErrStatusInvalid, query.Status)
	}

	query.Limit = normalizeLimit(query.Limit)
	query.Offset = max(query.Offset, 0)

	return query, nil
}

// Store persists outbox events. It is the only coordination point between
// concurrent dispatchers, so every transition must be atomic and conditional
// on the current status.
type Store interface {
	// Append inserts events inside tx.
	Append(ctx context.Context, tx Tx, events ...*Event) error
	// SelectBatch lists eligible events without claiming them.
	SelectBatch(ctx context.Context, query BatchQuery) ([]*Event, error)
	// ClaimBatch atomically selects and marks events in-process. Events claimed
	// by a concurrent caller are skipped.
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]*Event, error)
	MarkPublished(ctx context.Context, claim Claim, publishedAt time.Time) error
	MarkFailedRetry(ctx context.Context, claim Claim, errMsg string, notBefore time.Time) error
	MarkFailedPermanently(ctx context.Context, claim Claim, errMsg string) error
	// Release returns a claimed event that was never finished to pending and
	// does not count the attempt.
	Release(ctx context.Context, claim Claim) error
	// Defer returns a claimed event to pending until notBefore without
	// counting the attempt. It is used when the handler was never reached.
	Defer(ctx context.Context, claim Claim, errMsg string, notBefore time.Time) error
	ReclaimStuck(ctx context.Context, req SweepRequest) (SweepResult, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
}

// AdminStore is the operator surface implemented by the SQL stores.
type AdminStore interface {
	ListByStatus(ctx context.Context, query StatusQuery) ([]*Event, error)
	Requeue(ctx context.Context, id uuid.UUID, now time.Time) error
	SetPriority(ctx context.Context, id uuid.UUID, priority int) error
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
}

// ResolveMissedUpdate explains why a conditional transition to target matched
// no row. current is the row as re-read by the store, nil when absent. A row
// already in target is treated as success. Targets unreachable from
// in-process are rejected outright.
func ResolveMissedUpdate(current *Event, target Status) error {
	if err := ValidateTransition(string(StatusInProcess), string(target)); err != nil {
		return err
	}

	if current == nil {
		return ErrEventNotFound
	}

	if current.Status == target {
		return nil
	}

	return fmt.Errorf("%w: event %s is %s", ErrClaimConflict, current.ID, current.Status)
}

// PrepareForAppend validates events and stamps the pending defaults.
func PrepareForAppend(events []*Event, now time.Time) error {
	now = now.UTC()

	for i, event := range events {
		if event == nil {
			return fmt.Errorf("event %d: %w", i, ErrEventRequired)
		}

		if event.Status == "" {
			event.Status = StatusPending
		}

		if event.Status != StatusPending {
			return fmt.Errorf("event %s: %w: new events must be pending, got %s", event.ID, ErrStatusInvalid, event.Status)
		}

		if event.PayloadVersion == 0 {
			event.PayloadVersion = DefaultPayloadVersion
		}

		if err := event.Validate(); err != nil {
			return fmt.Errorf("event %s: %w", event.ID, err)
		}

		if event.OccurredAt.IsZero() {
			event.OccurredAt = now
		}

		if event.NotBefore.IsZero() {
			event.NotBefore = event.OccurredAt
		}

		if event.CreatedAt.IsZero() {
			event.CreatedAt = now
		}

		event.UpdatedAt = now
	}

	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}

	return min(limit, MaxQueryLimit)
}
