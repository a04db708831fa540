package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-outbox/internal/nilcheck"
	"github.com/google/uuid"

	libLog "github.com/LerianStudio/lib-outbox/log"
)

// Admin exposes operator actions over an AdminStore: inspection, requeue of
// quarantined events and reprioritisation.
type Admin struct {
	store    AdminStore
	notifier Notifier
	logger   libLog.Logger
	clock    func() time.Time
}

func NewAdmin(store AdminStore, notifier Notifier, logger libLog.Logger) (*Admin, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(notifier) {
		notifier = nil
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	return &Admin{store: store, notifier: notifier, logger: logger, clock: time.Now}, nil
}

func (admin *Admin) Get(ctx context.Context, id uuid.UUID) (*Event, error) {
	return admin.store.GetByID(ctx, id)
}

func (admin *Admin) ListByStatus(ctx context.Context, query StatusQuery) ([]*Event, error) {
	normalized, err := query.Normalize()
	if err != nil {
		return nil, NewStoreError("list_by_status", err)
	}

	return admin.store.ListByStatus(ctx, normalized)
}

// Requeue moves a failed-permanently event back to pending with a fresh
// attempt budget and wakes the dispatchers. The store re-checks the status, so
// a concurrent requeue still succeeds only once.
func (admin *Admin) Requeue(ctx context.Context, id uuid.UUID) error {
	current, err := admin.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if !current.Status.CanRequeue() {
		return NewStoreError("requeue", fmt.Errorf("%w: event %s is %s", ErrTransitionInvalid, id, current.Status))
	}

	if err := admin.store.Requeue(ctx, id, admin.clock().UTC()); err != nil {
		return err
	}

	admin.logger.Log(ctx, libLog.LevelInfo, "outbox event requeued", libLog.String("event_id", id.String()))

	if admin.notifier != nil {
		if err := admin.notifier.Notify(ctx); err != nil {
			admin.logger.Log(ctx, libLog.LevelWarn, "outbox wake signal failed", libLog.String("error", SanitizeLastError(err)))
		}
	}

	return nil
}

// SetPriority changes the dispatch priority of an event that is not yet published.
func (admin *Admin) SetPriority(ctx context.Context, id uuid.UUID, priority int) error {
	if err := admin.store.SetPriority(ctx, id, priority); err != nil {
		return err
	}

	admin.logger.Log(ctx, libLog.LevelInfo, "outbox event priority changed",
		libLog.String("event_id", id.String()),
		libLog.Int("priority", priority),
	)

	return nil
}
