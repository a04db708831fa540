package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-outbox/internal/nilcheck"

	libLog "github.com/LerianStudio/lib-outbox/log"
)

// PayloadValidator checks a payload against the schema registered for its
// topic and version.
type PayloadValidator interface {
	Validate(topic string, version int, payload []byte) error
}

// TxBeginner is satisfied by *sql.DB and *sql.Conn.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Publisher is the producer-side API. Events appended through it become
// visible to dispatchers only when the caller's transaction commits.
type Publisher struct {
	store     Store
	notifier  Notifier
	validator PayloadValidator
	logger    libLog.Logger
	clock     func() time.Time
}

type PublisherOption func(*Publisher)

// WithPublisherNotifier wakes dispatchers after Transact commits.
func WithPublisherNotifier(notifier Notifier) PublisherOption {
	return func(publisher *Publisher) {
		if !nilcheck.Interface(notifier) {
			publisher.notifier = notifier
		}
	}
}

func WithPayloadValidator(validator PayloadValidator) PublisherOption {
	return func(publisher *Publisher) {
		if !nilcheck.Interface(validator) {
			publisher.validator = validator
		}
	}
}

func WithPublisherLogger(logger libLog.Logger) PublisherOption {
	return func(publisher *Publisher) {
		if !nilcheck.Interface(logger) {
			publisher.logger = logger
		}
	}
}

func NewPublisher(store Store, opts ...PublisherOption) (*Publisher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	publisher := &Publisher{
		store:  store,
		logger: libLog.NewNop(),
		clock:  time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	return publisher, nil
}

// Append records msgs inside tx and returns the pending events. Validation
// failures and a nil tx are reported as *StoreError and nothing is written.
func (publisher *Publisher) Append(ctx context.Context, tx Tx, msgs ...Message) ([]*Event, error) {
	if tx == nil {
		return nil, NewStoreError("append", ErrTxRequired)
	}

	if len(msgs) == 0 {
		return nil, nil
	}

	now := publisher.clock()
	events := make([]*Event, 0, len(msgs))

	for _, msg := range msgs {
		event, err := NewEvent(msg, now)
		if err != nil {
			return nil, NewStoreError("append", err)
		}

		if publisher.validator != nil {
			if err := publisher.validator.Validate(event.Topic, event.PayloadVersion, event.Payload); err != nil {
				return nil, NewStoreError("append", fmt.Errorf("event %s: %w", event.ID, err))
			}
		}

		events = append(events, event)
	}

	if err := publisher.store.Append(ctx, tx, events...); err != nil {
		return nil, NewStoreError("append", err)
	}

	return events, nil
}

// Transact runs fn in a new transaction on db, commits it and then wakes the
// dispatchers. fn appends events with Append. Any error or panic from fn rolls
// the transaction back.
func (publisher *Publisher) Transact(ctx context.Context, db TxBeginner, fn func(ctx context.Context, tx Tx) error) error {
	if nilcheck.Interface(db) {
		return NewStoreError("begin", ErrTxRequired)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewStoreError("begin", err)
	}

	committed := false

	defer func() {
		if committed {
			return
		}

		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			libLog.SafeError(publisher.logger, ctx, "outbox transaction rollback failed", rollbackErr)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("commit", err)
	}

	committed = true

	publisher.Notify(ctx)

	return nil
}

// Notify wakes dispatchers. Use it after committing a transaction Transact did
// not manage. Signal failures are logged; dispatchers still poll.
func (publisher *Publisher) Notify(ctx context.Context) {
	if publisher.notifier == nil {
		return
	}

	if err := publisher.notifier.Notify(ctx); err != nil {
		publisher.logger.Log(ctx, libLog.LevelWarn, "outbox wake signal failed", libLog.String("error", SanitizeLastError(err)))
	}
}
