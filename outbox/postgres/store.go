package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-outbox/internal/nilcheck"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	libLog "github.com/LerianStudio/lib-outbox/log"
	"github.com/LerianStudio/lib-outbox/outbox"
)

// DefaultTableName is the table created by the bundled migrations.
const DefaultTableName = "outbox_events"

const abandonedClaimError = "claim abandoned after final attempt"

var (
	ErrConnectionRequired = errors.New("postgres connection is required")
	ErrNoPrimaryDB        = errors.New("no primary database configured")
	ErrInvalidIdentifier  = errors.New("invalid sql identifier")
	ErrStoreNotReady      = errors.New("outbox store not initialized")

	defaultTransactionTimeout = 30 * time.Second

	eventColumns = []string{
		"id", "topic", "payload", "payload_version", "aggregate_id", "occurred_at",
		"priority", "status", "attempt_count", "last_attempted_at", "last_error",
		"not_before", "claim_token", "claimed_by", "published_at", "created_at", "updated_at",
	}

	insertColumns = []string{
		"id", "topic", "payload", "payload_version", "aggregate_id", "occurred_at",
		"priority", "status", "attempt_count", "not_before", "created_at", "updated_at",
	}
)

var (
	_ outbox.Store      = (*Store)(nil)
	_ outbox.AdminStore = (*Store)(nil)
)

type Option func(*Store)

func WithLogger(logger libLog.Logger) Option {
	return func(store *Store) {
		if nilcheck.Interface(logger) {
			return
		}

		store.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(store *Store) {
		if nilcheck.Interface(tracer) {
			return
		}

		store.tracer = tracer
	}
}

// WithTableName overrides the table. Accepts "table" or "schema.table".
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = strings.TrimSpace(tableName)
	}
}

// WithTransactionTimeout bounds store-managed transactions when the caller's
// context carries no deadline.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

func withClock(clock func() time.Time) Option {
	return func(store *Store) {
		if clock != nil {
			store.clock = clock
		}
	}
}

// Store persists outbox events in PostgreSQL. Writes and claims run on the
// primary; plain reads are routed by the resolver and may hit a replica.
type Store struct {
	db                 dbresolver.DB
	logger             libLog.Logger
	tracer             trace.Tracer
	tableName          string
	table              string
	transactionTimeout time.Duration
	clock              func() time.Time
}

// New builds a store over a resolver. Use dbresolver.New with only a primary
// when no replica exists.
func New(db dbresolver.DB, opts ...Option) (*Store, error) {
	if nilcheck.Interface(db) {
		return nil, ErrConnectionRequired
	}

	if len(db.PrimaryDBs()) == 0 || db.PrimaryDBs()[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	store := &Store{
		db:                 db,
		logger:             libLog.NewNop(),
		tracer:             noop.NewTracerProvider().Tracer("lib-outbox/postgres"),
		tableName:          DefaultTableName,
		transactionTimeout: defaultTransactionTimeout,
		clock:              time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if err := validateTableName(store.tableName); err != nil {
		return nil, fmt.Errorf("table name %q: %w", store.tableName, err)
	}

	store.table = quoteTableName(store.tableName)

	return store, nil
}

// placeholders numbers positional parameters while a query is assembled.
type placeholders struct {
	values []any
}

func (p *placeholders) add(value any) string {
	p.values = append(p.values, value)

	return "$" + strconv.Itoa(len(p.values))
}

func columnList(prefix string) string {
	if prefix == "" {
		return strings.Join(eventColumns, ", ")
	}

	qualified := make([]string, len(eventColumns))
	for i, column := range eventColumns {
		qualified[i] = prefix + "." + column
	}

	return strings.Join(qualified, ", ")
}

// eligibleQuery selects events that may be dispatched at query.Now, in
// dispatch order.
func (store *Store) eligibleQuery(query outbox.BatchQuery, params *placeholders, columns string, lock bool) string {
	where := fmt.Sprintf("(status = '%s' AND not_before <= %s)", outbox.StatusPending, params.add(query.Now))

	if query.IncludesStale() {
		stale := fmt.Sprintf("status = '%s' AND last_attempted_at <= %s", outbox.StatusInProcess, params.add(query.StaleBefore))
		if query.MaxAttempts > 0 {
			stale += " AND attempt_count < " + params.add(query.MaxAttempts)
		}

		where += " OR (" + stale + ")"
	}

	statement := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY priority %s, occurred_at ASC, id ASC LIMIT %s",
		columns, store.table, where, query.Order.SQLDirection(), params.add(query.Limit),
	)

	if lock {
		statement += " FOR UPDATE SKIP LOCKED"
	}

	return statement
}

// Append inserts events inside the caller's transaction.
func (store *Store) Append(ctx context.Context, tx outbox.Tx, events ...*outbox.Event) error {
	if store == nil || store.db == nil {
		return outbox.NewStoreError("append", ErrStoreNotReady)
	}

	if tx == nil {
		return outbox.NewStoreError("append", outbox.ErrTxRequired)
	}

	if len(events) == 0 {
		return nil
	}

	ctx, span := store.tracer.Start(ctx, "postgres.append_outbox_events")
	defer span.End()

	if err := outbox.PrepareForAppend(events, store.clock()); err != nil {
		return store.fail(span, "append", err)
	}

	params := &placeholders{}
	rows := make([]string, 0, len(events))

	for _, event := range events {
		rows = append(rows, "("+strings.Join([]string{
			params.add(event.ID),
			params.add(event.Topic),
			params.add(event.Payload),
			params.add(event.PayloadVersion),
			params.add(nullString(event.AggregateID)),
			params.add(event.OccurredAt.UTC()),
			params.add(event.Priority),
			params.add(string(event.Status)),
			params.add(event.AttemptCount),
			params.add(event.NotBefore.UTC()),
			params.add(event.CreatedAt.UTC()),
			params.add(event.UpdatedAt.UTC()),
		}, ", ")+")")
	}

	statement := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		store.table, strings.Join(insertColumns, ", "), strings.Join(rows, ", "))

	if _, err := tx.ExecContext(ctx, statement, params.values...); err != nil {
		return store.fail(span, "append", err)
	}

	return nil
}

// SelectBatch lists eligible events without claiming them.
func (store *Store) SelectBatch(ctx context.Context, query outbox.BatchQuery) ([]*outbox.Event, error) {
	if store == nil || store.db == nil {
		return nil, outbox.NewStoreError("select_batch", ErrStoreNotReady)
	}

	ctx, span := store.tracer.Start(ctx, "postgres.select_outbox_batch")
	defer span.End()

	params := &placeholders{}
	statement := store.eligibleQuery(query.Normalize(), params, columnList(""), false)

	events, err := queryEvents(ctx, store.db, statement, params.values...)
	if err != nil {
		return nil, store.fail(span, "select_batch", err)
	}

	return events, nil
}

// ClaimBatch locks eligible rows with SKIP LOCKED and stamps them in-process
// with one claim token, so concurrent claimers never receive the same event.
func (store *Store) ClaimBatch(ctx context.Context, req outbox.ClaimRequest) ([]*outbox.Event, error) {
	if store == nil || store.db == nil {
		return nil, outbox.NewStoreError("claim_batch", ErrStoreNotReady)
	}

	ctx, span := store.tracer.Start(ctx, "postgres.claim_outbox_batch")
	defer span.End()

	query := req.BatchQuery.Normalize()
	token := uuid.New()
	params := &placeholders{}
	candidates := store.eligibleQuery(query, params, "id", true)

	statement := fmt.Sprintf(`WITH candidates AS (%s)
UPDATE %s AS e
SET status = '%s', attempt_count = e.attempt_count + 1, last_attempted_at = %s,
	claim_token = %s, claimed_by = %s, updated_at = %s
FROM candidates c
WHERE e.id = c.id
RETURNING %s`,
		candidates, store.table, outbox.StatusInProcess, params.add(query.Now),
		params.add(token), params.add(req.Owner), params.add(query.Now), columnList("e"))

	events, err := withTx(store, ctx, func(ctx context.Context, tx *sql.Tx) ([]*outbox.Event, error) {
		return queryEvents(ctx, tx, statement, params.values...)
	})
	if err != nil {
		return nil, store.fail(span, "claim_batch", err)
	}

	outbox.SortForDispatch(events, query.Order)

	return events, nil
}

func (store *Store) MarkPublished(ctx context.Context, claim outbox.Claim, publishedAt time.Time) error {
	return store.transition(ctx, "mark_published", claim, outbox.StatusPublished,
		"published_at = $5, last_error = NULL", publishedAt.UTC())
}

func (store *Store) MarkFailedRetry(ctx context.Context, claim outbox.Claim, errMsg string, notBefore time.Time) error {
	return store.transition(ctx, "mark_failed_retry", claim, outbox.StatusPending,
		"last_error = $5, not_before = $6", errMsg, notBefore.UTC())
}

func (store *Store) MarkFailedPermanently(ctx context.Context, claim outbox.Claim, errMsg string) error {
	return store.transition(ctx, "mark_failed_permanently", claim, outbox.StatusFailedPermanently,
		"last_error = $5", errMsg)
}

// Release returns a claimed event to pending without counting the attempt.
func (store *Store) Release(ctx context.Context, claim outbox.Claim) error {
	return store.transition(ctx, "release", claim, outbox.StatusPending,
		"attempt_count = GREATEST(attempt_count - 1, 0)")
}

// Defer returns a claimed event to pending until notBefore without counting
// the attempt.
func (store *Store) Defer(ctx context.Context, claim outbox.Claim, errMsg string, notBefore time.Time) error {
	return store.transition(ctx, "defer", claim, outbox.StatusPending,
		"attempt_count = GREATEST(attempt_count - 1, 0), last_error = $5, not_before = $6", errMsg, notBefore.UTC())
}

// transition applies an update guarded by the claim. set may reference
// parameters from $5 on, bound from extra.
func (store *Store) transition(
	ctx context.Context,
	op string,
	claim outbox.Claim,
	target outbox.Status,
	set string,
	extra ...any,
) error {
	if store == nil || store.db == nil {
		return outbox.NewStoreError(op, ErrStoreNotReady)
	}

	ctx, span := store.tracer.Start(ctx, "postgres."+op)
	defer span.End()

	statement := fmt.Sprintf(`UPDATE %s
SET status = $3, claim_token = NULL, claimed_by = NULL, updated_at = $4, %s
WHERE id = $1 AND status = '%s' AND claim_token = $2`,
		store.table, set, outbox.StatusInProcess)

	args := append([]any{claim.EventID, claim.Token, string(target), store.clock().UTC()}, extra...)

	_, err := withTx(store, ctx, func(ctx context.Context, tx *sql.Tx) (struct{}, error) {
		result, err := tx.ExecContext(ctx, statement, args...)
		if err != nil {
			return struct{}{}, err
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return struct{}{}, fmt.Errorf("rows affected: %w", err)
		}

		if affected > 0 {
			return struct{}{}, nil
		}

		current, err := store.getByID(ctx, tx, claim.EventID)
		if err != nil {
			return struct{}{}, err
		}

		return struct{}{}, outbox.ResolveMissedUpdate(current, target)
	})
	if err != nil {
		if errors.Is(err, outbox.ErrClaimConflict) {
			store.logger.Log(ctx, libLog.LevelWarn, "outbox claim no longer held",
				libLog.String("op", op),
				libLog.String("event_id", claim.EventID.String()),
			)
		}

		return store.fail(span, op, err)
	}

	return nil
}

// ReclaimStuck returns stale in-process rows to pending, or quarantines them
// once they have no attempts left.
func (store *Store) ReclaimStuck(ctx context.Context, req outbox.SweepRequest) (outbox.SweepResult, error) {
	if store == nil || store.db == nil {
		return outbox.SweepResult{}, outbox.NewStoreError("reclaim_stuck", ErrStoreNotReady)
	}

	ctx, span := store.tracer.Start(ctx, "postgres.reclaim_stuck_outbox_events")
	defer span.End()

	req = req.Normalize()

	statement := fmt.Sprintf(`WITH stale AS (
	SELECT id FROM %[1]s
	WHERE status = '%[2]s' AND last_attempted_at <= $1
	ORDER BY last_attempted_at ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE %[1]s AS e
SET status = CASE WHEN $3::int > 0 AND e.attempt_count >= $3::int THEN '%[3]s' ELSE '%[4]s' END,
	last_error = CASE WHEN $3::int > 0 AND e.attempt_count >= $3::int THEN $5 ELSE e.last_error END,
	claim_token = NULL, claimed_by = NULL, updated_at = $4
FROM stale s
WHERE e.id = s.id
RETURNING e.status`,
		store.table, outbox.StatusInProcess, outbox.StatusFailedPermanently, outbox.StatusPending)

	result, err := withTx(store, ctx, func(ctx context.Context, tx *sql.Tx) (outbox.SweepResult, error) {
		rows, err := tx.QueryContext(ctx, statement, req.StaleBefore, req.Limit, req.MaxAttempts, req.Now, abandonedClaimError)
		if err != nil {
			return outbox.SweepResult{}, err
		}
		defer rows.Close()

		var result outbox.SweepResult

		for rows.Next() {
			var status string
			if err := rows.Scan(&status); err != nil {
				return outbox.SweepResult{}, fmt.Errorf("scanning swept status: %w", err)
			}

			if outbox.Status(status) == outbox.StatusFailedPermanently {
				result.Quarantined++
			} else {
				result.Requeued++
			}
		}

		return result, rows.Err()
	})
	if err != nil {
		return outbox.SweepResult{}, store.fail(span, "reclaim_stuck", err)
	}

	return result, nil
}

func (store *Store) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	if store == nil || store.db == nil {
		return nil, outbox.NewStoreError("get_by_id", ErrStoreNotReady)
	}

	ctx, span := store.tracer.Start(ctx, "postgres.get_outbox_event")
	defer span.End()

	event, err := store.getByID(ctx, store.db, id)
	if err != nil {
		return nil, store.fail(span, "get_by_id", err)
	}

	if event == nil {
		return nil, outbox.NewStoreError("get_by_id", outbox.ErrEventNotFound)
	}

	return event, nil
}

// ListByStatus pages through events in one status in dispatch order.
func (store *Store) ListByStatus(ctx context.Context, query outbox.StatusQuery) ([]*outbox.Event, error) {
	if store == nil || store.db == nil {
		return nil, outbox.NewStoreError("list_by_status", ErrStoreNotReady)
	}

	ctx, span := store.tracer.Start(ctx, "postgres.list_outbox_events")
	defer span.End()

	query, err := query.Normalize()
	if err != nil {
		return nil, store.fail(span, "list_by_status", err)
	}

	statement := fmt.Sprintf(
		"SELECT %s FROM %s WHERE status = $1 ORDER BY priority %s, occurred_at ASC, id ASC LIMIT $2 OFFSET $3",
		columnList(""), store.table, query.Order.SQLDirection(),
	)

	events, err := queryEvents(ctx, store.db, statement, string(query.Status), query.Limit, query.Offset)
	if err != nil {
		return nil, store.fail(span, "list_by_status", err)
	}

	return events, nil
}

// Requeue moves a quarantined event back to pending with a fresh attempt budget.
func (store *Store) Requeue(ctx context.Context, id uuid.UUID, now time.Time) error {
	build := func(table string) string {
		return fmt.Sprintf(`UPDATE %s
SET status = '%s', attempt_count = 0, not_before = $2, claim_token = NULL, claimed_by = NULL, updated_at = $2
WHERE id = $1 AND status = '%s'`,
			table, outbox.StatusPending, outbox.StatusFailedPermanently)
	}

	return store.adminUpdate(ctx, "requeue", id, build, now.UTC())
}

// SetPriority changes the priority of an event that has not been published.
func (store *Store) SetPriority(ctx context.Context, id uuid.UUID, priority int) error {
	build := func(table string) string {
		return fmt.Sprintf(`UPDATE %s SET priority = $2, updated_at = $3 WHERE id = $1 AND status <> '%s'`,
			table, outbox.StatusPublished)
	}

	if store == nil {
		return outbox.NewStoreError("set_priority", ErrStoreNotReady)
	}

	return store.adminUpdate(ctx, "set_priority", id, build, priority, store.clock().UTC())
}

// adminUpdate runs a guarded update keyed by id. A miss is reported as not
// found or as an invalid transition.
func (store *Store) adminUpdate(ctx context.Context, op string, id uuid.UUID, build func(table string) string, args ...any) error {
	if store == nil || store.db == nil {
		return outbox.NewStoreError(op, ErrStoreNotReady)
	}

	ctx, span := store.tracer.Start(ctx, "postgres."+op)
	defer span.End()

	statement := build(store.table)

	_, err := withTx(store, ctx, func(ctx context.Context, tx *sql.Tx) (struct{}, error) {
		result, err := tx.ExecContext(ctx, statement, append([]any{id}, args...)...)
		if err != nil {
			return struct{}{}, err
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return struct{}{}, fmt.Errorf("rows affected: %w", err)
		}

		if affected > 0 {
			return struct{}{}, nil
		}

		current, err := store.getByID(ctx, tx, id)
		if err != nil {
			return struct{}{}, err
		}

		if current == nil {
			return struct{}{}, outbox.ErrEventNotFound
		}

		return struct{}{}, fmt.Errorf("%w: event %s is %s", outbox.ErrTransitionInvalid, id, current.Status)
	})
	if err != nil {
		return store.fail(span, op, err)
	}

	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// getByID returns nil without error when the row does not exist.
func (store *Store) getByID(ctx context.Context, q queryer, id uuid.UUID) (*outbox.Event, error) {
	statement := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", columnList(""), store.table)

	events, err := queryEvents(ctx, q, statement, id)
	if err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, nil
	}

	return events[0], nil
}

func (store *Store) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "outbox store "+op+" failed")

	return outbox.NewStoreError(op, err)
}

func withTx[T any](store *Store, ctx context.Context, fn func(context.Context, *sql.Tx) (T, error)) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, store.transactionTimeout)
		defer cancel()
	}

	tx, err := store.db.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := fn(txCtx, tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func queryEvents(ctx context.Context, q queryer, statement string, args ...any) ([]*outbox.Event, error) {
	rows, err := q.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*outbox.Event, 0)

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox events: %w", err)
	}

	return events, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (*outbox.Event, error) {
	var (
		event           outbox.Event
		status          string
		aggregateID     sql.NullString
		lastAttemptedAt sql.NullTime
		lastError       sql.NullString
		claimToken      uuid.NullUUID
		claimedBy       sql.NullString
		publishedAt     sql.NullTime
	)

	if err := scanner.Scan(
		&event.ID,
		&event.Topic,
		&event.Payload,
		&event.PayloadVersion,
		&aggregateID,
		&event.OccurredAt,
		&event.Priority,
		&status,
		&event.AttemptCount,
		&lastAttemptedAt,
		&lastError,
		&event.NotBefore,
		&claimToken,
		&claimedBy,
		&publishedAt,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning outbox event: %w", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", event.ID, err)
	}

	event.Status = parsed
	event.AggregateID = aggregateID.String
	event.LastError = lastError.String
	event.ClaimedBy = claimedBy.String

	if claimToken.Valid {
		event.ClaimToken = claimToken.UUID
	}

	if lastAttemptedAt.Valid {
		at := lastAttemptedAt.Time.UTC()
		event.LastAttemptedAt = &at
	}

	if publishedAt.Valid {
		at := publishedAt.Time.UTC()
		event.PublishedAt = &at
	}

	event.OccurredAt = event.OccurredAt.UTC()
	event.NotBefore = event.NotBefore.UTC()
	event.CreatedAt = event.CreatedAt.UTC()
	event.UpdatedAt = event.UpdatedAt.UTC()

	return &event, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
