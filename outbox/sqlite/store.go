package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/LerianStudio/lib-outbox/outbox"
)

const abandonedClaimError = "claim abandoned after final attempt"

var (
	ErrDBRequired   = errors.New("sqlite db is required")
	ErrPathRequired = errors.New("storage path is required")
)

const eventColumns = `id, topic, payload, payload_version, aggregate_id, occurred_at,
	priority, status, attempt_count, last_attempted_at, last_error,
	not_before, claim_token, claimed_by, published_at, created_at, updated_at`

var (
	_ outbox.Store      = (*Store)(nil)
	_ outbox.AdminStore = (*Store)(nil)
)

// Store provides SQLite-backed outbox persistence.
type Store struct {
	sqlDB *sql.DB
	clock func() time.Time
}

// Open opens an outbox SQLite file and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrPathRequired
	}

	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return New(sqlDB)
}

// New wraps an already migrated database. The DSN should request immediate
// transactions; see Open.
func New(sqlDB *sql.DB) (*Store, error) {
	if sqlDB == nil {
		return nil, ErrDBRequired
	}

	return &Store{sqlDB: sqlDB, clock: time.Now}, nil
}

// DB exposes the handle producers begin their business transactions on.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}

	return s.sqlDB
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}

	return s.sqlDB.Close()
}

// Append inserts events inside the caller's transaction.
func (s *Store) Append(ctx context.Context, tx outbox.Tx, events ...*outbox.Event) error {
	if tx == nil {
		return outbox.NewStoreError("append", outbox.ErrTxRequired)
	}

	if err := outbox.PrepareForAppend(events, s.clock()); err != nil {
		return outbox.NewStoreError("append", err)
	}

	for _, event := range events {
		_, err := tx.ExecContext(ctx, `
INSERT INTO outbox_events (
	id, topic, payload, payload_version, aggregate_id, occurred_at,
	priority, status, attempt_count, not_before, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
			event.ID.String(),
			event.Topic,
			event.Payload,
			event.PayloadVersion,
			nullString(event.AggregateID),
			toNanos(event.OccurredAt),
			event.Priority,
			string(event.Status),
			event.AttemptCount,
			toNanos(event.NotBefore),
			toNanos(event.CreatedAt),
			toNanos(event.UpdatedAt),
		)
		if err != nil {
			return outbox.NewStoreError("append", fmt.Errorf("insert event %s: %w", event.ID, err))
		}
	}

	return nil
}

// eligibility returns the WHERE clause matching dispatchable rows and its args.
func eligibility(query outbox.BatchQuery) (string, []any) {
	clause := "(status = ? AND not_before <= ?)"
	args := []any{string(outbox.StatusPending), toNanos(query.Now)}

	if query.IncludesStale() {
		stale := "status = ? AND last_attempted_at IS NOT NULL AND last_attempted_at <= ?"
		args = append(args, string(outbox.StatusInProcess), toNanos(query.StaleBefore))

		if query.MaxAttempts > 0 {
			stale += " AND attempt_count < ?"
			args = append(args, query.MaxAttempts)
		}

		clause += " OR (" + stale + ")"
	}

	return "(" + clause + ")", args
}

func orderBy(order outbox.PriorityOrder) string {
	return "ORDER BY priority " + order.SQLDirection() + ", occurred_at ASC, id ASC"
}

// SelectBatch lists eligible events without claiming them.
func (s *Store) SelectBatch(ctx context.Context, query outbox.BatchQuery) ([]*outbox.Event, error) {
	query = query.Normalize()
	where, args := eligibility(query)

	events, err := queryEvents(ctx, s.sqlDB,
		"SELECT "+eventColumns+" FROM outbox_events WHERE "+where+" "+orderBy(query.Order)+" LIMIT ?",
		append(args, query.Limit)...)
	if err != nil {
		return nil, outbox.NewStoreError("select_batch", err)
	}

	return events, nil
}

// ClaimBatch selects candidates and claims each with an update that re-checks
// eligibility, all inside one immediate transaction.
func (s *Store) ClaimBatch(ctx context.Context, req outbox.ClaimRequest) ([]*outbox.Event, error) {
	query := req.Normalize()
	token := uuid.New()
	now := toNanos(query.Now)
	where, whereArgs := eligibility(query)

	claimed, err := withTx(ctx, s.sqlDB, func(tx *sql.Tx) ([]*outbox.Event, error) {
		ids, err := queryIDs(ctx, tx,
			"SELECT id FROM outbox_events WHERE "+where+" "+orderBy(query.Order)+" LIMIT ?",
			append(append([]any{}, whereArgs...), query.Limit)...)
		if err != nil {
			return nil, fmt.Errorf("select claim candidates: %w", err)
		}

		claimed := make([]*outbox.Event, 0, len(ids))

		for _, id := range ids {
			args := append([]any{string(outbox.StatusInProcess), now, token.String(), req.Owner, now, id}, whereArgs...)

			result, err := tx.ExecContext(ctx, `
UPDATE outbox_events
SET status = ?, attempt_count = attempt_count + 1, last_attempted_at = ?,
	claim_token = ?, claimed_by = ?, updated_at = ?
WHERE id = ? AND `+where, args...)
			if err != nil {
				return nil, fmt.Errorf("claim event %s: %w", id, err)
			}

			affected, err := result.RowsAffected()
			if err != nil {
				return nil, fmt.Errorf("claim rows affected for %s: %w", id, err)
			}

			if affected == 0 {
				continue
			}

			event, err := getByID(ctx, tx, id)
			if err != nil {
				return nil, err
			}

			if event != nil {
				claimed = append(claimed, event)
			}
		}

		return claimed, nil
	})
	if err != nil {
		return nil, outbox.NewStoreError("claim_batch", err)
	}

	outbox.SortForDispatch(claimed, query.Order)

	return claimed, nil
}

func (s *Store) MarkPublished(ctx context.Context, claim outbox.Claim, publishedAt time.Time) error {
	return s.transition(ctx, "mark_published", claim, outbox.StatusPublished,
		"published_at = ?, last_error = NULL", toNanos(publishedAt))
}

func (s *Store) MarkFailedRetry(ctx context.Context, claim outbox.Claim, errMsg string, notBefore time.Time) error {
	return s.transition(ctx, "mark_failed_retry", claim, outbox.StatusPending,
		"last_error = ?, not_before = ?", errMsg, toNanos(notBefore))
}

func (s *Store) MarkFailedPermanently(ctx context.Context, claim outbox.Claim, errMsg string) error {
	return s.transition(ctx, "mark_failed_permanently", claim, outbox.StatusFailedPermanently,
		"last_error = ?", errMsg)
}

// Release returns a claimed event to pending without counting the attempt.
func (s *Store) Release(ctx context.Context, claim outbox.Claim) error {
	return s.transition(ctx, "release", claim, outbox.StatusPending,
		"attempt_count = MAX(attempt_count - 1, 0)")
}

// Defer returns a claimed event to pending until notBefore without counting
// the attempt.
func (s *Store) Defer(ctx context.Context, claim outbox.Claim, errMsg string, notBefore time.Time) error {
	return s.transition(ctx, "defer", claim, outbox.StatusPending,
		"attempt_count = MAX(attempt_count - 1, 0), last_error = ?, not_before = ?", errMsg, toNanos(notBefore))
}

func (s *Store) transition(ctx context.Context, op string, claim outbox.Claim, target outbox.Status, set string, setArgs ...any) error {
	args := append([]any{string(target), toNanos(s.clock())}, setArgs...)
	args = append(args, claim.EventID.String(), string(outbox.StatusInProcess), claim.Token.String())

	_, err := withTx(ctx, s.sqlDB, func(tx *sql.Tx) (struct{}, error) {
		result, err := tx.ExecContext(ctx, `
UPDATE outbox_events
SET status = ?, claim_token = NULL, claimed_by = NULL, updated_at = ?, `+set+`
WHERE id = ? AND status = ? AND claim_token = ?`, args...)
		if err != nil {
			return struct{}{}, err
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return struct{}{}, err
		}

		if affected > 0 {
			return struct{}{}, nil
		}

		current, err := getByID(ctx, tx, claim.EventID.String())
		if err != nil {
			return struct{}{}, err
		}

		return struct{}{}, outbox.ResolveMissedUpdate(current, target)
	})
	if err != nil {
		return outbox.NewStoreError(op, err)
	}

	return nil
}

// ReclaimStuck returns stale in-process rows to pending, or quarantines them
// once they have no attempts left.
func (s *Store) ReclaimStuck(ctx context.Context, req outbox.SweepRequest) (outbox.SweepResult, error) {
	req = req.Normalize()
	staleBefore := toNanos(req.StaleBefore)
	now := toNanos(req.Now)

	result, err := withTx(ctx, s.sqlDB, func(tx *sql.Tx) (outbox.SweepResult, error) {
		ids, err := queryIDs(ctx, tx, `
SELECT id FROM outbox_events
WHERE status = ? AND last_attempted_at IS NOT NULL AND last_attempted_at <= ?
ORDER BY last_attempted_at ASC
LIMIT ?`, string(outbox.StatusInProcess), staleBefore, req.Limit)
		if err != nil {
			return outbox.SweepResult{}, fmt.Errorf("select stale claims: %w", err)
		}

		var result outbox.SweepResult

		for _, id := range ids {
			var status string

			err := tx.QueryRowContext(ctx, `
UPDATE outbox_events
SET status = CASE WHEN ? > 0 AND attempt_count >= ? THEN ? ELSE ? END,
	last_error = CASE WHEN ? > 0 AND attempt_count >= ? THEN ? ELSE last_error END,
	claim_token = NULL, claimed_by = NULL, updated_at = ?
WHERE id = ? AND status = ? AND last_attempted_at <= ?
RETURNING status`,
				req.MaxAttempts, req.MaxAttempts, string(outbox.StatusFailedPermanently), string(outbox.StatusPending),
				req.MaxAttempts, req.MaxAttempts, abandonedClaimError,
				now, id, string(outbox.StatusInProcess), staleBefore,
			).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}

			if err != nil {
				return outbox.SweepResult{}, fmt.Errorf("reclaim event %s: %w", id, err)
			}

			if outbox.Status(status) == outbox.StatusFailedPermanently {
				result.Quarantined++
			} else {
				result.Requeued++
			}
		}

		return result, nil
	})
	if err != nil {
		return outbox.SweepResult{}, outbox.NewStoreError("reclaim_stuck", err)
	}

	return result, nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	event, err := getByID(ctx, s.sqlDB, id.String())
	if err != nil {
		return nil, outbox.NewStoreError("get_by_id", err)
	}

	if event == nil {
		return nil, outbox.NewStoreError("get_by_id", outbox.ErrEventNotFound)
	}

	return event, nil
}

// ListByStatus pages through events in one status in dispatch order.
func (s *Store) ListByStatus(ctx context.Context, query outbox.StatusQuery) ([]*outbox.Event, error) {
	query, err := query.Normalize()
	if err != nil {
		return nil, outbox.NewStoreError("list_by_status", err)
	}

	events, err := queryEvents(ctx, s.sqlDB,
		"SELECT "+eventColumns+" FROM outbox_events WHERE status = ? "+orderBy(query.Order)+" LIMIT ? OFFSET ?",
		string(query.Status), query.Limit, query.Offset)
	if err != nil {
		return nil, outbox.NewStoreError("list_by_status", err)
	}

	return events, nil
}

// Requeue moves a quarantined event back to pending with a fresh attempt budget.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID, now time.Time) error {
	at := toNanos(now)

	return s.adminUpdate(ctx, "requeue", id, `
UPDATE outbox_events
SET status = ?, attempt_count = 0, not_before = ?, claim_token = NULL, claimed_by = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
		string(outbox.StatusPending), at, at, id.String(), string(outbox.StatusFailedPermanently))
}

// SetPriority changes the priority of an event that has not been published.
func (s *Store) SetPriority(ctx context.Context, id uuid.UUID, priority int) error {
	return s.adminUpdate(ctx, "set_priority", id,
		"UPDATE outbox_events SET priority = ?, updated_at = ? WHERE id = ? AND status <> ?",
		priority, toNanos(s.clock()), id.String(), string(outbox.StatusPublished))
}

func (s *Store) adminUpdate(ctx context.Context, op string, id uuid.UUID, statement string, args ...any) error {
	_, err := withTx(ctx, s.sqlDB, func(tx *sql.Tx) (struct{}, error) {
		result, err := tx.ExecContext(ctx, statement, args...)
		if err != nil {
			return struct{}{}, err
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return struct{}{}, err
		}

		if affected > 0 {
			return struct{}{}, nil
		}

		current, err := getByID(ctx, tx, id.String())
		if err != nil {
			return struct{}{}, err
		}

		if current == nil {
			return struct{}{}, outbox.ErrEventNotFound
		}

		return struct{}{}, fmt.Errorf("%w: event %s is %s", outbox.ErrTransitionInvalid, id, current.Status)
	})
	if err != nil {
		return outbox.NewStoreError(op, err)
	}

	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func withTx[T any](ctx context.Context, sqlDB *sql.DB, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	if sqlDB == nil {
		return zero, ErrDBRequired
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit transaction: %w", err)
	}

	return result, nil
}

func queryIDs(ctx context.Context, q queryer, statement string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// getByID returns nil without error when the row does not exist.
func getByID(ctx context.Context, q queryer, id string) (*outbox.Event, error) {
	events, err := queryEvents(ctx, q, "SELECT "+eventColumns+" FROM outbox_events WHERE id = ?", id)
	if err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, nil
	}

	return events[0], nil
}

func queryEvents(ctx context.Context, q queryer, statement string, args ...any) ([]*outbox.Event, error) {
	if q == nil {
		return nil, ErrDBRequired
	}

	rows, err := q.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*outbox.Event, 0)

	for rows.Next() {
		event, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}

	return events, nil
}

func scanEvent(scan func(dest ...any) error) (*outbox.Event, error) {
	var (
		event           outbox.Event
		id              string
		status          string
		aggregateID     sql.NullString
		occurredAt      int64
		lastAttemptedAt sql.NullInt64
		lastError       sql.NullString
		notBefore       int64
		claimToken      sql.NullString
		claimedBy       sql.NullString
		publishedAt     sql.NullInt64
		createdAt       int64
		updatedAt       int64
	)

	if err := scan(
		&id,
		&event.Topic,
		&event.Payload,
		&event.PayloadVersion,
		&aggregateID,
		&occurredAt,
		&event.Priority,
		&status,
		&event.AttemptCount,
		&lastAttemptedAt,
		&lastError,
		&notBefore,
		&claimToken,
		&claimedBy,
		&publishedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan outbox event: %w", err)
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse event id %q: %w", id, err)
	}

	parsedStatus, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", id, err)
	}

	event.ID = parsedID
	event.Status = parsedStatus
	event.AggregateID = aggregateID.String
	event.LastError = lastError.String
	event.ClaimedBy = claimedBy.String
	event.OccurredAt = fromNanos(occurredAt)
	event.NotBefore = fromNanos(notBefore)
	event.CreatedAt = fromNanos(createdAt)
	event.UpdatedAt = fromNanos(updatedAt)

	if claimToken.Valid {
		token, err := uuid.Parse(claimToken.String)
		if err != nil {
			return nil, fmt.Errorf("parse claim token for %s: %w", id, err)
		}

		event.ClaimToken = token
	}

	if lastAttemptedAt.Valid {
		at := fromNanos(lastAttemptedAt.Int64)
		event.LastAttemptedAt = &at
	}

	if publishedAt.Valid {
		at := fromNanos(publishedAt.Int64)
		event.PublishedAt = &at
	}

	return &event, nil
}

func toNanos(value time.Time) int64 {
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	return time.Unix(0, value).UTC()
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
