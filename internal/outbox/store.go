package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a row named by id no longer exists (e.g.
// deleted by a concurrent operator action).
var ErrNotFound = errors.New("outbox: not found")

// Appender appends one outbox row inside a transaction the caller already
// holds open — domain code calls this from within the same tx.Commit that
// persists the state change the event describes.
type Appender interface {
	Append(ctx context.Context, tx pgx.Tx, evt Event) error
}

// Outcome is what the Publisher decided happened to one claimed Event after
// attempting to deliver it.
type Outcome struct {
	ID        int64
	Published bool

	// The following apply only when Published is false. Retry distinguishes
	// a row still under the retry cap (status becomes 'failed' but
	// NextRetryAt makes it eligible for ClaimBatch again) from one that has
	// exhausted it (status becomes 'failed' with no further retry
	// scheduled, terminal until an operator intervenes).
	Retry       bool
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
}

// Store is the set of operations the Publisher needs against the outbox
// table. ClaimBatch and Resolve each run in their own transaction — the
// claim marks rows StatusProcessing (so a concurrent claimer skips them),
// then the publish I/O happens outside any lock, then Resolve persists the
// final state per row.
type Store interface {
	Appender

	// ClaimBatch locks and returns up to limit rows eligible for delivery
	// (pending, stuck processing, or failed-but-due-for-retry and still
	// under the retry cap), transitioning them to StatusProcessing.
	ClaimBatch(ctx context.Context, limit int) ([]Event, error)

	// Resolve persists the outcome of attempting to deliver each claimed
	// event.
	Resolve(ctx context.Context, outcomes []Outcome) error
}

// PgStore is the pgx-backed Store implementation.
type PgStore struct {
	db *pgxpool.Pool
}

func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) Append(ctx context.Context, tx pgx.Tx, evt Event) error {
	if evt.EventID == uuid.Nil {
		evt.EventID = uuid.New()
	}
	const q = `INSERT INTO outbox_events (event_id, event_type, aggregate_type, aggregate_id, payload, status)
	           VALUES ($1,$2,$3,$4,$5,'pending')`
	_, err := tx.Exec(ctx, q, evt.EventID, evt.EventType, evt.AggregateType, evt.AggregateID, evt.Payload)
	return err
}

func (s *PgStore) ClaimBatch(ctx context.Context, limit int) ([]Event, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `SELECT id, event_id, event_type, aggregate_type, aggregate_id, payload, status, retry_count,
	                  next_retry_at, COALESCE(last_error, ''), created_at, published_at
	           FROM outbox_events
	           WHERE status IN ('pending', 'processing', 'failed')
	             AND retry_count < $1
	             AND (next_retry_at IS NULL OR next_retry_at <= NOW())
	           ORDER BY id
	           LIMIT $2
	           FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, q, maxRetries, limit)
	if err != nil {
		return nil, err
	}

	var events []Event
	var ids []int64
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.AggregateType, &e.AggregateID,
			&e.Payload, &e.Status, &e.RetryCount, &e.NextRetryAt, &e.LastError, &e.CreatedAt, &e.PublishedAt); err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, e)
		ids = append(ids, e.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	const upd = `UPDATE outbox_events SET status = 'processing' WHERE id = ANY($1)`
	if _, err := tx.Exec(ctx, upd, ids); err != nil {
		return nil, err
	}
	for i := range events {
		events[i].Status = StatusProcessing
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

// Peek returns up to limit rows eligible for the next delivery attempt
// without claiming them (no status transition, no lock held past the
// query) — for judgectl's dry-run inspection of what the Publisher would
// pick up next.
func (s *PgStore) Peek(ctx context.Context, limit int) ([]Event, error) {
	const q = `SELECT id, event_id, event_type, aggregate_type, aggregate_id, payload, status, retry_count,
	                  next_retry_at, COALESCE(last_error, ''), created_at, published_at
	           FROM outbox_events
	           WHERE status IN ('pending', 'processing', 'failed')
	             AND retry_count < $1
	             AND (next_retry_at IS NULL OR next_retry_at <= NOW())
	           ORDER BY id
	           LIMIT $2`
	rows, err := s.db.Query(ctx, q, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.AggregateType, &e.AggregateID,
			&e.Payload, &e.Status, &e.RetryCount, &e.NextRetryAt, &e.LastError, &e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Backlog reports row counts by status, for core.MetricsService.
func (s *PgStore) Backlog(ctx context.Context) (pending, processing, failed int64, err error) {
	const q = `SELECT
	             COUNT(*) FILTER (WHERE status = 'pending'),
	             COUNT(*) FILTER (WHERE status = 'processing'),
	             COUNT(*) FILTER (WHERE status = 'failed')
	           FROM outbox_events`
	err = s.db.QueryRow(ctx, q).Scan(&pending, &processing, &failed)
	return
}

func (s *PgStore) Resolve(ctx context.Context, outcomes []Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, o := range outcomes {
		if o.Published {
			const q = `UPDATE outbox_events SET status='published', published_at=NOW() WHERE id=$1`
			if _, err := tx.Exec(ctx, q, o.ID); err != nil {
				return err
			}
			continue
		}
		if o.Retry {
			// A retryable delivery failure moves the row to 'failed' right
			// away (spec: pending -> failed -> published once the broker
			// accepts it) rather than leaving it 'pending'; next_retry_at is
			// what makes it eligible for ClaimBatch again once the backoff
			// elapses, not the status.
			const q = `UPDATE outbox_events SET status='failed', retry_count=$1, next_retry_at=$2, last_error=$3 WHERE id=$4`
			if _, err := tx.Exec(ctx, q, o.RetryCount, o.NextRetryAt, o.LastError, o.ID); err != nil {
				return err
			}
			continue
		}
		// Escalated: retry budget exhausted, terminal until an operator
		// intervenes. retry_count is persisted so the row stays excluded
		// from ClaimBatch's eligibility instead of reverting to whatever
		// count the last successful retry write left behind.
		const q = `UPDATE outbox_events SET status='failed', retry_count=$1, last_error=$2 WHERE id=$3`
		if _, err := tx.Exec(ctx, q, o.RetryCount, o.LastError, o.ID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
