// Package queue implements the durable FIFO fallback lane. It is a plain
// Postgres table, not a broker: one unclaimed entry per job, oldest first,
// claim stamped in a single-winner transaction.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"transcription-service/internal/models"
)

// Fallback is the table-backed queue.
type Fallback struct {
	pool *pgxpool.Pool
}

// NewFallback builds the queue over an existing pool.
func NewFallback(pool *pgxpool.Pool) *Fallback {
	return &Fallback{pool: pool}
}

// Enqueue inserts an entry for a job. A second active entry for the same
// job hits the partial unique index and is ignored.
func (q *Fallback) Enqueue(ctx context.Context, jobID, tier, identity string) error {
	_, err := q.pool.Exec(ctx, `
		INSERT INTO queue_entries (job_id, tier, identity, enqueued_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (job_id) WHERE picked_at IS NULL DO NOTHING
	`, jobID, tier, identity)
	if err != nil {
		return fmt.Errorf("enqueue fallback entry: %w", err)
	}
	return nil
}

// Claim atomically picks the oldest unclaimed entry. SKIP LOCKED makes
// concurrent sweeps race for different rows, so exactly one claims the
// single oldest entry and the rest see ErrNoQueueEntry.
func (q *Fallback) Claim(ctx context.Context) (models.QueueEntry, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE queue_entries SET picked_at = NOW()
		WHERE id = (
			SELECT id FROM queue_entries
			WHERE picked_at IS NULL AND NOT done
			ORDER BY enqueued_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_id, tier, identity, enqueued_at, picked_at, done
	`)

	var e models.QueueEntry
	var picked pgtype.Timestamptz
	err := row.Scan(&e.ID, &e.JobID, &e.Tier, &e.Identity, &e.EnqueuedAt, &picked, &e.Done)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, models.ErrNoQueueEntry
	}
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("claim queue entry: %w", err)
	}
	if picked.Valid {
		t := picked.Time
		e.PickedAt = &t
	}
	return e, nil
}

// MarkDone finishes an entry. Done entries are never re-picked.
func (q *Fallback) MarkDone(ctx context.Context, entryID int64) error {
	_, err := q.pool.Exec(ctx, `UPDATE queue_entries SET done = TRUE WHERE id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("mark queue entry done: %w", err)
	}
	return nil
}

// Depth counts unclaimed entries, for the queue-depth gauge.
func (q *Fallback) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := q.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_entries WHERE picked_at IS NULL AND NOT done
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue depth: %w", err)
	}
	return n, nil
}
