package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"transcription-service/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool for sibling packages (queue, usage)
// that run their own statements against the same database.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	UserID              *string
	SourceKind          string
	SourceRef           string
	ContentHash         string
	Language            string
	ModelType           string
	EstimatedMinutes    float64
	FundedBy            string
	DeclaredDurationSec int
}

// CreateJob inserts a job row in status queued and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, user_id, source_kind, source_ref, content_hash, language, model_type, status, estimated_minutes, funded_by, original_duration_sec, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, id, p.UserID, p.SourceKind, p.SourceRef, p.ContentHash, p.Language, p.ModelType, models.StatusQueued, p.EstimatedMinutes, p.FundedBy, p.DeclaredDurationSec, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:                  id,
		UserID:              p.UserID,
		SourceKind:          p.SourceKind,
		SourceRef:           p.SourceRef,
		ContentHash:         p.ContentHash,
		Language:            p.Language,
		ModelType:           p.ModelType,
		Status:              models.StatusQueued,
		EstimatedMinutes:    p.EstimatedMinutes,
		FundedBy:            p.FundedBy,
		OriginalDurationSec: p.DeclaredDurationSec,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

const jobColumns = `id, user_id, source_kind, source_ref, content_hash, source_url, title, language, model_type, status,
	original_duration_sec, billed_duration_sec, estimated_minutes, funded_by, cost_minutes, supplier, error_note,
	created_at, updated_at, completed_at, deleted_at`

// GetJob fetches a job by id. Soft-deleted jobs are reported as not found.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanJob(row)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var userID, supplier, errNote, title, srcURL, lang pgtype.Text
	var completedAt, deletedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &userID, &job.SourceKind, &job.SourceRef, &job.ContentHash, &srcURL, &title, &lang,
		&job.ModelType, &job.Status, &job.OriginalDurationSec, &job.BilledDurationSec, &job.EstimatedMinutes,
		&job.FundedBy, &job.CostMinutes, &supplier, &errNote, &job.CreatedAt, &job.UpdatedAt, &completedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, models.ErrJobNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.UserID = textPtr(userID)
	job.SourceURL = textOrEmpty(srcURL)
	job.Title = textOrEmpty(title)
	job.Language = textOrEmpty(lang)
	job.Supplier = textOrEmpty(supplier)
	job.ErrorNote = textPtr(errNote)
	job.CompletedAt = tsPtr(completedAt)
	job.DeletedAt = tsPtr(deletedAt)
	return job, nil
}

// AdvanceStatus moves a job to a non-terminal status. The conditional update
// refuses to touch a row that already reached a terminal status, which is
// what keeps transitions monotonic under concurrent writers.
func (s *Store) AdvanceStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND status NOT IN ($3, $4, $5)
	`, id, status, models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return fmt.Errorf("advance status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyGuardMiss(ctx, id)
	}
	return nil
}

// SetPrepared records the resolved source URL, title, durations, and cost
// once media preparation succeeds.
func (s *Store) SetPrepared(ctx context.Context, id, sourceURL, title string, originalSec, billedSec int, costMinutes float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET source_url = $2, title = $3, original_duration_sec = $4, billed_duration_sec = $5, cost_minutes = $6, updated_at = NOW()
		WHERE id = $1
	`, id, sourceURL, title, originalSec, billedSec, costMinutes)
	if err != nil {
		return fmt.Errorf("set prepared: %w", err)
	}
	return nil
}

// SetSupplier records which supplier family a job was dispatched to.
func (s *Store) SetSupplier(ctx context.Context, id, supplier string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET supplier = $2, updated_at = NOW() WHERE id = $1`, id, supplier)
	return err
}

// MarkFailed moves the job to failed with a note unless already terminal.
func (s *Store) MarkFailed(ctx context.Context, id, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error_note = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND status NOT IN ($4, $5, $6)
	`, id, models.StatusFailed, note, models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyGuardMiss(ctx, id)
	}
	return nil
}

// MarkCancelled is a local terminal marking; in-flight supplier work is not
// aborted, subsequent callbacks and sweeps become no-ops.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND status NOT IN ($3, $4, $5)
	`, id, models.StatusCancelled, models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyGuardMiss(ctx, id)
	}
	return nil
}

// CompleteJob persists result rows and flips the job to completed in one
// transaction, so a reader never observes a completed status without its
// results. A job already terminal returns ErrTerminalStatus untouched,
// which guards duplicate webhook delivery.
func (s *Store) CompleteJob(ctx context.Context, id string, results map[string][]byte, billedSec int, costMinutes float64) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for format, content := range results {
		if _, err := tx.Exec(ctx, `
			INSERT INTO results (job_id, format, content, byte_size, created_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (job_id, format) DO UPDATE SET content = EXCLUDED.content, byte_size = EXCLUDED.byte_size, created_at = NOW()
		`, id, format, content, len(content)); err != nil {
			return fmt.Errorf("upsert result %s: %w", format, err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, billed_duration_sec = $3, cost_minutes = $4, error_note = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND status NOT IN ($5, $6, $7)
	`, id, models.StatusCompleted, billedSec, costMinutes, models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Roll back the result writes too; a terminal job keeps whatever
		// results the first delivery persisted.
		return s.classifyGuardMiss(ctx, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) classifyGuardMiss(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 AND deleted_at IS NULL`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect job status: %w", err)
	}
	if models.IsTerminal(status) {
		return models.ErrTerminalStatus
	}
	return fmt.Errorf("status update refused for job %s in status %s", id, status)
}

// UpsertResult writes one (job, format) result row outside a completion
// transaction, used when a supplier delivers formats incrementally.
func (s *Store) UpsertResult(ctx context.Context, jobID, format string, content []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO results (job_id, format, content, byte_size, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (job_id, format) DO UPDATE SET content = EXCLUDED.content, byte_size = EXCLUDED.byte_size, created_at = NOW()
	`, jobID, format, content, len(content))
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// GetResult fetches one result row.
func (s *Store) GetResult(ctx context.Context, jobID, format string) (models.Result, error) {
	var r models.Result
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, format, content, byte_size, created_at FROM results WHERE job_id = $1 AND format = $2
	`, jobID, format).Scan(&r.JobID, &r.Format, &r.Content, &r.ByteSize, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Result{}, models.ErrJobNotFound
	}
	if err != nil {
		return models.Result{}, fmt.Errorf("query result: %w", err)
	}
	return r, nil
}

// ListResultFormats returns the formats persisted for a job.
func (s *Store) ListResultFormats(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT format FROM results WHERE job_id = $1 ORDER BY format`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list result formats: %w", err)
	}
	defer rows.Close()

	var formats []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan format: %w", err)
		}
		formats = append(formats, f)
	}
	return formats, rows.Err()
}

// SoftDelete hides a job from the status API without destroying the row.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// GetStagedSource looks up a previously staged (video, variant) extraction.
func (s *Store) GetStagedSource(ctx context.Context, videoID, variant string) (models.StagedSource, bool, error) {
	var ss models.StagedSource
	err := s.pool.QueryRow(ctx, `
		SELECT video_id, variant, object_key, duration_sec, title, created_at
		FROM staged_sources WHERE video_id = $1 AND variant = $2
	`, videoID, variant).Scan(&ss.VideoID, &ss.Variant, &ss.ObjectKey, &ss.DurationSec, &ss.Title, &ss.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StagedSource{}, false, nil
	}
	if err != nil {
		return models.StagedSource{}, false, fmt.Errorf("query staged source: %w", err)
	}
	return ss, true, nil
}

// PutStagedSource records a staged extraction for reuse.
func (s *Store) PutStagedSource(ctx context.Context, ss models.StagedSource) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO staged_sources (video_id, variant, object_key, duration_sec, title, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (video_id, variant) DO UPDATE SET object_key = EXCLUDED.object_key, duration_sec = EXCLUDED.duration_sec, title = EXCLUDED.title, created_at = NOW()
	`, ss.VideoID, ss.Variant, ss.ObjectKey, ss.DurationSec, ss.Title)
	if err != nil {
		return fmt.Errorf("upsert staged source: %w", err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func textOrEmpty(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
