package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"transcription-service/internal/models"
)

// InsertUsageRecord appends a ledger row. Rows are never mutated afterwards.
func (s *Store) InsertUsageRecord(ctx context.Context, identity, dateBucket string, minutes float64, modelType string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records (identity, date_bucket, minutes, model_type, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, identity, dateBucket, minutes, modelType)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// MinutesUsedSince sums metered minutes for an identity from a date bucket
// (inclusive) forward. Buckets sort lexicographically as dates.
func (s *Store) MinutesUsedSince(ctx context.Context, identity, fromBucket string) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(minutes), 0) FROM usage_records WHERE identity = $1 AND date_bucket >= $2
	`, identity, fromBucket).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage minutes: %w", err)
	}
	return total, nil
}

// RequestsInBucket counts ledger rows for an identity in one date bucket.
func (s *Store) RequestsInBucket(ctx context.Context, identity, bucket string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM usage_records WHERE identity = $1 AND date_bucket = $2
	`, identity, bucket).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usage requests: %w", err)
	}
	return n, nil
}

// ReserveMonthlyMinutes appends a reservation row only if the identity's
// consumption since fromBucket plus the estimate stays within budget. The
// check and the insert ride one statement so concurrent admissions for the
// same identity cannot both squeeze past the budget.
func (s *Store) ReserveMonthlyMinutes(ctx context.Context, identity, fromBucket, bucket string, estimate, budget float64, modelType string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records (identity, date_bucket, minutes, model_type, created_at)
		SELECT $1, $2, $3, $4, NOW()
		WHERE (SELECT COALESCE(SUM(minutes), 0) FROM usage_records WHERE identity = $1 AND date_bucket >= $5) + $3 <= $6
	`, identity, bucket, estimate, modelType, fromBucket, budget)
	if err != nil {
		return false, fmt.Errorf("reserve monthly minutes: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetBalance returns a user's prepaid pools; a missing row reads as zero.
func (s *Store) GetBalance(ctx context.Context, userID string) (models.MinutesBalance, error) {
	b := models.MinutesBalance{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT standard_minutes, high_accuracy_minutes FROM minutes_balances WHERE user_id = $1
	`, userID).Scan(&b.StandardMinutes, &b.HighAccuracyMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return models.MinutesBalance{}, fmt.Errorf("query balance: %w", err)
	}
	return b, nil
}

func balanceColumn(modelType string) string {
	if modelType == models.ModelHighAccuracy {
		return "high_accuracy_minutes"
	}
	return "standard_minutes"
}

// TryDebitBalance atomically takes minutes from a pool if enough remain.
// The balance guard lives in the WHERE clause, never in application code,
// so concurrent admissions for the same user cannot overdraw.
func (s *Store) TryDebitBalance(ctx context.Context, userID, modelType string, minutes float64) (bool, error) {
	col := balanceColumn(modelType)
	tag, err := s.pool.Exec(ctx, `
		UPDATE minutes_balances SET `+col+` = `+col+` - $2
		WHERE user_id = $1 AND `+col+` >= $2
	`, userID, minutes)
	if err != nil {
		return false, fmt.Errorf("debit balance: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DebitBalanceCapped removes up to minutes from a pool, flooring at zero.
// Used by completion reconciliation so rounding can never drive a pool
// negative.
func (s *Store) DebitBalanceCapped(ctx context.Context, userID, modelType string, minutes float64) error {
	col := balanceColumn(modelType)
	_, err := s.pool.Exec(ctx, `
		UPDATE minutes_balances SET `+col+` = GREATEST(0, `+col+` - $2)
		WHERE user_id = $1
	`, userID, minutes)
	if err != nil {
		return fmt.Errorf("debit balance capped: %w", err)
	}
	return nil
}

// CreditBalance adds minutes to a pool, creating the row if absent.
func (s *Store) CreditBalance(ctx context.Context, userID, modelType string, minutes float64) error {
	col := balanceColumn(modelType)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO minutes_balances (user_id, `+col+`)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET `+col+` = minutes_balances.`+col+` + $2
	`, userID, minutes)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}
