// Package usage gates job admission and settles minutes at completion.
// Counters that must hold across instances live in Postgres (ledger rows,
// prepaid pools) and Redis (anonymous daily caps); nothing is kept in
// process memory.
package usage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"

	"transcription-service/internal/models"
)

// ledgerStore is the slice of the store the ledger talks to.
type ledgerStore interface {
	InsertUsageRecord(ctx context.Context, identity, dateBucket string, minutes float64, modelType string) error
	MinutesUsedSince(ctx context.Context, identity, fromBucket string) (float64, error)
	RequestsInBucket(ctx context.Context, identity, bucket string) (int, error)
	ReserveMonthlyMinutes(ctx context.Context, identity, fromBucket, bucket string, estimate, budget float64, modelType string) (bool, error)
	GetBalance(ctx context.Context, userID string) (models.MinutesBalance, error)
	TryDebitBalance(ctx context.Context, userID, modelType string, minutes float64) (bool, error)
	DebitBalanceCapped(ctx context.Context, userID, modelType string, minutes float64) error
	CreditBalance(ctx context.Context, userID, modelType string, minutes float64) error
}

// Ledger performs admission checks and completion reconciliation.
type Ledger struct {
	store ledgerStore
	anon  *AnonLimiter
	tiers map[string]TierLimits
	now   func() time.Time
	log   *log.Logger
}

// NewLedger wires the ledger. tiers may be nil to use DefaultTiers.
func NewLedger(st ledgerStore, anon *AnonLimiter, tiers map[string]TierLimits, logger *log.Logger) *Ledger {
	if tiers == nil {
		tiers = DefaultTiers
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Ledger{store: st, anon: anon, tiers: tiers, now: time.Now, log: logger}
}

// Limits resolves the tier table entry for an identity.
func (l *Ledger) Limits(id Identity) TierLimits {
	name := id.Tier
	if id.Anonymous() {
		name = TierAnonymous
	}
	if t, ok := l.tiers[name]; ok {
		return t
	}
	return l.tiers[TierFree]
}

func dayBucket(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthBucket(t time.Time) string { return t.UTC().Format("2006-01") + "-01" }

// CheckAndReserve admits or denies a request before any external call.
// A nil denial means admitted; the estimate is already reserved against the
// identity's budget when the call returns, and fundedBy names the source
// (monthly allowance, prepaid pool, or none) so reconciliation settles the
// same source at completion.
func (l *Ledger) CheckAndReserve(ctx context.Context, id Identity, estimatedMinutes float64, modelType string) (string, *models.AdmissionDenied, error) {
	limits := l.Limits(id)
	now := l.now()

	// Entitlement comes first: the estimate of a high-accuracy request is
	// not even worth computing against a tier that cannot buy it.
	if modelType == models.ModelHighAccuracy && !limits.HighAccuracy {
		return "", &models.AdmissionDenied{Reason: "high accuracy not available on tier " + limits.Name}, nil
	}

	if id.Anonymous() {
		allowed, _, err := l.anon.Allow(ctx, id.Key(), now)
		if err != nil {
			return "", nil, err
		}
		if !allowed {
			return "", &models.AdmissionDenied{Reason: "anonymous daily preview cap reached", Remaining: 0}, nil
		}
		// Counted but not metered; the row keeps the audit trail complete.
		if err := l.store.InsertUsageRecord(ctx, id.Key(), dayBucket(now), 0, models.ModelAnonPreview); err != nil {
			return "", nil, err
		}
		return models.FundedNone, nil, nil
	}

	requests, err := l.store.RequestsInBucket(ctx, id.Key(), dayBucket(now))
	if err != nil {
		return "", nil, err
	}
	if limits.DailyRequests > 0 && requests >= limits.DailyRequests {
		return "", &models.AdmissionDenied{Reason: "daily request cap reached", Remaining: 0}, nil
	}

	if modelType == models.ModelHighAccuracy {
		// High-accuracy minutes come off the prepaid pool only.
		ok, err := l.store.TryDebitBalance(ctx, id.UserID, modelType, estimatedMinutes)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			bal, err := l.store.GetBalance(ctx, id.UserID)
			if err != nil {
				return "", nil, err
			}
			return "", &models.AdmissionDenied{Reason: "insufficient high accuracy minutes", Remaining: bal.HighAccuracyMinutes}, nil
		}
		if err := l.store.InsertUsageRecord(ctx, id.Key(), dayBucket(now), 0, modelType); err != nil {
			return "", nil, err
		}
		return models.FundedPool, nil, nil
	}

	// Standard minutes come off the tier's monthly allowance, then the
	// prepaid standard pool.
	reserved, err := l.store.ReserveMonthlyMinutes(ctx, id.Key(), monthBucket(now), dayBucket(now), estimatedMinutes, limits.MonthlyMinutes, modelType)
	if err != nil {
		return "", nil, err
	}
	if reserved {
		return models.FundedMonthly, nil, nil
	}

	ok, err := l.store.TryDebitBalance(ctx, id.UserID, modelType, estimatedMinutes)
	if err != nil {
		return "", nil, err
	}
	if ok {
		if err := l.store.InsertUsageRecord(ctx, id.Key(), dayBucket(now), 0, modelType); err != nil {
			return "", nil, err
		}
		return models.FundedPool, nil, nil
	}

	used, err := l.store.MinutesUsedSince(ctx, id.Key(), monthBucket(now))
	if err != nil {
		return "", nil, err
	}
	remaining := limits.MonthlyMinutes - used
	if remaining < 0 {
		remaining = 0
	}
	return "", &models.AdmissionDenied{Reason: "monthly minutes exhausted", Remaining: remaining}, nil
}

// BillableMinutes converts a billed duration to minutes, rounded up to the
// nearest tenth so sub-second tails never bill a full extra minute.
func BillableMinutes(billedSec int) float64 {
	return math.Ceil(float64(billedSec)/60*10) / 10
}

// ReconcileCompletion settles the estimate against the measured duration,
// against the same source that funded the admission. Over-estimates are
// credited back, under-estimates debited, and a prepaid pool is floored at
// zero so rounding can never push it negative.
func (l *Ledger) ReconcileCompletion(ctx context.Context, job models.Job) error {
	if job.ModelType == models.ModelAnonPreview || job.FundedBy == models.FundedNone {
		return nil
	}
	actual := BillableMinutes(job.BilledDurationSec)
	delta := actual - job.EstimatedMinutes
	if delta == 0 {
		return nil
	}

	if job.ModelType == models.ModelHighAccuracy || job.FundedBy == models.FundedPool {
		if job.UserID == nil {
			return nil
		}
		if delta < 0 {
			return l.store.CreditBalance(ctx, *job.UserID, job.ModelType, -delta)
		}
		return l.store.DebitBalanceCapped(ctx, *job.UserID, job.ModelType, delta)
	}

	// Monthly-funded usage reconciles on the ledger: a negative-minutes
	// row is a credit against the monthly allowance.
	identity := "user:" + deref(job.UserID)
	if err := l.store.InsertUsageRecord(ctx, identity, dayBucket(l.now()), delta, job.ModelType); err != nil {
		return fmt.Errorf("reconcile usage: %w", err)
	}
	l.log.Debug("reconciled minutes", "job", job.ID, "estimated", job.EstimatedMinutes, "actual", actual)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
