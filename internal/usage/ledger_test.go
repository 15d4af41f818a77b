package usage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"transcription-service/internal/models"
)

type fakeLedgerStore struct {
	records        []models.UsageRecord
	requestsToday  int
	minutesUsed    float64
	reserveOK      bool
	debitOK        bool
	balance        models.MinutesBalance
	credited       float64
	cappedDebited  float64
	debitRequested float64
}

func (f *fakeLedgerStore) InsertUsageRecord(_ context.Context, identity, bucket string, minutes float64, modelType string) error {
	f.records = append(f.records, models.UsageRecord{Identity: identity, DateBucket: bucket, Minutes: minutes, ModelType: modelType})
	return nil
}

func (f *fakeLedgerStore) MinutesUsedSince(context.Context, string, string) (float64, error) {
	return f.minutesUsed, nil
}

func (f *fakeLedgerStore) RequestsInBucket(context.Context, string, string) (int, error) {
	return f.requestsToday, nil
}

func (f *fakeLedgerStore) ReserveMonthlyMinutes(_ context.Context, identity, _, bucket string, estimate, _ float64, modelType string) (bool, error) {
	if f.reserveOK {
		f.records = append(f.records, models.UsageRecord{Identity: identity, DateBucket: bucket, Minutes: estimate, ModelType: modelType})
	}
	return f.reserveOK, nil
}

func (f *fakeLedgerStore) GetBalance(context.Context, string) (models.MinutesBalance, error) {
	return f.balance, nil
}

func (f *fakeLedgerStore) TryDebitBalance(_ context.Context, _, _ string, minutes float64) (bool, error) {
	f.debitRequested = minutes
	return f.debitOK, nil
}

func (f *fakeLedgerStore) DebitBalanceCapped(_ context.Context, _, _ string, minutes float64) error {
	f.cappedDebited += minutes
	return nil
}

func (f *fakeLedgerStore) CreditBalance(_ context.Context, _, _ string, minutes float64) error {
	f.credited += minutes
	return nil
}

func newTestAnon(t *testing.T, cap int) (*AnonLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewAnonLimiter(client, cap, 48*time.Hour), mr
}

func TestAnonLimiterDailyCap(t *testing.T) {
	limiter, _ := newTestAnon(t, 10)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 10; i++ {
		allowed, remaining, err := limiter.Allow(ctx, "anon:203.0.113.7", now)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if remaining != 10-i {
			t.Fatalf("request %d: remaining = %d, want %d", i, remaining, 10-i)
		}
	}

	allowed, remaining, err := limiter.Allow(ctx, "anon:203.0.113.7", now)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("11th request should be denied")
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}

	// A new day bucket starts fresh.
	allowed, _, err = limiter.Allow(ctx, "anon:203.0.113.7", now.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !allowed {
		t.Fatal("next day should be allowed again")
	}
}

func TestAnonLimiterIsolatesIdentities(t *testing.T) {
	limiter, _ := newTestAnon(t, 1)
	ctx := context.Background()
	now := time.Now()

	if allowed, _, _ := limiter.Allow(ctx, "anon:198.51.100.1", now); !allowed {
		t.Fatal("first identity should be allowed")
	}
	if allowed, _, _ := limiter.Allow(ctx, "anon:198.51.100.2", now); !allowed {
		t.Fatal("second identity should not share the first's counter")
	}
	if allowed, _, _ := limiter.Allow(ctx, "anon:198.51.100.1", now); allowed {
		t.Fatal("first identity should now be capped")
	}
}

func TestNormalizeAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.7:54321", "203.0.113.7"},
		{"203.0.113.7", "203.0.113.7"},
		{"[2001:db8:1:2:3:4:5:6]:443", "2001:db8:1:2::/64"},
		{"2001:db8:1:2:aaaa:bbbb:cccc:dddd", "2001:db8:1:2::/64"},
		{"localhost:8080", "localhost"},
	}
	for _, tt := range tests {
		if got := NormalizeAddr(tt.in); got != tt.want {
			t.Errorf("NormalizeAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIdentityKey(t *testing.T) {
	user := Identity{UserID: "u-1", Tier: TierPro}
	if got := user.Key(); got != "user:u-1" {
		t.Fatalf("user key = %q", got)
	}
	anon := Identity{Addr: "203.0.113.7:9999"}
	if got := anon.Key(); got != "anon:203.0.113.7" {
		t.Fatalf("anon key = %q", got)
	}
	if !anon.Anonymous() || user.Anonymous() {
		t.Fatal("Anonymous() misclassified")
	}
}

func TestBillableMinutes(t *testing.T) {
	tests := []struct {
		sec  int
		want float64
	}{
		{0, 0},
		{6, 0.1},
		{60, 1},
		{61, 1.1},
		{300, 5},
		{1200, 20},
		{1201, 20.1},
	}
	for _, tt := range tests {
		if got := BillableMinutes(tt.sec); got != tt.want {
			t.Errorf("BillableMinutes(%d) = %v, want %v", tt.sec, got, tt.want)
		}
	}
}

func TestCheckAndReserveEntitlement(t *testing.T) {
	st := &fakeLedgerStore{}
	ledger := NewLedger(st, nil, DefaultTiers, nil)

	_, denied, err := ledger.CheckAndReserve(context.Background(), Identity{UserID: "u-1", Tier: TierFree}, 5, models.ModelHighAccuracy)
	if err != nil {
		t.Fatal(err)
	}
	if denied == nil {
		t.Fatal("free tier must not reach the high-accuracy supplier")
	}
	if len(st.records) != 0 {
		t.Fatal("denied request must not write a usage record")
	}
}

func TestCheckAndReserveAnonymous(t *testing.T) {
	anon, _ := newTestAnon(t, 2)
	st := &fakeLedgerStore{}
	ledger := NewLedger(st, anon, DefaultTiers, nil)
	id := Identity{Addr: "203.0.113.9:1234"}

	for i := 0; i < 2; i++ {
		fundedBy, denied, err := ledger.CheckAndReserve(context.Background(), id, 5, models.ModelAnonPreview)
		if err != nil {
			t.Fatal(err)
		}
		if denied != nil {
			t.Fatalf("request %d denied: %s", i+1, denied.Reason)
		}
		if fundedBy != models.FundedNone {
			t.Fatalf("funded by %q, want %q", fundedBy, models.FundedNone)
		}
	}
	_, denied, err := ledger.CheckAndReserve(context.Background(), id, 5, models.ModelAnonPreview)
	if err != nil {
		t.Fatal(err)
	}
	if denied == nil {
		t.Fatal("over-cap anonymous request should be denied")
	}

	if len(st.records) != 2 {
		t.Fatalf("usage records = %d, want 2", len(st.records))
	}
	for _, rec := range st.records {
		if rec.Minutes != 0 {
			t.Fatalf("anonymous preview metered %v minutes", rec.Minutes)
		}
	}
}

func TestCheckAndReserveDailyRequestCap(t *testing.T) {
	st := &fakeLedgerStore{requestsToday: 5, reserveOK: true}
	ledger := NewLedger(st, nil, DefaultTiers, nil)

	_, denied, err := ledger.CheckAndReserve(context.Background(), Identity{UserID: "u-1", Tier: TierFree}, 5, models.ModelStandard)
	if err != nil {
		t.Fatal(err)
	}
	if denied == nil {
		t.Fatal("at-cap daily requests should deny")
	}
}

func TestCheckAndReserveMonthlyThenPool(t *testing.T) {
	// Monthly reserve succeeds.
	st := &fakeLedgerStore{reserveOK: true}
	ledger := NewLedger(st, nil, DefaultTiers, nil)
	fundedBy, denied, err := ledger.CheckAndReserve(context.Background(), Identity{UserID: "u-1", Tier: TierStarter}, 12, models.ModelStandard)
	if err != nil || denied != nil {
		t.Fatalf("reserve path: denied=%v err=%v", denied, err)
	}
	if fundedBy != models.FundedMonthly {
		t.Fatalf("funded by %q, want %q", fundedBy, models.FundedMonthly)
	}
	if len(st.records) != 1 || st.records[0].Minutes != 12 {
		t.Fatalf("reservation row missing: %+v", st.records)
	}

	// Monthly exhausted, prepaid pool covers it.
	st = &fakeLedgerStore{reserveOK: false, debitOK: true}
	ledger = NewLedger(st, nil, DefaultTiers, nil)
	fundedBy, denied, err = ledger.CheckAndReserve(context.Background(), Identity{UserID: "u-1", Tier: TierStarter}, 12, models.ModelStandard)
	if err != nil || denied != nil {
		t.Fatalf("pool path: denied=%v err=%v", denied, err)
	}
	if fundedBy != models.FundedPool {
		t.Fatalf("funded by %q, want %q", fundedBy, models.FundedPool)
	}
	if st.debitRequested != 12 {
		t.Fatalf("pool debit = %v, want 12", st.debitRequested)
	}

	// Both exhausted: denial reports what is left of the monthly allowance.
	st = &fakeLedgerStore{reserveOK: false, debitOK: false, minutesUsed: 295}
	ledger = NewLedger(st, nil, DefaultTiers, nil)
	_, denied, err = ledger.CheckAndReserve(context.Background(), Identity{UserID: "u-1", Tier: TierStarter}, 12, models.ModelStandard)
	if err != nil {
		t.Fatal(err)
	}
	if denied == nil {
		t.Fatal("exhausted budgets should deny")
	}
	if denied.Remaining != 5 {
		t.Fatalf("remaining = %v, want 5", denied.Remaining)
	}
}

func TestReconcileCompletion(t *testing.T) {
	userID := "u-1"

	t.Run("anonymous preview settles nothing", func(t *testing.T) {
		st := &fakeLedgerStore{}
		ledger := NewLedger(st, nil, DefaultTiers, nil)
		err := ledger.ReconcileCompletion(context.Background(), models.Job{ModelType: models.ModelAnonPreview, BilledDurationSec: 300, EstimatedMinutes: 10})
		if err != nil {
			t.Fatal(err)
		}
		if len(st.records) != 0 {
			t.Fatal("unexpected ledger write")
		}
	})

	t.Run("standard over-estimate credits the ledger", func(t *testing.T) {
		st := &fakeLedgerStore{}
		ledger := NewLedger(st, nil, DefaultTiers, nil)
		job := models.Job{UserID: &userID, ModelType: models.ModelStandard, FundedBy: models.FundedMonthly, BilledDurationSec: 300, EstimatedMinutes: 10}
		if err := ledger.ReconcileCompletion(context.Background(), job); err != nil {
			t.Fatal(err)
		}
		if len(st.records) != 1 || st.records[0].Minutes != -5 {
			t.Fatalf("want one -5 minute row, got %+v", st.records)
		}
	})

	t.Run("pool-funded standard settles on the prepaid pool", func(t *testing.T) {
		st := &fakeLedgerStore{}
		ledger := NewLedger(st, nil, DefaultTiers, nil)
		over := models.Job{UserID: &userID, ModelType: models.ModelStandard, FundedBy: models.FundedPool, BilledDurationSec: 300, EstimatedMinutes: 10}
		if err := ledger.ReconcileCompletion(context.Background(), over); err != nil {
			t.Fatal(err)
		}
		if st.credited != 5 {
			t.Fatalf("credited = %v, want 5", st.credited)
		}
		if len(st.records) != 0 {
			t.Fatalf("pool-funded job wrote monthly ledger rows: %+v", st.records)
		}
		under := models.Job{UserID: &userID, ModelType: models.ModelStandard, FundedBy: models.FundedPool, BilledDurationSec: 900, EstimatedMinutes: 10}
		if err := ledger.ReconcileCompletion(context.Background(), under); err != nil {
			t.Fatal(err)
		}
		if st.cappedDebited != 5 {
			t.Fatalf("capped debit = %v, want 5", st.cappedDebited)
		}
	})

	t.Run("failure refund returns the whole estimate", func(t *testing.T) {
		st := &fakeLedgerStore{}
		ledger := NewLedger(st, nil, DefaultTiers, nil)
		job := models.Job{UserID: &userID, ModelType: models.ModelStandard, FundedBy: models.FundedMonthly, BilledDurationSec: 0, EstimatedMinutes: 10}
		if err := ledger.ReconcileCompletion(context.Background(), job); err != nil {
			t.Fatal(err)
		}
		if len(st.records) != 1 || st.records[0].Minutes != -10 {
			t.Fatalf("want one -10 minute row, got %+v", st.records)
		}
	})

	t.Run("high accuracy settles on the prepaid pool", func(t *testing.T) {
		st := &fakeLedgerStore{}
		ledger := NewLedger(st, nil, DefaultTiers, nil)
		over := models.Job{UserID: &userID, ModelType: models.ModelHighAccuracy, BilledDurationSec: 60, EstimatedMinutes: 10}
		if err := ledger.ReconcileCompletion(context.Background(), over); err != nil {
			t.Fatal(err)
		}
		if st.credited != 9 {
			t.Fatalf("credited = %v, want 9", st.credited)
		}
		under := models.Job{UserID: &userID, ModelType: models.ModelHighAccuracy, BilledDurationSec: 900, EstimatedMinutes: 10}
		if err := ledger.ReconcileCompletion(context.Background(), under); err != nil {
			t.Fatal(err)
		}
		if st.cappedDebited != 5 {
			t.Fatalf("capped debit = %v, want 5", st.cappedDebited)
		}
	})

	t.Run("exact estimate is a no-op", func(t *testing.T) {
		st := &fakeLedgerStore{}
		ledger := NewLedger(st, nil, DefaultTiers, nil)
		job := models.Job{UserID: &userID, ModelType: models.ModelStandard, FundedBy: models.FundedMonthly, BilledDurationSec: 600, EstimatedMinutes: 10}
		if err := ledger.ReconcileCompletion(context.Background(), job); err != nil {
			t.Fatal(err)
		}
		if len(st.records) != 0 || st.credited != 0 || st.cappedDebited != 0 {
			t.Fatal("exact estimate should not touch the ledger")
		}
	})
}
