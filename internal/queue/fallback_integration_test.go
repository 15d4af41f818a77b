package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"transcription-service/internal/models"
	"transcription-service/internal/store"
)

// Exercises the single-winner claim against a real database, which is where
// the SKIP LOCKED guarantee actually lives. Skipped unless TEST_POSTGRES_DSN
// points at a disposable Postgres.
func TestClaimExclusiveUnderConcurrency(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatal(err)
	}

	q := NewFallback(st.Pool())

	// Drain entries left over from earlier runs so the claim race below
	// has exactly one target.
	for {
		e, err := q.Claim(ctx)
		if errors.Is(err, models.ErrNoQueueEntry) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if err := q.MarkDone(ctx, e.ID); err != nil {
			t.Fatal(err)
		}
	}

	job, err := st.CreateJob(ctx, store.CreateJobParams{
		SourceKind: models.SourceAudioURL,
		SourceRef:  "https://example.com/audio.mp3",
		ModelType:  models.ModelStandard,
		FundedBy:   models.FundedMonthly,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, job.ID, "free", "user:u-1"); err != nil {
		t.Fatal(err)
	}

	const sweepers = 8
	var wg sync.WaitGroup
	claims := make(chan models.QueueEntry, sweepers)
	for i := 0; i < sweepers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := q.Claim(ctx)
			if err != nil {
				if !errors.Is(err, models.ErrNoQueueEntry) {
					t.Error(err)
				}
				return
			}
			claims <- e
		}()
	}
	wg.Wait()
	close(claims)

	won := 0
	for e := range claims {
		won++
		if e.JobID != job.ID {
			t.Fatalf("claimed job %q, want %q", e.JobID, job.ID)
		}
		if e.PickedAt == nil {
			t.Fatal("claimed entry has no picked_at stamp")
		}
		if err := q.MarkDone(ctx, e.ID); err != nil {
			t.Fatal(err)
		}
	}
	if won != 1 {
		t.Fatalf("claims = %d, want exactly 1", won)
	}

	if _, err := q.Claim(ctx); !errors.Is(err, models.ErrNoQueueEntry) {
		t.Fatalf("done entry re-picked: %v", err)
	}
}
