package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transcription-service/internal/models"
	"transcription-service/internal/supplier"
	"transcription-service/internal/telemetry"
	"transcription-service/internal/usage"
)

// Sweep dispositions.
const (
	SweepIdle            = "idle"
	SweepProcessed       = "processed"
	SweepJobFailed       = "job_failed"
	SweepMissingJob      = "missing_job"
	SweepAlreadyTerminal = "already_terminal"
)

// SweepOutcome reports what one sweep invocation did.
type SweepOutcome struct {
	Claimed     bool   `json:"claimed"`
	JobID       string `json:"job_id,omitempty"`
	Disposition string `json:"disposition"`
}

// Sweep claims exactly one oldest unclaimed queue entry and processes it to
// a terminal end through the supplier's synchronous poll path. Entries whose
// job vanished or already finished are marked done without work, which
// self-heals races with a direct webhook completion.
func (e *Engine) Sweep(ctx context.Context) (SweepOutcome, error) {
	entry, err := e.queue.Claim(ctx)
	if errors.Is(err, models.ErrNoQueueEntry) {
		return SweepOutcome{Disposition: SweepIdle}, nil
	}
	if err != nil {
		return SweepOutcome{}, err
	}
	telemetry.SweepClaims.Inc()
	defer e.refreshQueueDepth(ctx)

	finish := func(disposition string) (SweepOutcome, error) {
		if err := e.queue.MarkDone(ctx, entry.ID); err != nil {
			e.log.Error("mark queue entry done", "entry", entry.ID, "err", err)
		}
		return SweepOutcome{Claimed: true, JobID: entry.JobID, Disposition: disposition}, nil
	}

	job, err := e.store.GetJob(ctx, entry.JobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			return finish(SweepMissingJob)
		}
		// Leave the entry picked but not done; an operator can requeue.
		return SweepOutcome{Claimed: true, JobID: entry.JobID}, err
	}
	if models.IsTerminal(job.Status) {
		return finish(SweepAlreadyTerminal)
	}

	if err := e.processClaimed(ctx, job); err != nil {
		e.failJob(ctx, job, err.Error())
		return finish(SweepJobFailed)
	}
	return finish(SweepProcessed)
}

// processClaimed runs one claimed job through submit-then-poll against the
// routed supplier.
func (e *Engine) processClaimed(ctx context.Context, job models.Job) error {
	client, fallback, err := e.router.Route(job.ModelType == models.ModelHighAccuracy)
	if err != nil || fallback || client == nil {
		return fmt.Errorf("no supplier reachable for queued job")
	}

	if err := e.store.AdvanceStatus(ctx, job.ID, models.StatusTranscribing); err != nil {
		if errors.Is(err, models.ErrTerminalStatus) {
			return nil
		}
		return fmt.Errorf("advance status: %v", err)
	}
	_ = e.store.SetSupplier(ctx, job.ID, client.Name())

	acc, err := client.Submit(ctx, supplier.SubmitRequest{
		JobID:        job.ID,
		AudioURL:     job.SourceURL,
		Language:     job.Language,
		Formats:      models.ResultFormats,
		HighAccuracy: job.ModelType == models.ModelHighAccuracy,
	})
	if err != nil {
		return fmt.Errorf("sweep submit: %v", err)
	}
	_ = e.store.AppendAudit(ctx, job.ID, "sweep_dispatched", fmt.Sprintf("supplier=%s supplier_job=%s", client.Name(), acc.SupplierJobID))

	deadline := time.Now().Add(e.cfg.SweepMaxWait)
	for {
		res, err := client.Poll(ctx, acc.SupplierJobID)
		if err != nil {
			e.log.Warn("sweep poll", "job", job.ID, "err", err)
		} else if res.Completed {
			billedSec := job.BilledDurationSec
			if billedSec == 0 && res.DurationSec > 0 {
				billedSec = res.DurationSec
			}
			cost := usage.BillableMinutes(billedSec)
			if err := e.store.CompleteJob(ctx, job.ID, res.Formats, billedSec, cost); err != nil {
				if errors.Is(err, models.ErrTerminalStatus) {
					return nil
				}
				return fmt.Errorf("persist sweep results: %v", err)
			}
			job.BilledDurationSec = billedSec
			if err := e.ledger.ReconcileCompletion(ctx, job); err != nil {
				e.log.Error("reconcile completion", "job", job.ID, "err", err)
			}
			_ = e.store.AppendAudit(ctx, job.ID, "completed", fmt.Sprintf("via sweep, supplier=%s", client.Name()))
			telemetry.JobsCompleted.Inc()
			return nil
		} else if res.Failed {
			return fmt.Errorf("supplier reported failure: %s", res.ErrorReason)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("supplier did not finish within %s", e.cfg.SweepMaxWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.SweepPollWait):
		}
	}
}
