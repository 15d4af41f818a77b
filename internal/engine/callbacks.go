package engine

import (
	"context"
	"errors"
	"fmt"

	"transcription-service/internal/models"
	"transcription-service/internal/supplier"
	"transcription-service/internal/telemetry"
	"transcription-service/internal/usage"
)

// CallbackPayload is the body either supplier posts back.
type CallbackPayload struct {
	DurationSeconds int               `json:"duration_seconds"`
	Results         map[string]string `json:"results,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Callback dispositions, for handlers and tests.
const (
	CallbackApplied   = "applied"
	CallbackDuplicate = "duplicate"
	CallbackUnknown   = "unknown_job"
	CallbackRejected  = "bad_signature"
)

// VerifyCallback checks the signature a dispatch embedded in the callback
// URL. An empty signature is rejected outright.
func (e *Engine) VerifyCallback(jobID, sig string) bool {
	if sig == "" {
		return false
	}
	return supplier.VerifySignature(e.cfg.CallbackSecret, jobID, sig)
}

// HandleSuccess reconciles a success webhook. It is idempotent per job:
// results are persisted before the status flips, and a job already
// terminal is acknowledged without mutation. Unknown jobs are acknowledged
// too, since suppliers retry forever on non-2xx, but logged and counted.
func (e *Engine) HandleSuccess(ctx context.Context, supplierName, jobID string, payload CallbackPayload) (string, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			e.log.Warn("success callback for unknown job", "job", jobID, "supplier", supplierName)
			telemetry.CallbackUnknown.Inc()
			return CallbackUnknown, nil
		}
		return "", err
	}
	if models.IsTerminal(job.Status) {
		telemetry.CallbackDuplicate.Inc()
		return CallbackDuplicate, nil
	}

	results := make(map[string][]byte, len(payload.Results))
	for format, content := range payload.Results {
		if validFormat(format) {
			results[format] = []byte(content)
		}
	}
	if len(results) == 0 {
		return "", fmt.Errorf("success callback for job %s carried no usable results", jobID)
	}

	billedSec := job.BilledDurationSec
	if billedSec == 0 && payload.DurationSeconds > 0 {
		// Preparation never learned a duration; trust the supplier's
		// measurement.
		billedSec = payload.DurationSeconds
	}
	cost := usage.BillableMinutes(billedSec)

	if err := e.store.CompleteJob(ctx, jobID, results, billedSec, cost); err != nil {
		if errors.Is(err, models.ErrTerminalStatus) {
			telemetry.CallbackDuplicate.Inc()
			return CallbackDuplicate, nil
		}
		return "", err
	}

	job.BilledDurationSec = billedSec
	if err := e.ledger.ReconcileCompletion(ctx, job); err != nil {
		e.log.Error("reconcile completion", "job", jobID, "err", err)
	}

	_ = e.store.AppendAudit(ctx, jobID, "completed", fmt.Sprintf("supplier=%s formats=%d billed=%ds", supplierName, len(results), billedSec))
	telemetry.JobsCompleted.Inc()
	return CallbackApplied, nil
}

// HandleFailure reconciles a failure webhook with the same idempotence and
// unknown-job tolerance as HandleSuccess.
func (e *Engine) HandleFailure(ctx context.Context, supplierName, jobID, reason string) (string, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			e.log.Warn("failure callback for unknown job", "job", jobID, "supplier", supplierName)
			telemetry.CallbackUnknown.Inc()
			return CallbackUnknown, nil
		}
		return "", err
	}
	if models.IsTerminal(job.Status) {
		telemetry.CallbackDuplicate.Inc()
		return CallbackDuplicate, nil
	}

	if reason == "" {
		reason = "supplier reported failure"
	}
	if err := e.store.MarkFailed(ctx, jobID, reason); err != nil {
		if errors.Is(err, models.ErrTerminalStatus) {
			telemetry.CallbackDuplicate.Inc()
			return CallbackDuplicate, nil
		}
		return "", err
	}

	_ = e.store.AppendAudit(ctx, jobID, "failed", fmt.Sprintf("supplier=%s reason=%s", supplierName, reason))
	telemetry.JobsFailed.Inc()
	e.refundEstimate(ctx, job)
	return CallbackApplied, nil
}

func validFormat(format string) bool {
	for _, f := range models.ResultFormats {
		if f == format {
			return true
		}
	}
	return false
}
