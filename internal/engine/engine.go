// Package engine coordinates the job pipeline: admission, media
// preparation, supplier dispatch, webhook reconciliation, and the fallback
// queue sweep. All durable state lives in Postgres; nothing here survives
// between requests.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"transcription-service/internal/config"
	"transcription-service/internal/media"
	"transcription-service/internal/models"
	"transcription-service/internal/store"
	"transcription-service/internal/supplier"
	"transcription-service/internal/telemetry"
	"transcription-service/internal/usage"
)

// jobStore is the slice of the store the engine drives.
type jobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	AdvanceStatus(ctx context.Context, id, status string) error
	SetPrepared(ctx context.Context, id, sourceURL, title string, originalSec, billedSec int, costMinutes float64) error
	SetSupplier(ctx context.Context, id, supplierName string) error
	MarkFailed(ctx context.Context, id, note string) error
	MarkCancelled(ctx context.Context, id string) error
	CompleteJob(ctx context.Context, id string, results map[string][]byte, billedSec int, costMinutes float64) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

type fallbackQueue interface {
	Enqueue(ctx context.Context, jobID, tier, identity string) error
	Claim(ctx context.Context) (models.QueueEntry, error)
	MarkDone(ctx context.Context, entryID int64) error
	Depth(ctx context.Context) (int64, error)
}

type admissionLedger interface {
	CheckAndReserve(ctx context.Context, id usage.Identity, estimatedMinutes float64, modelType string) (string, *models.AdmissionDenied, error)
	ReconcileCompletion(ctx context.Context, job models.Job) error
	Limits(id usage.Identity) usage.TierLimits
}

type mediaPreparer interface {
	Prepare(ctx context.Context, job models.Job, limits usage.TierLimits, preview bool) (media.Prepared, error)
}

type supplierRouter interface {
	Route(highAccuracy bool) (supplier.Client, bool, error)
	FallbackEnabled() bool
}

// Engine wires the pipeline.
type Engine struct {
	cfg      config.Config
	store    jobStore
	queue    fallbackQueue
	ledger   admissionLedger
	preparer mediaPreparer
	router   supplierRouter
	log      *log.Logger
}

// New constructs the engine.
func New(cfg config.Config, st jobStore, q fallbackQueue, ledger admissionLedger, prep mediaPreparer, router supplierRouter, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{cfg: cfg, store: st, queue: q, ledger: ledger, preparer: prep, router: router, log: logger}
}

// SubmitRequest is an admission-time job submission.
type SubmitRequest struct {
	Identity            usage.Identity
	SourceKind          string
	SourceRef           string
	Language            string
	HighAccuracy        bool
	Preview             bool
	DeclaredDurationSec int
}

// Admit runs the quota check and, when it passes, creates the job row in
// status queued. A denial is a first-class outcome, not an error.
func (e *Engine) Admit(ctx context.Context, req SubmitRequest) (models.Job, *models.AdmissionDenied, error) {
	modelType := models.ModelStandard
	switch {
	case req.Identity.Anonymous():
		modelType = models.ModelAnonPreview
	case req.HighAccuracy:
		modelType = models.ModelHighAccuracy
	}

	limits := e.ledger.Limits(req.Identity)
	estimate := e.estimateMinutes(req.DeclaredDurationSec, limits, req.Preview)

	fundedBy, denied, err := e.ledger.CheckAndReserve(ctx, req.Identity, estimate, modelType)
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("admission check: %w", err)
	}
	if denied != nil {
		telemetry.AdmissionDenials.Inc()
		return models.Job{}, denied, nil
	}

	var userID *string
	if !req.Identity.Anonymous() {
		uid := req.Identity.UserID
		userID = &uid
	}

	job, err := e.store.CreateJob(ctx, store.CreateJobParams{
		UserID:              userID,
		SourceKind:          req.SourceKind,
		SourceRef:           req.SourceRef,
		ContentHash:         contentHash(req.SourceKind, req.SourceRef),
		Language:            req.Language,
		ModelType:           modelType,
		EstimatedMinutes:    estimate,
		FundedBy:            fundedBy,
		DeclaredDurationSec: req.DeclaredDurationSec,
	})
	if err != nil {
		return models.Job{}, nil, err
	}

	_ = e.store.AppendAudit(ctx, job.ID, "admitted", fmt.Sprintf("identity=%s tier=%s estimate=%.1fmin", req.Identity.Key(), limits.Name, estimate))
	telemetry.JobsAdmitted.Inc()
	return job, nil, nil
}

// estimateMinutes approximates the minutes a job will consume before any
// external call. Declared durations are trusted at this point and settled
// against the measured duration at completion.
func (e *Engine) estimateMinutes(declaredSec int, limits usage.TierLimits, preview bool) float64 {
	clipSec, clipped := media.PlanClip(limits, preview, e.cfg.PreviewClipSec)
	if declaredSec > 0 {
		return usage.BillableMinutes(media.BilledSeconds(declaredSec, clipSec))
	}
	if clipped {
		return usage.BillableMinutes(clipSec)
	}
	return e.cfg.DefaultEstimateMin
}

// Process drives an admitted job through preparation and dispatch. Any
// unrecoverable error lands on the job row, never on the caller.
func (e *Engine) Process(ctx context.Context, jobID string, ident usage.Identity, preview bool) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.log.Error("process: load job", "job", jobID, "err", err)
		return
	}
	if models.IsTerminal(job.Status) {
		return
	}

	if err := e.store.AdvanceStatus(ctx, job.ID, models.StatusProcessing); err != nil {
		if !errors.Is(err, models.ErrTerminalStatus) {
			e.log.Error("process: advance status", "job", job.ID, "err", err)
		}
		return
	}

	limits := e.ledger.Limits(ident)
	prepared, err := e.preparer.Prepare(ctx, job, limits, preview)
	if err != nil {
		e.failJob(ctx, job, "preparation: "+err.Error())
		return
	}

	if err := e.store.SetPrepared(ctx, job.ID, prepared.SourceURL, prepared.Title, prepared.OriginalSec, prepared.BilledSec, prepared.CostMinutes); err != nil {
		e.failJob(ctx, job, "record prepared source: "+err.Error())
		return
	}
	_ = e.store.AppendAudit(ctx, job.ID, "prepared", fmt.Sprintf("original=%ds billed=%ds clipped=%t", prepared.OriginalSec, prepared.BilledSec, prepared.ClipApplied))

	e.dispatch(ctx, job, prepared.SourceURL, limits)
}

// dispatch routes the prepared job to a supplier or the fallback queue.
func (e *Engine) dispatch(ctx context.Context, job models.Job, audioURL string, limits usage.TierLimits) {
	client, fallback, err := e.router.Route(job.ModelType == models.ModelHighAccuracy)
	if err != nil {
		e.failJob(ctx, job, "dispatch: "+err.Error())
		return
	}
	if fallback {
		e.leaveForSweep(ctx, job, limits)
		return
	}

	cbURL := e.callbackURL(client.Name(), job.ID)
	acc, err := client.Submit(ctx, supplier.SubmitRequest{
		JobID:        job.ID,
		AudioURL:     audioURL,
		Language:     job.Language,
		Formats:      models.ResultFormats,
		CallbackURL:  cbURL,
		HighAccuracy: job.ModelType == models.ModelHighAccuracy,
	})
	if err != nil {
		// The supplier being down is not terminal while the queue can
		// still catch the job.
		e.log.Warn("dispatch failed", "job", job.ID, "supplier", client.Name(), "err", err)
		if e.router.FallbackEnabled() {
			e.leaveForSweep(ctx, job, limits)
			return
		}
		e.failJob(ctx, job, "dispatch: "+err.Error())
		return
	}

	_ = e.store.SetSupplier(ctx, job.ID, client.Name())
	if err := e.store.AdvanceStatus(ctx, job.ID, models.StatusTranscribing); err != nil && !errors.Is(err, models.ErrTerminalStatus) {
		e.log.Error("advance to transcribing", "job", job.ID, "err", err)
	}
	_ = e.store.AppendAudit(ctx, job.ID, "dispatched", fmt.Sprintf("supplier=%s supplier_job=%s", client.Name(), acc.SupplierJobID))
	telemetry.DispatchCounter.Inc()
}

func (e *Engine) leaveForSweep(ctx context.Context, job models.Job, limits usage.TierLimits) {
	identity := ""
	if job.UserID != nil {
		identity = "user:" + *job.UserID
	}
	if err := e.queue.Enqueue(ctx, job.ID, limits.Name, identity); err != nil {
		e.failJob(ctx, job, "enqueue fallback: "+err.Error())
		return
	}
	_ = e.store.AppendAudit(ctx, job.ID, "fallback_enqueued", "no webhook dispatch path, waiting for sweep")
	telemetry.FallbackEnqueues.Inc()
	e.refreshQueueDepth(ctx)
}

func (e *Engine) failJob(ctx context.Context, job models.Job, note string) {
	if err := e.store.MarkFailed(ctx, job.ID, note); err != nil {
		if errors.Is(err, models.ErrTerminalStatus) {
			return
		}
		e.log.Error("mark failed", "job", job.ID, "err", err)
		return
	}
	_ = e.store.AppendAudit(ctx, job.ID, "failed", note)
	telemetry.JobsFailed.Inc()
	e.refundEstimate(ctx, job)
}

// refundEstimate settles a job that never consumed supplier minutes: the
// reconciliation sees zero billed seconds and credits the estimate back.
func (e *Engine) refundEstimate(ctx context.Context, job models.Job) {
	job.BilledDurationSec = 0
	if err := e.ledger.ReconcileCompletion(ctx, job); err != nil {
		e.log.Error("refund estimate", "job", job.ID, "err", err)
	}
}

// Cancel marks a job cancelled unless already terminal. Cancelling a
// terminal job is a no-op, not an error; the current status is returned
// either way.
func (e *Engine) Cancel(ctx context.Context, jobID string) (models.Job, bool, error) {
	err := e.store.MarkCancelled(ctx, jobID)
	switch {
	case err == nil:
		_ = e.store.AppendAudit(ctx, jobID, "cancelled", "cancel requested via API")
		job, gerr := e.store.GetJob(ctx, jobID)
		return job, true, gerr
	case errors.Is(err, models.ErrTerminalStatus):
		job, gerr := e.store.GetJob(ctx, jobID)
		return job, false, gerr
	default:
		return models.Job{}, false, err
	}
}

func (e *Engine) callbackURL(supplierName, jobID string) string {
	return fmt.Sprintf("%s/v1/callbacks/%s/%s?sig=%s", e.cfg.CallbackBaseURL, supplierName, jobID, supplier.Sign(e.cfg.CallbackSecret, jobID))
}

func (e *Engine) refreshQueueDepth(ctx context.Context) {
	if depth, err := e.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func contentHash(kind, ref string) string {
	sum := sha256.Sum256([]byte(kind + "|" + ref))
	return hex.EncodeToString(sum[:])
}
