// Package media turns a submitted reference (YouTube id, direct URL, staged
// upload) into a stable, supplier-reachable audio URL: resolution, tier
// clipping, staging into blob storage, and link verification.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"transcription-service/internal/config"
	"transcription-service/internal/models"
	"transcription-service/internal/retry"
	"transcription-service/internal/usage"
)

// blobStager is the slice of the storage client staging needs.
type blobStager interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	PutStream(ctx context.Context, key string, body io.Reader, length int64, contentType string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// sourceCache looks up and records staged (video, variant) extractions.
type sourceCache interface {
	GetStagedSource(ctx context.Context, videoID, variant string) (models.StagedSource, bool, error)
	PutStagedSource(ctx context.Context, ss models.StagedSource) error
}

// resolver re-resolves short-lived extraction links.
type resolver interface {
	Resolve(ctx context.Context, videoID string, clipSec int) (ExtractResult, error)
}

// Prepared is the outcome handed to the dispatch router.
type Prepared struct {
	SourceURL   string
	ObjectKey   string // empty when the source is consumed in place
	Title       string
	OriginalSec int
	BilledSec   int
	ClipApplied bool
	CostMinutes float64
}

// Preparer resolves and stages job sources.
type Preparer struct {
	cfg        config.Config
	blob       blobStager
	cache      sourceCache
	extractor  resolver
	clipper    Clipper
	httpClient *http.Client
	policy     retry.Policy
	onRetry    func()
	log        *log.Logger
}

// NewPreparer wires the preparer. onRetry is invoked per transient staging
// retry for telemetry; nil is fine.
func NewPreparer(cfg config.Config, blob blobStager, cache sourceCache, extractor resolver, clipper Clipper, onRetry func(), logger *log.Logger) *Preparer {
	if logger == nil {
		logger = log.Default()
	}
	if onRetry == nil {
		onRetry = func() {}
	}
	p := &Preparer{
		cfg:        cfg,
		blob:       blob,
		cache:      cache,
		extractor:  extractor,
		clipper:    clipper,
		httpClient: &http.Client{Timeout: cfg.DownloadTimeout},
		onRetry:    onRetry,
		log:        logger,
	}
	p.policy = retry.Policy{
		MaxAttempts: cfg.StageMaxAttempts,
		BaseDelay:   cfg.StageBackoff,
		Retryable:   stagingRetryable,
		OnRetry: func(attempt int, err error) {
			p.onRetry()
			logger.Warn("staging retry", "attempt", attempt, "err", err)
		},
	}
	return p
}

// Prepare produces a supplier-reachable URL for the job's source.
// Failures come back as *models.PreparationError carrying the stage.
func (p *Preparer) Prepare(ctx context.Context, job models.Job, limits usage.TierLimits, preview bool) (Prepared, error) {
	switch job.SourceKind {
	case models.SourceYouTube:
		return p.prepareYouTube(ctx, job, limits, preview)
	case models.SourceAudioURL:
		return p.prepareAudioURL(ctx, job, limits, preview)
	case models.SourceFileUpload:
		return p.prepareUpload(ctx, job, limits, preview)
	default:
		return Prepared{}, models.NewPreparationError(models.StageExtract, fmt.Errorf("unknown source kind %q", job.SourceKind))
	}
}

func (p *Preparer) prepareYouTube(ctx context.Context, job models.Job, limits usage.TierLimits, preview bool) (Prepared, error) {
	videoID, err := ParseVideoID(job.SourceRef)
	if err != nil {
		return Prepared{}, models.NewPreparationError(models.StageExtract, err)
	}

	clipSec, clipped := PlanClip(limits, preview, p.cfg.PreviewClipSec)
	variant := "full"
	if clipped {
		variant = fmt.Sprintf("clip%d", clipSec)
	}

	// A previously staged (video, variant) object skips extraction entirely.
	if cached, found, err := p.cache.GetStagedSource(ctx, videoID, variant); err == nil && found {
		url, perr := p.blob.PresignGet(ctx, cached.ObjectKey, p.cfg.PresignGetExpiry)
		if perr != nil {
			return Prepared{}, models.NewPreparationError(models.StageStage, perr)
		}
		billed := BilledSeconds(cached.DurationSec, clipSec)
		return Prepared{
			SourceURL:   url,
			ObjectKey:   cached.ObjectKey,
			Title:       cached.Title,
			OriginalSec: cached.DurationSec,
			BilledSec:   billed,
			ClipApplied: clipped,
			CostMinutes: usage.BillableMinutes(billed),
		}, nil
	} else if err != nil {
		p.log.Warn("staged source lookup failed", "video", videoID, "err", err)
	}

	res, err := p.extractor.Resolve(ctx, videoID, clipSec)
	if err != nil {
		return Prepared{}, models.NewPreparationError(models.StageExtract, err)
	}

	if err := CheckDuration(limits, res.DurationSec, clipSec); err != nil {
		return Prepared{}, err
	}

	audioURL, err := p.verifyWithReresolve(ctx, res.AudioURL, func(ctx context.Context) (string, error) {
		fresh, rerr := p.extractor.Resolve(ctx, videoID, clipSec)
		if rerr != nil {
			return "", rerr
		}
		return fresh.AudioURL, nil
	})
	if err != nil {
		return Prepared{}, err
	}

	key := fmt.Sprintf("staged/%s/%s.mp3", videoID, variant)
	if err := p.stageFromURL(ctx, key, audioURL); err != nil {
		return Prepared{}, models.NewPreparationError(models.StageStage, err)
	}

	if err := p.cache.PutStagedSource(ctx, models.StagedSource{
		VideoID:     videoID,
		Variant:     variant,
		ObjectKey:   key,
		DurationSec: res.DurationSec,
		Title:       res.Title,
	}); err != nil {
		p.log.Warn("record staged source failed", "video", videoID, "err", err)
	}

	url, err := p.blob.PresignGet(ctx, key, p.cfg.PresignGetExpiry)
	if err != nil {
		return Prepared{}, models.NewPreparationError(models.StageStage, err)
	}

	billed := BilledSeconds(res.DurationSec, clipSec)
	return Prepared{
		SourceURL:   url,
		ObjectKey:   key,
		Title:       res.Title,
		OriginalSec: res.DurationSec,
		BilledSec:   billed,
		ClipApplied: clipped,
		CostMinutes: usage.BillableMinutes(billed),
	}, nil
}

func (p *Preparer) prepareAudioURL(ctx context.Context, job models.Job, limits usage.TierLimits, preview bool) (Prepared, error) {
	clipSec, clipped := PlanClip(limits, preview, p.cfg.PreviewClipSec)
	original := job.OriginalDurationSec // declared by the caller, may be zero

	if err := CheckDuration(limits, original, clipSec); err != nil {
		return Prepared{}, err
	}

	if clipped {
		key := fmt.Sprintf("jobs/%s/preview.mp3", job.ID)
		if err := p.clipAndStage(ctx, key, job.SourceRef, clipSec); err != nil {
			return Prepared{}, err
		}
		url, err := p.blob.PresignGet(ctx, key, p.cfg.PresignGetExpiry)
		if err != nil {
			return Prepared{}, models.NewPreparationError(models.StageStage, err)
		}
		billed := BilledSeconds(original, clipSec)
		return Prepared{
			SourceURL:   url,
			ObjectKey:   key,
			OriginalSec: original,
			BilledSec:   billed,
			ClipApplied: true,
			CostMinutes: usage.BillableMinutes(billed),
		}, nil
	}

	// Direct public URL consumed in place; a single probe is still owed to
	// the supplier before dispatch.
	if err := p.probe(ctx, job.SourceRef); err != nil {
		return Prepared{}, models.NewPreparationError(models.StageVerify, models.ErrManualUploadRequired)
	}
	return Prepared{
		SourceURL:   job.SourceRef,
		OriginalSec: original,
		BilledSec:   original,
		CostMinutes: usage.BillableMinutes(original),
	}, nil
}

func (p *Preparer) prepareUpload(ctx context.Context, job models.Job, limits usage.TierLimits, preview bool) (Prepared, error) {
	clipSec, clipped := PlanClip(limits, preview, p.cfg.PreviewClipSec)
	original := job.OriginalDurationSec

	if err := CheckDuration(limits, original, clipSec); err != nil {
		return Prepared{}, err
	}

	srcURL, err := p.blob.PresignGet(ctx, job.SourceRef, p.cfg.PresignGetExpiry)
	if err != nil {
		return Prepared{}, models.NewPreparationError(models.StageStage, err)
	}

	if clipped {
		key := fmt.Sprintf("jobs/%s/preview.mp3", job.ID)
		if err := p.clipAndStage(ctx, key, srcURL, clipSec); err != nil {
			return Prepared{}, err
		}
		srcURL, err = p.blob.PresignGet(ctx, key, p.cfg.PresignGetExpiry)
		if err != nil {
			return Prepared{}, models.NewPreparationError(models.StageStage, err)
		}
		billed := BilledSeconds(original, clipSec)
		return Prepared{
			SourceURL:   srcURL,
			ObjectKey:   key,
			OriginalSec: original,
			BilledSec:   billed,
			ClipApplied: true,
			CostMinutes: usage.BillableMinutes(billed),
		}, nil
	}

	return Prepared{
		SourceURL:   srcURL,
		ObjectKey:   job.SourceRef,
		OriginalSec: original,
		BilledSec:   original,
		CostMinutes: usage.BillableMinutes(original),
	}, nil
}

func (p *Preparer) clipAndStage(ctx context.Context, key, sourceURL string, clipSec int) error {
	if p.clipper == nil {
		return models.NewPreparationError(models.StageClip, errors.New("no clipper configured"))
	}
	localPath, err := p.clipper.Clip(ctx, sourceURL, clipSec)
	if err != nil {
		return models.NewPreparationError(models.StageClip, err)
	}
	defer os.Remove(localPath)

	if err := p.stageFromFile(ctx, key, localPath); err != nil {
		return models.NewPreparationError(models.StageStage, err)
	}
	return nil
}

func (p *Preparer) stageFromFile(ctx context.Context, key, localPath string) error {
	return p.policy.Do(ctx, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		return p.blob.PutStream(ctx, key, f, info.Size(), "audio/mpeg")
	})
}

// stageFromURL downloads the source and uploads it to blob storage. The
// streamed path is used whenever the upstream declares a length; otherwise
// the body is buffered (bounded) before a single-shot put.
func (p *Preparer) stageFromURL(ctx context.Context, key, sourceURL string) error {
	return p.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
		if err != nil {
			return err
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			return &httpStatusError{Code: resp.StatusCode}
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "audio/mpeg"
		}

		if resp.ContentLength > 0 {
			return p.blob.PutStream(ctx, key, resp.Body, resp.ContentLength, contentType)
		}

		limited := io.LimitReader(resp.Body, p.cfg.MaxBufferBytes+1)
		body, err := io.ReadAll(limited)
		if err != nil {
			return err
		}
		if int64(len(body)) > p.cfg.MaxBufferBytes {
			return fmt.Errorf("source too large to buffer (>%d bytes)", p.cfg.MaxBufferBytes)
		}
		return p.blob.Put(ctx, key, body, contentType)
	})
}

// verifyWithReresolve probes the link and, when the probe fails, asks the
// upstream for a fresh one a bounded number of times. Extraction links
// expire and get geo/token-restricted; giving up surfaces a manual-upload
// error instead of a supplier-side mystery.
func (p *Preparer) verifyWithReresolve(ctx context.Context, link string, reresolve func(ctx context.Context) (string, error)) (string, error) {
	if err := p.probe(ctx, link); err == nil {
		return link, nil
	}
	for i := 0; i < p.cfg.ProbeMaxResolves; i++ {
		fresh, err := reresolve(ctx)
		if err != nil {
			continue
		}
		if err := p.probe(ctx, fresh); err == nil {
			return fresh, nil
		}
	}
	return "", models.NewPreparationError(models.StageVerify, models.ErrManualUploadRequired)
}

// probe issues a two-byte ranged GET with a short timeout.
func (p *Preparer) probe(ctx context.Context, link string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", "bytes=0-1")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2))

	if resp.StatusCode >= http.StatusBadRequest {
		return &httpStatusError{Code: resp.StatusCode}
	}
	return nil
}

type httpStatusError struct {
	Code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Code)
}

func stagingRetryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return retry.TransientHTTPStatus(statusErr.Code)
	}
	// Network-level failures (timeouts, resets) carry no status; retry them.
	return true
}
