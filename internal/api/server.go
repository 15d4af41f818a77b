package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"transcription-service/internal/config"
	"transcription-service/internal/engine"
	"transcription-service/internal/models"
	"transcription-service/internal/telemetry"
	"transcription-service/internal/upload"
	"transcription-service/internal/usage"
)

// jobReader is the read-side store surface the handlers need.
type jobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetResult(ctx context.Context, jobID, format string) (models.Result, error)
	ListResultFormats(ctx context.Context, jobID string) ([]string, error)
	SoftDelete(ctx context.Context, id string) error
}

// Server wires HTTP handlers for the orchestration API.
type Server struct {
	cfg     config.Config
	engine  *engine.Engine
	store   jobReader
	uploads *upload.Manager
	log     *log.Logger
}

// New constructs the API server.
func New(cfg config.Config, eng *engine.Engine, st jobReader, uploads *upload.Manager, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{cfg: cfg, engine: eng, store: st, uploads: uploads, log: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/transcriptions", s.handleCreate)
		r.Get("/transcriptions/{id}", s.handleStatus)
		r.Post("/transcriptions/{id}/cancel", s.handleCancel)
		r.Delete("/transcriptions/{id}", s.handleDelete)
		r.Get("/transcriptions/{id}/result", s.handleResult)

		r.Post("/callbacks/{supplier}/{id}", s.handleCallbackSuccess)
		r.Post("/callbacks/{supplier}/{id}/failure", s.handleCallbackFailure)

		r.Post("/uploads/presign", s.handlePresign)
		r.Post("/uploads/multipart/init", s.handleMultipartInit)
		r.Post("/uploads/multipart/part", s.handleMultipartPart)
		r.Get("/uploads/multipart/{uploadID}/progress", s.handleMultipartProgress)
		r.Post("/uploads/multipart/complete", s.handleMultipartComplete)
	})

	r.Post("/internal/queue/sweep", s.handleSweep)

	return r
}

type createRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Action  string `json:"action,omitempty"`
	Options struct {
		Language        string `json:"language,omitempty"`
		HighAccuracy    bool   `json:"high_accuracy,omitempty"`
		DurationSeconds int    `json:"duration_seconds,omitempty"`
	} `json:"options"`
}

type createResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	switch req.Type {
	case models.SourceYouTube, models.SourceAudioURL, models.SourceFileUpload:
	default:
		writeError(w, http.StatusBadRequest, "type must be youtube, audio_url, or file_upload")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	preview := req.Action == "preview"
	ident := identityFromRequest(r)
	if ident.Anonymous() && !preview {
		writeError(w, http.StatusUnauthorized, "authentication required outside preview mode")
		return
	}

	job, denied, err := s.engine.Admit(r.Context(), engine.SubmitRequest{
		Identity:            ident,
		SourceKind:          req.Type,
		SourceRef:           req.Content,
		Language:            req.Options.Language,
		HighAccuracy:        req.Options.HighAccuracy,
		Preview:             preview,
		DeclaredDurationSec: req.Options.DurationSeconds,
	})
	if err != nil {
		s.log.Error("admit", "err", err)
		writeError(w, http.StatusInternalServerError, "admission failed")
		return
	}
	if denied != nil {
		writeJSON(w, http.StatusTooManyRequests, denied)
		return
	}

	// Preparation and dispatch run after the 202; outcomes land on the job
	// row for the status endpoint, never on this response.
	timeout := s.cfg.ProcessTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.engine.Process(ctx, job.ID, ident, preview)
	}()

	writeJSON(w, http.StatusAccepted, createResponse{JobID: job.ID, Status: job.Status})
}

type statusResponse struct {
	Status   string         `json:"status"`
	Progress int            `json:"progress"`
	Result   *statusResult  `json:"result,omitempty"`
	Error    *string        `json:"error,omitempty"`
}

type statusResult struct {
	Title               string   `json:"title,omitempty"`
	OriginalDurationSec int      `json:"original_duration_sec"`
	BilledDurationSec   int      `json:"billed_duration_sec"`
	CostMinutes         float64  `json:"cost_minutes"`
	Formats             []string `json:"formats"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	resp := statusResponse{Status: job.Status, Progress: progressFor(job.Status), Error: job.ErrorNote}
	if job.Status == models.StatusCompleted {
		formats, err := s.store.ListResultFormats(r.Context(), job.ID)
		if err != nil {
			s.log.Error("list result formats", "job", job.ID, "err", err)
		}
		resp.Result = &statusResult{
			Title:               job.Title,
			OriginalDurationSec: job.OriginalDurationSec,
			BilledDurationSec:   job.BilledDurationSec,
			CostMinutes:         job.CostMinutes,
			Formats:             formats,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func progressFor(status string) int {
	switch status {
	case models.StatusQueued:
		return 10
	case models.StatusProcessing:
		return 30
	case models.StatusTranscribing:
		return 60
	case models.StatusRefining:
		return 85
	case models.StatusCompleted:
		return 100
	default:
		return 0
	}
}

type cancelResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, changed, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Success: changed, Status: job.Status})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.SoftDelete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

var formatContentTypes = map[string]string{
	"txt":  "text/plain; charset=utf-8",
	"srt":  "application/x-subrip",
	"vtt":  "text/vtt",
	"json": "application/json",
	"md":   "text/markdown; charset=utf-8",
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "txt"
	}
	contentType, ok := formatContentTypes[format]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown format")
		return
	}

	res, err := s.store.GetResult(r.Context(), id, format)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "result not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "result lookup failed")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Content)
}

func (s *Server) handleCallbackSuccess(w http.ResponseWriter, r *http.Request) {
	supplierName := chi.URLParam(r, "supplier")
	jobID := chi.URLParam(r, "id")

	if !s.engine.VerifyCallback(jobID, r.URL.Query().Get("sig")) {
		writeError(w, http.StatusForbidden, "bad signature")
		return
	}

	var payload engine.CallbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	disposition, err := s.engine.HandleSuccess(r.Context(), supplierName, jobID, payload)
	if err != nil {
		s.log.Error("success callback", "job", jobID, "err", err)
		writeError(w, http.StatusInternalServerError, "callback processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": disposition})
}

func (s *Server) handleCallbackFailure(w http.ResponseWriter, r *http.Request) {
	supplierName := chi.URLParam(r, "supplier")
	jobID := chi.URLParam(r, "id")

	if !s.engine.VerifyCallback(jobID, r.URL.Query().Get("sig")) {
		writeError(w, http.StatusForbidden, "bad signature")
		return
	}

	var payload engine.CallbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	disposition, err := s.engine.HandleFailure(r.Context(), supplierName, jobID, payload.Error)
	if err != nil {
		s.log.Error("failure callback", "job", jobID, "err", err)
		writeError(w, http.StatusInternalServerError, "callback processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": disposition})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.engine.Sweep(r.Context())
	if err != nil {
		s.log.Error("sweep", "err", err)
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// identityFromRequest trusts the identity headers the auth proxy injects;
// their absence means an anonymous caller keyed by client address.
func identityFromRequest(r *http.Request) usage.Identity {
	userID := r.Header.Get("X-User-ID")
	tier := r.Header.Get("X-User-Tier")
	if userID != "" {
		if tier == "" {
			tier = usage.TierFree
		}
		return usage.Identity{UserID: userID, Tier: tier}
	}

	addr := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		addr = strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	return usage.Identity{Addr: addr}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
