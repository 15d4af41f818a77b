package models

import (
	"time"
)

// Job statuses persisted in Postgres. Transitions only move forward; the
// three terminal statuses are never overwritten.
const (
	StatusQueued       = "queued"
	StatusProcessing   = "processing"
	StatusTranscribing = "transcribing"
	StatusRefining     = "refining"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusCancelled    = "cancelled"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Source kinds accepted at admission.
const (
	SourceYouTube    = "youtube"
	SourceAudioURL   = "audio_url"
	SourceFileUpload = "file_upload"
)

// Model types recorded on usage ledger rows and jobs.
const (
	ModelStandard     = "standard"
	ModelHighAccuracy = "high_accuracy"
	ModelAnonPreview  = "anon_preview"
)

// Funding sources recorded at admission. Reconciliation settles against
// whichever source the estimate was reserved from.
const (
	FundedMonthly = "monthly"
	FundedPool    = "pool"
	FundedNone    = "none"
)

// ResultFormats lists the transcript formats a supplier callback may carry.
var ResultFormats = []string{"txt", "srt", "vtt", "json", "md"}

// Job is one transcription request tracked end-to-end.
type Job struct {
	ID                  string     `json:"id"`
	UserID              *string    `json:"user_id,omitempty"`
	SourceKind          string     `json:"source_kind"`
	SourceRef           string     `json:"source_ref"`
	ContentHash         string     `json:"content_hash"`
	SourceURL           string     `json:"source_url,omitempty"`
	Title               string     `json:"title,omitempty"`
	Language            string     `json:"language,omitempty"`
	ModelType           string     `json:"model_type"`
	Status              string     `json:"status"`
	OriginalDurationSec int        `json:"original_duration_sec"`
	BilledDurationSec   int        `json:"billed_duration_sec"`
	EstimatedMinutes    float64    `json:"estimated_minutes"`
	FundedBy            string     `json:"funded_by"`
	CostMinutes         float64    `json:"cost_minutes"`
	Supplier            string     `json:"supplier,omitempty"`
	ErrorNote           *string    `json:"error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	DeletedAt           *time.Time `json:"-"`
}

// Result is one (job, format) transcript row. Upserted on conflict so a
// duplicate callback leaves exactly one row with the latest content.
type Result struct {
	JobID     string    `json:"job_id"`
	Format    string    `json:"format"`
	Content   []byte    `json:"content"`
	ByteSize  int       `json:"byte_size"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueEntry is a fallback-queue row. At most one active (unpicked) entry
// exists per job; PickedAt is stamped atomically on claim.
type QueueEntry struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"job_id"`
	Tier       string     `json:"tier"`
	Identity   string     `json:"identity"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	PickedAt   *time.Time `json:"picked_at,omitempty"`
	Done       bool       `json:"done"`
}

// UsageRecord is an append-only ledger row; minutes may be zero for
// counted-but-not-metered actions such as anonymous previews.
type UsageRecord struct {
	ID         int64     `json:"id"`
	Identity   string    `json:"identity"`
	DateBucket string    `json:"date_bucket"`
	Minutes    float64   `json:"minutes"`
	ModelType  string    `json:"model_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// MinutesBalance holds a user's prepaid pools. Pools are adjusted with
// guarded atomic updates and never go negative.
type MinutesBalance struct {
	UserID              string  `json:"user_id"`
	StandardMinutes     float64 `json:"standard_minutes"`
	HighAccuracyMinutes float64 `json:"high_accuracy_minutes"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// StagedSource caches a previously staged (video, variant) extraction so a
// repeat submission skips the extractor entirely.
type StagedSource struct {
	VideoID     string    `json:"video_id"`
	Variant     string    `json:"variant"`
	ObjectKey   string    `json:"object_key"`
	DurationSec int       `json:"duration_sec"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
}
