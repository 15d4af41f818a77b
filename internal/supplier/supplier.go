// Package supplier holds the adapters for the third-party transcription
// HTTP APIs. Both families sit behind one Client interface so the dispatch
// router selects by configuration instead of duplicating call sites.
package supplier

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Supplier family names used in configuration and on job rows.
const (
	FamilyStandard  = "standard"
	FamilyPrecision = "precision"
)

// SubmitRequest carries everything a supplier needs to start a job.
type SubmitRequest struct {
	JobID        string
	AudioURL     string
	Language     string
	Formats      []string
	CallbackURL  string // empty for the synchronous poll path
	HighAccuracy bool
}

// Acceptance is the supplier's acknowledgment of a submitted job.
type Acceptance struct {
	SupplierJobID string
}

// Result is a finished transcription fetched over the poll path.
type Result struct {
	Completed   bool
	Failed      bool
	ErrorReason string
	DurationSec int
	Formats     map[string][]byte
}

// Client is one supplier family.
type Client interface {
	Name() string
	HighAccuracy() bool
	Submit(ctx context.Context, req SubmitRequest) (Acceptance, error)
	// Poll fetches the state of a previously submitted job; used by the
	// fallback sweep, which has no webhook path.
	Poll(ctx context.Context, supplierJobID string) (Result, error)
}

// Sign binds a job id to the shared callback secret. The signature rides
// the callback URL so the reconciler can reject forged callbacks.
func Sign(secret, jobID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(jobID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a callback signature in constant time.
func VerifySignature(secret, jobID, sig string) bool {
	expected := Sign(secret, jobID)
	return hmac.Equal([]byte(expected), []byte(sig))
}
