// Package upload implements the direct-to-storage staged upload protocol:
// a single presigned PUT for small files, multipart for large ones.
package upload

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"transcription-service/internal/storage"
)

// Upload modes reported to the client.
const (
	ModeSingle    = "single"
	ModeMultipart = "multipart"
)

var (
	ErrEmptyManifest    = errors.New("part manifest is empty")
	ErrManifestOrder    = errors.New("part manifest must be in ascending part-number order")
	ErrManifestGap      = errors.New("part manifest has missing parts")
	ErrManifestMismatch = errors.New("part manifest does not cover the declared upload")
	ErrUnknownUpload    = errors.New("upload is not tracked")
)

// blobStore is the slice of the storage client the manager needs.
type blobStore interface {
	PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error)
	CreateMultipart(ctx context.Context, key, contentType string) (string, error)
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, expiry time.Duration) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// Manager selects and drives the upload mode. Multipart uploads stay
// tracked from init until complete or abort so clients can report finished
// parts and poll overall progress.
type Manager struct {
	blob      blobStore
	threshold int64
	partSize  int64
	expiry    time.Duration

	mu       sync.Mutex
	tracking map[string]*Progress
}

// NewManager builds a manager. threshold decides single vs multipart,
// partSize the multipart chunking.
func NewManager(blob blobStore, threshold, partSize int64, expiry time.Duration) *Manager {
	if partSize <= 0 {
		partSize = 16 * 1024 * 1024
	}
	return &Manager{blob: blob, threshold: threshold, partSize: partSize, expiry: expiry, tracking: make(map[string]*Progress)}
}

// PartURL is one presigned part PUT.
type PartURL struct {
	PartNumber int32  `json:"part_number"`
	URL        string `json:"url"`
}

// InitResult describes how the client should upload.
type InitResult struct {
	Mode      string    `json:"mode"`
	Key       string    `json:"key"`
	URL       string    `json:"url,omitempty"`
	UploadID  string    `json:"upload_id,omitempty"`
	PartSize  int64     `json:"part_size,omitempty"`
	PartCount int       `json:"part_count,omitempty"`
	Parts     []PartURL `json:"parts,omitempty"`
}

// Init picks single-PUT or multipart by size and mints the presigned URLs.
func (m *Manager) Init(ctx context.Context, filename string, size int64, contentType string) (InitResult, error) {
	if size <= 0 {
		return InitResult{}, errors.New("file size must be positive")
	}
	key := objectKey(filename)

	if size < m.threshold {
		url, err := m.blob.PresignPut(ctx, key, contentType, m.expiry)
		if err != nil {
			return InitResult{}, err
		}
		return InitResult{Mode: ModeSingle, Key: key, URL: url}, nil
	}

	uploadID, err := m.blob.CreateMultipart(ctx, key, contentType)
	if err != nil {
		return InitResult{}, err
	}

	partCount := int((size + m.partSize - 1) / m.partSize)
	parts := make([]PartURL, 0, partCount)
	for n := 1; n <= partCount; n++ {
		url, err := m.blob.PresignUploadPart(ctx, key, uploadID, int32(n), m.expiry)
		if err != nil {
			_ = m.blob.AbortMultipart(ctx, key, uploadID)
			return InitResult{}, err
		}
		parts = append(parts, PartURL{PartNumber: int32(n), URL: url})
	}

	m.mu.Lock()
	m.tracking[uploadID] = NewProgress(partCount)
	m.mu.Unlock()

	return InitResult{
		Mode:      ModeMultipart,
		Key:       key,
		UploadID:  uploadID,
		PartSize:  m.partSize,
		PartCount: partCount,
		Parts:     parts,
	}, nil
}

// RecordPart notes one finished part of an in-flight multipart upload and
// returns the overall percentage. Duplicate reports are harmless.
func (m *Manager) RecordPart(uploadID string, partNumber int32) (int, error) {
	m.mu.Lock()
	p, ok := m.tracking[uploadID]
	m.mu.Unlock()
	if !ok {
		return 0, ErrUnknownUpload
	}
	return p.MarkPart(partNumber), nil
}

// UploadProgress reports the percentage of an in-flight multipart upload.
// Completed and aborted uploads are no longer tracked.
func (m *Manager) UploadProgress(uploadID string) (int, error) {
	m.mu.Lock()
	p, ok := m.tracking[uploadID]
	m.mu.Unlock()
	if !ok {
		return 0, ErrUnknownUpload
	}
	return p.Percent(), nil
}

func (m *Manager) stopTracking(uploadID string) {
	m.mu.Lock()
	delete(m.tracking, uploadID)
	m.mu.Unlock()
}

// Complete finishes a multipart upload. The manifest must arrive in strict
// ascending order, contiguous from part 1, and cover expectedParts when the
// caller declares it; anything else fails deterministically rather than
// silently truncating the object. Retrying with the same manifest is safe.
func (m *Manager) Complete(ctx context.Context, key, uploadID string, parts []storage.CompletedPart, expectedParts int) error {
	if err := ValidateManifest(parts, expectedParts); err != nil {
		return err
	}
	if err := m.blob.CompleteMultipart(ctx, key, uploadID, parts); err != nil {
		return err
	}
	m.stopTracking(uploadID)
	return nil
}

// Abort discards an in-progress multipart upload.
func (m *Manager) Abort(ctx context.Context, key, uploadID string) error {
	m.stopTracking(uploadID)
	return m.blob.AbortMultipart(ctx, key, uploadID)
}

// ValidateManifest checks ordering and contiguity of a part manifest.
func ValidateManifest(parts []storage.CompletedPart, expectedParts int) error {
	if len(parts) == 0 {
		return ErrEmptyManifest
	}
	for i, p := range parts {
		if int(p.PartNumber) != i+1 {
			if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
				return ErrManifestOrder
			}
			return ErrManifestGap
		}
	}
	if expectedParts > 0 && len(parts) != expectedParts {
		return ErrManifestMismatch
	}
	return nil
}

func objectKey(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, base)
	if base == "" || base == "." {
		base = "upload.bin"
	}
	return fmt.Sprintf("uploads/%s/%s", uuid.New().String(), base)
}
