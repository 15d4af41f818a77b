package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"transcription-service/internal/storage"
)

type fakeBlob struct {
	completed []storage.CompletedPart
	aborted   bool
	partErrAt int32
}

func (f *fakeBlob) PresignPut(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://blob.test/put/" + key, nil
}

func (f *fakeBlob) CreateMultipart(context.Context, string, string) (string, error) {
	return "upload-123", nil
}

func (f *fakeBlob) PresignUploadPart(_ context.Context, key, uploadID string, partNumber int32, _ time.Duration) (string, error) {
	if f.partErrAt > 0 && partNumber == f.partErrAt {
		return "", errors.New("presign part failed")
	}
	return fmt.Sprintf("https://blob.test/part/%s/%s/%d", key, uploadID, partNumber), nil
}

func (f *fakeBlob) CompleteMultipart(_ context.Context, _, _ string, parts []storage.CompletedPart) error {
	f.completed = parts
	return nil
}

func (f *fakeBlob) AbortMultipart(context.Context, string, string) error {
	f.aborted = true
	return nil
}

const (
	testThreshold = 100 * 1024 * 1024
	testPartSize  = 16 * 1024 * 1024
)

func TestInitSelectsSingleBelowThreshold(t *testing.T) {
	m := NewManager(&fakeBlob{}, testThreshold, testPartSize, time.Hour)

	res, err := m.Init(context.Background(), "talk.mp3", 5*1024*1024, "audio/mpeg")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeSingle {
		t.Fatalf("mode = %q, want single", res.Mode)
	}
	if res.URL == "" || res.UploadID != "" || len(res.Parts) != 0 {
		t.Fatalf("single-mode result malformed: %+v", res)
	}
	if !strings.HasPrefix(res.Key, "uploads/") || !strings.HasSuffix(res.Key, "/talk.mp3") {
		t.Fatalf("key = %q", res.Key)
	}
}

func TestInitSelectsMultipartAtThreshold(t *testing.T) {
	m := NewManager(&fakeBlob{}, testThreshold, testPartSize, time.Hour)

	size := int64(150 * 1024 * 1024)
	res, err := m.Init(context.Background(), "big.wav", size, "audio/wav")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeMultipart {
		t.Fatalf("mode = %q, want multipart", res.Mode)
	}
	wantParts := 10 // ceil(150MiB / 16MiB)
	if res.PartCount != wantParts || len(res.Parts) != wantParts {
		t.Fatalf("part count = %d (%d urls), want %d", res.PartCount, len(res.Parts), wantParts)
	}
	for i, p := range res.Parts {
		if p.PartNumber != int32(i+1) || p.URL == "" {
			t.Fatalf("part %d malformed: %+v", i, p)
		}
	}
	if res.UploadID != "upload-123" || res.PartSize != testPartSize {
		t.Fatalf("multipart result malformed: %+v", res)
	}
}

func TestInitAbortsOnPresignFailure(t *testing.T) {
	blob := &fakeBlob{partErrAt: 3}
	m := NewManager(blob, testThreshold, testPartSize, time.Hour)

	_, err := m.Init(context.Background(), "big.wav", 150*1024*1024, "audio/wav")
	if err == nil {
		t.Fatal("want error")
	}
	if !blob.aborted {
		t.Fatal("failed init must abort the multipart upload")
	}
}

func TestInitSanitizesFilename(t *testing.T) {
	m := NewManager(&fakeBlob{}, testThreshold, testPartSize, time.Hour)

	res, err := m.Init(context.Background(), "../../etc/pass wd?.mp3", 1024, "audio/mpeg")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.Key, "..") || strings.Contains(res.Key, " ") || strings.Contains(res.Key, "?") {
		t.Fatalf("key not sanitized: %q", res.Key)
	}
}

func TestValidateManifest(t *testing.T) {
	parts := func(nums ...int32) []storage.CompletedPart {
		out := make([]storage.CompletedPart, len(nums))
		for i, n := range nums {
			out[i] = storage.CompletedPart{PartNumber: n, ETag: fmt.Sprintf("etag-%d", n)}
		}
		return out
	}

	tests := []struct {
		name     string
		parts    []storage.CompletedPart
		expected int
		wantErr  error
	}{
		{"valid", parts(1, 2, 3), 3, nil},
		{"valid without declared count", parts(1, 2), 0, nil},
		{"empty", nil, 0, ErrEmptyManifest},
		{"duplicate part", parts(1, 2, 2), 3, ErrManifestOrder},
		{"regressing part", parts(1, 2, 1), 3, ErrManifestOrder},
		{"gap", parts(1, 3), 0, ErrManifestGap},
		{"missing from start", parts(2, 3), 0, ErrManifestGap},
		{"short of declared count", parts(1, 2), 3, ErrManifestMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateManifest(tt.parts, tt.expected)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateManifest = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompleteRejectsBadManifest(t *testing.T) {
	blob := &fakeBlob{}
	m := NewManager(blob, testThreshold, testPartSize, time.Hour)

	err := m.Complete(context.Background(), "uploads/x/a.mp3", "upload-123",
		[]storage.CompletedPart{{PartNumber: 2, ETag: "e2"}}, 0)
	if !errors.Is(err, ErrManifestGap) {
		t.Fatalf("want ErrManifestGap, got %v", err)
	}
	if blob.completed != nil {
		t.Fatal("bad manifest must not reach storage")
	}

	good := []storage.CompletedPart{{PartNumber: 1, ETag: "e1"}, {PartNumber: 2, ETag: "e2"}}
	if err := m.Complete(context.Background(), "uploads/x/a.mp3", "upload-123", good, 2); err != nil {
		t.Fatal(err)
	}
	if len(blob.completed) != 2 {
		t.Fatalf("completed parts = %d, want 2", len(blob.completed))
	}
}

func TestRecordPartReportsProgress(t *testing.T) {
	m := NewManager(&fakeBlob{}, testThreshold, testPartSize, time.Hour)

	res, err := m.Init(context.Background(), "big.wav", 150*1024*1024, "audio/wav")
	if err != nil {
		t.Fatal(err)
	}

	pct, err := m.RecordPart(res.UploadID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if pct != 10 {
		t.Fatalf("after part 1: %d, want 10", pct)
	}
	// Duplicate report does not move the number.
	if pct, _ = m.RecordPart(res.UploadID, 1); pct != 10 {
		t.Fatalf("after duplicate part 1: %d, want 10", pct)
	}
	if pct, _ = m.RecordPart(res.UploadID, 2); pct != 20 {
		t.Fatalf("after part 2: %d, want 20", pct)
	}
	if pct, err = m.UploadProgress(res.UploadID); err != nil || pct != 20 {
		t.Fatalf("UploadProgress = %d, %v", pct, err)
	}

	if _, err := m.RecordPart("no-such-upload", 1); !errors.Is(err, ErrUnknownUpload) {
		t.Fatalf("unknown upload err = %v", err)
	}
}

func TestCompleteStopsTracking(t *testing.T) {
	m := NewManager(&fakeBlob{}, testThreshold, testPartSize, time.Hour)

	res, err := m.Init(context.Background(), "big.wav", 150*1024*1024, "audio/wav")
	if err != nil {
		t.Fatal(err)
	}
	parts := make([]storage.CompletedPart, 0, res.PartCount)
	for n := 1; n <= res.PartCount; n++ {
		parts = append(parts, storage.CompletedPart{PartNumber: int32(n), ETag: fmt.Sprintf("etag-%d", n)})
	}
	if err := m.Complete(context.Background(), res.Key, res.UploadID, parts, res.PartCount); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UploadProgress(res.UploadID); !errors.Is(err, ErrUnknownUpload) {
		t.Fatalf("finished upload still tracked: %v", err)
	}
}

func TestAbortStopsTracking(t *testing.T) {
	blob := &fakeBlob{}
	m := NewManager(blob, testThreshold, testPartSize, time.Hour)

	res, err := m.Init(context.Background(), "big.wav", 150*1024*1024, "audio/wav")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Abort(context.Background(), res.Key, res.UploadID); err != nil {
		t.Fatal(err)
	}
	if !blob.aborted {
		t.Fatal("abort did not reach the blob store")
	}
	if _, err := m.UploadProgress(res.UploadID); !errors.Is(err, ErrUnknownUpload) {
		t.Fatalf("aborted upload still tracked: %v", err)
	}
}

func TestProgressMonotonic(t *testing.T) {
	p := NewProgress(4)

	if got := p.MarkPart(1); got != 25 {
		t.Fatalf("after part 1: %d, want 25", got)
	}
	if got := p.MarkPart(3); got != 50 {
		t.Fatalf("after part 3: %d, want 50", got)
	}
	// Duplicate report does not move the number.
	if got := p.MarkPart(1); got != 50 {
		t.Fatalf("after duplicate part 1: %d, want 50", got)
	}
	p.MarkPart(2)
	if got := p.MarkPart(4); got != 100 {
		t.Fatalf("after all parts: %d, want 100", got)
	}
	if p.Percent() != 100 {
		t.Fatalf("Percent = %d", p.Percent())
	}
}
