package supplier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	sig := Sign("secret", "job-1")
	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(sig))
	}
	if !VerifySignature("secret", "job-1", sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature("secret", "job-2", sig) {
		t.Fatal("signature accepted for another job")
	}
	if VerifySignature("other-secret", "job-1", sig) {
		t.Fatal("signature accepted under a different secret")
	}
	if VerifySignature("secret", "job-1", "") {
		t.Fatal("empty signature accepted")
	}
}

func TestSubmit(t *testing.T) {
	var got submitPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/transcripts" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"sup-42"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(Options{Name: FamilyStandard, BaseURL: srv.URL, APIKey: "k1", RequestsPerSec: 100})
	acc, err := c.Submit(context.Background(), SubmitRequest{
		JobID:       "job-1",
		AudioURL:    "https://blob.test/a.mp3",
		Language:    "en",
		Formats:     []string{"txt", "srt"},
		CallbackURL: "https://api.test/v1/callbacks/standard/job-1?sig=abc",
	})
	if err != nil {
		t.Fatal(err)
	}
	if acc.SupplierJobID != "sup-42" {
		t.Fatalf("supplier job id = %q", acc.SupplierJobID)
	}
	if auth != "Bearer k1" {
		t.Fatalf("auth header = %q", auth)
	}
	if got.Reference != "job-1" || got.AudioURL != "https://blob.test/a.mp3" || got.CallbackURL == "" {
		t.Fatalf("payload = %+v", got)
	}
}

func TestSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewHTTPClient(Options{Name: FamilyStandard, BaseURL: srv.URL, APIKey: "k1", RequestsPerSec: 100})
	if _, err := c.Submit(context.Background(), SubmitRequest{JobID: "job-1"}); err == nil {
		t.Fatal("rejected submit should error")
	}
}

func TestPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/transcripts/sup-done":
			_, _ = w.Write([]byte(`{"status":"completed","duration_seconds":612,"results":{"txt":"hello","srt":"1\n"}}`))
		case "/v1/transcripts/sup-bad":
			_, _ = w.Write([]byte(`{"status":"failed","error":"audio unreadable"}`))
		case "/v1/transcripts/sup-wip":
			_, _ = w.Write([]byte(`{"status":"processing"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(Options{Name: FamilyPrecision, BaseURL: srv.URL, APIKey: "k1", HighAccuracy: true, RequestsPerSec: 100})

	done, err := c.Poll(context.Background(), "sup-done")
	if err != nil {
		t.Fatal(err)
	}
	if !done.Completed || done.DurationSec != 612 {
		t.Fatalf("completed poll = %+v", done)
	}
	if string(done.Formats["txt"]) != "hello" || len(done.Formats) != 2 {
		t.Fatalf("formats = %v", done.Formats)
	}

	bad, err := c.Poll(context.Background(), "sup-bad")
	if err != nil {
		t.Fatal(err)
	}
	if !bad.Failed || bad.ErrorReason != "audio unreadable" {
		t.Fatalf("failed poll = %+v", bad)
	}

	wip, err := c.Poll(context.Background(), "sup-wip")
	if err != nil {
		t.Fatal(err)
	}
	if wip.Completed || wip.Failed {
		t.Fatalf("in-progress poll = %+v", wip)
	}
}

func TestConfigured(t *testing.T) {
	if NewHTTPClient(Options{Name: FamilyStandard}).Configured() {
		t.Fatal("credential-less client reported configured")
	}
	if !NewHTTPClient(Options{Name: FamilyStandard, BaseURL: "https://s.test", APIKey: "k"}).Configured() {
		t.Fatal("configured client reported unconfigured")
	}
}
