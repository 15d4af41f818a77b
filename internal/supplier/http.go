package supplier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPClient speaks the transcript API both supplier families expose.
type HTTPClient struct {
	name         string
	baseURL      string
	apiKey       string
	highAccuracy bool
	httpClient   *http.Client
	limiter      *rate.Limiter
}

// Options tunes one supplier client.
type Options struct {
	Name           string
	BaseURL        string
	APIKey         string
	HighAccuracy   bool
	Timeout        time.Duration
	RequestsPerSec float64
}

// NewHTTPClient builds a supplier client with outbound throttling so a
// burst of admissions cannot trip the supplier's own rate limits.
func NewHTTPClient(opts Options) *HTTPClient {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rps := opts.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	return &HTTPClient{
		name:         opts.Name,
		baseURL:      opts.BaseURL,
		apiKey:       opts.APIKey,
		highAccuracy: opts.HighAccuracy,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

func (c *HTTPClient) Name() string       { return c.name }
func (c *HTTPClient) HighAccuracy() bool { return c.highAccuracy }

// Configured reports whether this family has enough credentials to dispatch.
func (c *HTTPClient) Configured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

type submitPayload struct {
	AudioURL     string   `json:"audio_url"`
	Language     string   `json:"language,omitempty"`
	Formats      []string `json:"formats"`
	CallbackURL  string   `json:"callback_url,omitempty"`
	HighAccuracy bool     `json:"high_accuracy,omitempty"`
	Reference    string   `json:"reference"`
}

type submitResponse struct {
	ID string `json:"id"`
}

// Submit sends the job to the supplier, registering the callback URL when
// one is supplied.
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (Acceptance, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Acceptance{}, err
	}

	body, err := json.Marshal(submitPayload{
		AudioURL:     req.AudioURL,
		Language:     req.Language,
		Formats:      req.Formats,
		CallbackURL:  req.CallbackURL,
		HighAccuracy: req.HighAccuracy,
		Reference:    req.JobID,
	})
	if err != nil {
		return Acceptance{}, fmt.Errorf("marshal submit payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transcripts", bytes.NewReader(body))
	if err != nil {
		return Acceptance{}, fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Acceptance{}, fmt.Errorf("submit to %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return Acceptance{}, fmt.Errorf("%s rejected submit with status %d", c.name, resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Acceptance{}, fmt.Errorf("decode submit response: %w", err)
	}
	if out.ID == "" {
		return Acceptance{}, errors.New("supplier returned no transcript id")
	}
	return Acceptance{SupplierJobID: out.ID}, nil
}

type pollResponse struct {
	Status          string            `json:"status"`
	Error           string            `json:"error,omitempty"`
	DurationSeconds int               `json:"duration_seconds"`
	Results         map[string]string `json:"results,omitempty"`
}

// Poll fetches the transcript state once.
func (c *HTTPClient) Poll(ctx context.Context, supplierJobID string) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/transcripts/"+supplierJobID, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build poll request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("poll %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%s poll returned status %d", c.name, resp.StatusCode)
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode poll response: %w", err)
	}

	res := Result{DurationSec: out.DurationSeconds}
	switch out.Status {
	case "completed":
		res.Completed = true
		res.Formats = make(map[string][]byte, len(out.Results))
		for f, content := range out.Results {
			res.Formats[f] = []byte(content)
		}
	case "failed":
		res.Failed = true
		res.ErrorReason = out.Error
	}
	return res, nil
}
