package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ParseVideoID extracts the stable 11-character video id from the URL
// shapes users actually paste: watch, youtu.be, shorts, embed, live, or a
// bare id.
func ParseVideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if videoIDPattern.MatchString(raw) {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse youtube reference: %w", err)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtu.be":
		id := strings.Trim(strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)[0], "/")
		if videoIDPattern.MatchString(id) {
			return id, nil
		}
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		if id := u.Query().Get("v"); videoIDPattern.MatchString(id) {
			return id, nil
		}
		for _, prefix := range []string{"/shorts/", "/embed/", "/live/"} {
			if strings.HasPrefix(u.Path, prefix) {
				id := strings.SplitN(strings.TrimPrefix(u.Path, prefix), "/", 2)[0]
				if videoIDPattern.MatchString(id) {
					return id, nil
				}
			}
		}
	}

	return "", errors.New("unrecognized youtube reference")
}

// ExtractResult is the audio link plus best-effort metadata the extraction
// proxy returns. The link is short-lived.
type ExtractResult struct {
	AudioURL    string `json:"audio_url"`
	DurationSec int    `json:"duration_seconds"`
	Title       string `json:"title"`
}

// Extractor is the HTTP client for the audio extraction proxy.
type Extractor struct {
	baseURL    string
	httpClient *http.Client
}

// NewExtractor builds the client with an explicit timeout.
func NewExtractor(baseURL string, timeout time.Duration) *Extractor {
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	return &Extractor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Resolve asks the proxy for a direct audio link. clipSec > 0 requests a
// clipped variant; the proxy still reports the original duration.
func (e *Extractor) Resolve(ctx context.Context, videoID string, clipSec int) (ExtractResult, error) {
	q := url.Values{}
	q.Set("video_id", videoID)
	if clipSec > 0 {
		q.Set("clip_sec", strconv.Itoa(clipSec))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/audio?"+q.Encode(), nil)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("build extractor request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("call extractor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ExtractResult{}, fmt.Errorf("extractor returned status %d", resp.StatusCode)
	}

	var out ExtractResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ExtractResult{}, fmt.Errorf("decode extractor response: %w", err)
	}
	if out.AudioURL == "" {
		return ExtractResult{}, errors.New("extractor returned no audio url")
	}
	return out, nil
}
