// Package retry wraps a single bounded-backoff policy shared by the media
// preparer and the staged upload manager, so retry tuning lives in one place.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy bounds retries with exponential backoff and jitter. Retryable
// decides which errors are worth another attempt; a nil Retryable retries
// everything.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(error) bool
	OnRetry     func(attempt int, err error)
}

// Do runs fn until it succeeds, fails non-retryably, or attempts run out.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	b := retry.WithMaxRetries(uint64(attempts-1), retry.WithJitterPercent(20, retry.NewExponential(base)))

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || p.Retryable(err) {
			if p.OnRetry != nil && attempt < attempts {
				p.OnRetry(attempt, err)
			}
			return retry.RetryableError(err)
		}
		return err
	})
}

// TransientHTTPStatus reports whether an upstream status code is worth
// retrying. 403/404 are included because extraction links routinely expire
// into those codes and recover on re-resolution.
func TransientHTTPStatus(code int) bool {
	switch code {
	case 403, 404, 500, 502, 503, 504:
		return true
	}
	return false
}
