package registry

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"time"
)

// RetryPolicy implements spec.md §4.3's retry policy: retry idempotent
// GET/HEAD and resumable uploads up to MaxAttempts times with
// exponential backoff on transient network errors and on 429/5xx;
// non-retry on other 4xx.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := time.Duration(float64(p.InitialDelay) * math.Pow(2, float64(attempt)))
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// retryableStatus reports whether an HTTP status code should be retried.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// retryableErr reports whether a transport-level error is transient.
func retryableErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Do executes op, retrying per the policy. op returns the HTTP status
// code it observed (0 if the request never got a response) so the
// caller doesn't need to thread *http.Response through here.
func (p RetryPolicy) Do(ctx context.Context, op func() (statusCode int, err error)) (int, error) {
	var lastCode int
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		code, err := op()
		lastCode, lastErr = code, err

		retry := retryableStatus(code) || (err != nil && retryableErr(err))
		if !retry {
			return code, err
		}

		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return code, ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}
	return lastCode, lastErr
}
