package upstream

import (
	"context"
	"math/rand"
	"time"
)

// RetrySchedule is the fixed backoff schedule from spec.md §4.2: 1s, 2s,
// 4s, 8s, 16s, capped cumulatively at 300s, with ±20% jitter.
var RetrySchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

const maxAttempts = 5
const maxCumulativeBackoff = 300 * time.Second

// jitter applies ±20% uniform jitter to d.
func jitter(d time.Duration, rng *rand.Rand) time.Duration {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	factor := 0.8 + rng.Float64()*0.4 // [0.8, 1.2)
	return time.Duration(float64(d) * factor)
}

// isRetryable reports whether an HTTP status code should be retried under
// the spec.md §4.2 contract (429 or 5xx).
func isRetryable(status int) bool {
	return status == 429 || (status >= 500 && status < 600)
}

// retryCall runs fn up to maxAttempts times, sleeping per RetrySchedule
// (jittered, cumulatively capped) between attempts. fn returns the HTTP
// status observed (0 if the call never reached the server) and an error.
// retryCall stops immediately on a non-retryable error.
func retryCall(ctx context.Context, fn func(attempt int) (status int, rateLimited bool, err error)) (attempts int, rateLimitedCount int, lastErr error) {
	var cumulative time.Duration
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		status, rateLimited, err := fn(attempt)
		if rateLimited {
			rateLimitedCount++
		}
		if err == nil {
			return attempts, rateLimitedCount, nil
		}
		lastErr = err
		if !isRetryable(status) {
			return attempts, rateLimitedCount, err
		}
		if attempt == maxAttempts {
			break
		}
		wait := jitter(RetrySchedule[attempt-1], nil)
		if cumulative+wait > maxCumulativeBackoff {
			wait = maxCumulativeBackoff - cumulative
			if wait < 0 {
				wait = 0
			}
		}
		cumulative += wait
		select {
		case <-ctx.Done():
			return attempts, rateLimitedCount, ctx.Err()
		case <-time.After(wait):
		}
		if cumulative >= maxCumulativeBackoff {
			break
		}
	}
	return attempts, rateLimitedCount, lastErr
}
