package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sawpanic/marketwarehouse/internal/ratelimiter"
	"github.com/sawpanic/marketwarehouse/internal/types"
)

// FallbackClient talks to the free, broader-coverage provider described in
// spec.md §4.3. Same FetchRange contract as PrimaryClient; no corporate
// event methods and no circuit breaker (lower traffic, resilience
// boundary rather than a load-balanced peer).
type FallbackClient struct {
	baseURL    string
	httpClient httpDoer
	limiter    *ratelimiter.Limiter

	totalRequests    int64
	rateLimitedCount int64
}

// FallbackConfig configures a FallbackClient.
type FallbackConfig struct {
	BaseURL           string
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	HTTPClient        httpDoer
}

// NewFallbackClient builds a FallbackClient.
func NewFallbackClient(cfg FallbackConfig) *FallbackClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1 // free-tier providers are throttled tighter than the primary
	}
	return &FallbackClient{
		baseURL:    cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		limiter:    ratelimiter.New(rps),
	}
}

func (f *FallbackClient) TotalRequests() int64     { return atomic.LoadInt64(&f.totalRequests) }
func (f *FallbackClient) RateLimitedCount() int64   { return atomic.LoadInt64(&f.rateLimitedCount) }

// FetchRange fetches OHLCV candles for [start, end) from the fallback
// source, ascending time order. Same retry/backoff contract as the
// primary client (spec.md §4.3).
func (f *FallbackClient) FetchRange(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time, assetClass types.AssetClass) ([]NormalizedCandle, error) {
	code, ok := CodeFor(tf)
	if !ok {
		return nil, fmt.Errorf("upstream: unknown timeframe %q", tf)
	}

	var candles []NormalizedCandle
	attempts, rateLimited, err := retryCall(ctx, func(attempt int) (int, bool, error) {
		if waitErr := f.limiter.Acquire(ctx); waitErr != nil {
			return 0, false, waitErr
		}
		atomic.AddInt64(&f.totalRequests, 1)

		status, body, doErr := f.doRequest(ctx, symbol, code, start, end)
		if doErr != nil {
			return status, status == 429, doErr
		}
		if status == 429 {
			return status, true, fmt.Errorf("rate limited")
		}
		if status >= 400 {
			if isRetryable(status) {
				return status, false, fmt.Errorf("upstream server error %d", status)
			}
			return status, false, &UpstreamRejected{Provider: "fallback", Status: status, Body: string(body)}
		}

		parsed, parseErr := decodeCandles(body)
		if parseErr != nil {
			return status, false, &UpstreamMalformed{Provider: "fallback", Cause: parseErr}
		}
		candles = parsed
		return status, false, nil
	})

	atomic.AddInt64(&f.rateLimitedCount, int64(rateLimited))

	if err != nil {
		if rejected, ok := err.(*UpstreamRejected); ok {
			return nil, rejected
		}
		if malformed, ok := err.(*UpstreamMalformed); ok {
			return nil, malformed
		}
		return nil, &UpstreamUnavailable{Provider: "fallback", Attempts: attempts, Cause: err}
	}
	return candles, nil
}

func (f *FallbackClient) doRequest(ctx context.Context, symbol string, code PaginationCode, start, end time.Time) (int, []byte, error) {
	u, _ := url.Parse(f.baseURL + "/free/ohlcv")
	q := u.Query()
	q.Set("symbol", symbol)
	q.Set("unit", code.Unit)
	q.Set("amount", strconv.Itoa(code.Amount))
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
