package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sawpanic/marketwarehouse/internal/ratelimiter"
	"github.com/sawpanic/marketwarehouse/internal/types"
)

// httpDoer is the subset of *http.Client the primary client depends on,
// so tests can substitute a fake transport.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PrimaryClient is the typed client for the paid market-data provider.
// spec.md §4.2.
type PrimaryClient struct {
	baseURL    string
	apiKey     string
	httpClient httpDoer
	limiter    *ratelimiter.Limiter
	breaker    *gobreaker.CircuitBreaker
	timeout    time.Duration

	totalRequests    int64
	rateLimitedCount int64
}

// PrimaryConfig configures a PrimaryClient.
type PrimaryConfig struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	HTTPClient        httpDoer
}

// NewPrimaryClient builds a PrimaryClient with its own rate limiter and a
// gobreaker circuit breaker guarding against a wedged upstream.
func NewPrimaryClient(cfg PrimaryConfig) *PrimaryClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-primary",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &PrimaryClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: cfg.HTTPClient,
		limiter:    ratelimiter.New(cfg.RequestsPerSecond),
		breaker:    breaker,
		timeout:    cfg.RequestTimeout,
	}
}

// TotalRequests returns the cumulative request counter (spec.md §4.2).
func (p *PrimaryClient) TotalRequests() int64 { return atomic.LoadInt64(&p.totalRequests) }

// RateLimitedCount returns the cumulative count of observed 429s.
func (p *PrimaryClient) RateLimitedCount() int64 { return atomic.LoadInt64(&p.rateLimitedCount) }

// FetchRange fetches OHLCV candles for [start, end), returned in ascending
// time order, with retry/backoff and rate-limit accounting per spec.md §4.2.
func (p *PrimaryClient) FetchRange(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time, assetClass types.AssetClass) ([]NormalizedCandle, error) {
	code, ok := CodeFor(tf)
	if !ok {
		return nil, fmt.Errorf("upstream: unknown timeframe %q", tf)
	}

	var candles []NormalizedCandle
	attempts, rateLimited, err := retryCall(ctx, func(attempt int) (int, bool, error) {
		if waitErr := p.limiter.Acquire(ctx); waitErr != nil {
			return 0, false, waitErr
		}
		atomic.AddInt64(&p.totalRequests, 1)

		status, body, doErr := p.doRequest(ctx, symbol, code, start, end, assetClass)
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
			return status, false, &UpstreamRejected{Provider: "primary", Status: status, Body: string(body)}
		}

		parsed, parseErr := decodeCandles(body)
		if parseErr != nil {
			return status, false, &UpstreamMalformed{Provider: "primary", Cause: parseErr}
		}
		candles = parsed
		return status, false, nil
	})

	atomic.AddInt64(&p.rateLimitedCount, int64(rateLimited))

	if err != nil {
		if rejected, ok := err.(*UpstreamRejected); ok {
			return nil, rejected
		}
		if malformed, ok := err.(*UpstreamMalformed); ok {
			return nil, malformed
		}
		return nil, &UpstreamUnavailable{Provider: "primary", Attempts: attempts, Cause: err}
	}
	return candles, nil
}

func decodeCandles(body []byte) ([]NormalizedCandle, error) {
	var resp providerRangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	out := make([]NormalizedCandle, 0, len(resp.Candles))
	for _, c := range resp.Candles {
		out = append(out, c.normalize())
	}
	return out, nil
}

func (p *PrimaryClient) doRequest(ctx context.Context, symbol string, code PaginationCode, start, end time.Time, assetClass types.AssetClass) (int, []byte, error) {
	result, breakerErr := p.breaker.Execute(func() (interface{}, error) {
		u, _ := url.Parse(p.baseURL + "/v1/ohlcv")
		q := u.Query()
		q.Set("symbol", symbol)
		q.Set("asset_class", string(assetClass))
		q.Set("unit", code.Unit)
		q.Set("amount", strconv.Itoa(code.Amount))
		q.Set("start", start.UTC().Format(time.RFC3339))
		q.Set("end", end.UTC().Format(time.RFC3339))
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &rawResponse{status: resp.StatusCode, body: body}, nil
	})
	if breakerErr != nil {
		if breakerErr == gobreaker.ErrOpenState || breakerErr == gobreaker.ErrTooManyRequests {
			return 503, nil, breakerErr
		}
		return 0, nil, breakerErr
	}
	raw := result.(*rawResponse)
	return raw.status, raw.body, nil
}

type rawResponse struct {
	status int
	body   []byte
}

// FetchDividends fetches corporate dividend events over [start, end).
func (p *PrimaryClient) FetchDividends(ctx context.Context, symbol string, start, end time.Time) ([]CorporateEvent, error) {
	return p.fetchCorporateEvents(ctx, symbol, "dividends", start, end)
}

// FetchSplits fetches corporate split events over [start, end).
func (p *PrimaryClient) FetchSplits(ctx context.Context, symbol string, start, end time.Time) ([]CorporateEvent, error) {
	return p.fetchCorporateEvents(ctx, symbol, "splits", start, end)
}

func (p *PrimaryClient) fetchCorporateEvents(ctx context.Context, symbol, kind string, start, end time.Time) ([]CorporateEvent, error) {
	if err := p.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	atomic.AddInt64(&p.totalRequests, 1)

	u, _ := url.Parse(p.baseURL + "/v1/" + kind)
	q := u.Query()
	q.Set("symbol", symbol)
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamUnavailable{Provider: "primary", Attempts: 1, Cause: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &UpstreamRejected{Provider: "primary", Status: resp.StatusCode, Body: string(body)}
	}
	var events []CorporateEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, &UpstreamMalformed{Provider: "primary", Cause: err}
	}
	return events, nil
}
