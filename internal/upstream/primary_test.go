package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketwarehouse/internal/types"
)

type fakeDoer struct {
	responses []fakeResponse
	calls     int64
}

type fakeResponse struct {
	status int
	body   string
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	i := atomic.AddInt64(&f.calls, 1) - 1
	r := f.responses[int(i)%len(f.responses)]
	return &http.Response{
		StatusCode: r.status,
		Body:       io.NopCloser(bytes.NewBufferString(r.body)),
	}, nil
}

const okBody = `{"symbol":"AAPL","candles":[{"t":1704153600000,"o":186,"h":189,"l":185,"c":188,"v":50000000}]}`

func TestPrimaryClient_FetchRange_HappyPath(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: okBody}}}
	c := NewPrimaryClient(PrimaryConfig{BaseURL: "http://upstream.test", APIKey: "k", RequestsPerSecond: 1000, HTTPClient: doer})

	candles, err := c.FetchRange(context.Background(), "AAPL", types.Timeframe1d, time.Now().Add(-24*time.Hour), time.Now(), types.AssetStock)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 188.0, candles[0].Close)
	assert.Equal(t, int64(1), c.TotalRequests())
}

func TestPrimaryClient_RetriesOn429ThenSucceeds(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{
		{status: 429, body: ""},
		{status: 429, body: ""},
		{status: 200, body: okBody},
	}}
	c := NewPrimaryClient(PrimaryConfig{BaseURL: "http://upstream.test", APIKey: "k", RequestsPerSecond: 1000, HTTPClient: doer})

	start := time.Now()
	candles, err := c.FetchRange(context.Background(), "AAPL", types.Timeframe1d, time.Now().Add(-24*time.Hour), time.Now(), types.AssetStock)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, int64(3), c.TotalRequests())
	assert.Equal(t, int64(2), c.RateLimitedCount())
	// 1s + 2s backoff (jittered down to 0.8x minimum) must have elapsed.
	assert.GreaterOrEqual(t, elapsed, 2400*time.Millisecond)
}

func TestPrimaryClient_RejectsOn4xxImmediately(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 404, body: "not found"}}}
	c := NewPrimaryClient(PrimaryConfig{BaseURL: "http://upstream.test", APIKey: "k", RequestsPerSecond: 1000, HTTPClient: doer})

	_, err := c.FetchRange(context.Background(), "AAPL", types.Timeframe1d, time.Now().Add(-24*time.Hour), time.Now(), types.AssetStock)
	require.Error(t, err)
	var rejected *UpstreamRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, int64(1), c.TotalRequests())
}

func TestPrimaryClient_MalformedBody(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: "not json"}}}
	c := NewPrimaryClient(PrimaryConfig{BaseURL: "http://upstream.test", APIKey: "k", RequestsPerSecond: 1000, HTTPClient: doer})

	_, err := c.FetchRange(context.Background(), "AAPL", types.Timeframe1d, time.Now().Add(-24*time.Hour), time.Now(), types.AssetStock)
	require.Error(t, err)
	var malformed *UpstreamMalformed
	require.ErrorAs(t, err, &malformed)
}

func TestPrimaryClient_UnknownTimeframe(t *testing.T) {
	doer := &fakeDoer{}
	c := NewPrimaryClient(PrimaryConfig{BaseURL: "http://upstream.test", APIKey: "k", RequestsPerSecond: 1000, HTTPClient: doer})

	_, err := c.FetchRange(context.Background(), "AAPL", types.Timeframe("3m"), time.Now().Add(-24*time.Hour), time.Now(), types.AssetStock)
	require.Error(t, err)
}

func TestPrimaryClient_ErrorsWhenContextEndsDuringRetries(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 500, body: ""}}}
	c := NewPrimaryClient(PrimaryConfig{BaseURL: "http://upstream.test", APIKey: "k", RequestsPerSecond: 1000, HTTPClient: doer})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.FetchRange(ctx, "AAPL", types.Timeframe1d, time.Now().Add(-24*time.Hour), time.Now(), types.AssetStock)
	require.Error(t, err)
}
