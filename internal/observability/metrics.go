package observability

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics exposes the warehouse's operational counters under
// /metrics, for scraping by an external Prometheus server.
type PrometheusMetrics struct {
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	BackfillRecords *prometheus.CounterVec
	BackfillErrors  *prometheus.CounterVec
	UpstreamCalls   *prometheus.CounterVec
	CircuitState    *prometheus.GaugeVec
}

// NewPrometheusMetrics builds and registers the warehouse's metric set.
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warehouse_http_request_duration_seconds",
			Help:    "HTTP request duration by endpoint and status class.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"endpoint", "status"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warehouse_http_requests_total",
			Help: "Total HTTP requests by endpoint and status class.",
		}, []string{"endpoint", "status"}),
		BackfillRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warehouse_backfill_records_total",
			Help: "Candles inserted by backfill runs, by symbol.",
		}, []string{"symbol", "timeframe"}),
		BackfillErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warehouse_backfill_errors_total",
			Help: "Backfill failures by symbol and cause.",
		}, []string{"symbol", "reason"}),
		UpstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warehouse_upstream_calls_total",
			Help: "Upstream provider calls by source and outcome.",
		}, []string{"source", "outcome"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warehouse_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"source"}),
	}

	prometheus.MustRegister(
		m.RequestDuration, m.RequestsTotal,
		m.BackfillRecords, m.BackfillErrors,
		m.UpstreamCalls, m.CircuitState,
	)
	return m
}

// Handler returns the Prometheus scrape endpoint handler.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.Handler()
}

// HealthStatus is the threshold-banded verdict from spec.md §4.8.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
	HealthIdle     HealthStatus = "idle"
)

type sample struct {
	at       time.Time
	endpoint string
	latency  time.Duration
	isError  bool
}

// Collector is an in-memory, mutex-protected rolling window of per-endpoint
// request outcomes, independent of the Prometheus registry — it backs
// GET /api/v1/observability/metrics, which callers can poll without
// standing up a Prometheus server.
type Collector struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
}

// NewCollector builds a collector with a 24h rolling window.
func NewCollector() *Collector {
	return &Collector{window: 24 * time.Hour}
}

// Record appends one request outcome and evicts samples older than the
// rolling window.
func (c *Collector) Record(endpoint string, latency time.Duration, isError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	c.samples = append(c.samples, sample{at: now, endpoint: endpoint, latency: latency, isError: isError})
	c.evictLocked(now)
}

func (c *Collector) evictLocked(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for ; i < len(c.samples); i++ {
		if c.samples[i].at.After(cutoff) {
			break
		}
	}
	c.samples = c.samples[i:]
}

// EndpointStats is the per-endpoint summary returned by Snapshot.
type EndpointStats struct {
	Endpoint     string        `json:"endpoint"`
	Count        int           `json:"count"`
	Errors       int           `json:"errors"`
	ErrorRate    float64       `json:"error_rate"`
	P50          float64       `json:"p50_ms"`
	P95          float64       `json:"p95_ms"`
	P99          float64       `json:"p99_ms"`
	HealthStatus HealthStatus  `json:"health_status"`
}

// Snapshot summarizes the current rolling window per endpoint, with the
// health-status thresholds from spec.md §4.8: <5% error rate is healthy,
// 5-10% is degraded, >10% is critical. Endpoints with no samples in the
// window have no entry, so the result is empty when there is no traffic.
func (c *Collector) Snapshot() []EndpointStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(time.Now().UTC())

	grouped := map[string][]sample{}
	for _, s := range c.samples {
		grouped[s.endpoint] = append(grouped[s.endpoint], s)
	}

	var out []EndpointStats
	for endpoint, samples := range grouped {
		errors := 0
		latencies := make([]time.Duration, len(samples))
		for i, s := range samples {
			latencies[i] = s.latency
			if s.isError {
				errors++
			}
		}
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

		errRate := float64(errors) / float64(len(samples))
		out = append(out, EndpointStats{
			Endpoint:     endpoint,
			Count:        len(samples),
			Errors:       errors,
			ErrorRate:    errRate,
			P50:          float64(percentile(latencies, 0.50)) / float64(time.Millisecond),
			P95:          float64(percentile(latencies, 0.95)) / float64(time.Millisecond),
			P99:          float64(percentile(latencies, 0.99)) / float64(time.Millisecond),
			HealthStatus: healthFor(len(samples), errRate),
		})
	}
	return out
}

func healthFor(count int, errRate float64) HealthStatus {
	if count == 0 {
		return HealthIdle
	}
	switch {
	case errRate > 0.10:
		return HealthCritical
	case errRate >= 0.05:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
