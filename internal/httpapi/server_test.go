package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketwarehouse/internal/observability"
	"github.com/sawpanic/marketwarehouse/internal/orchestrator"
	"github.com/sawpanic/marketwarehouse/internal/scheduler"
	"github.com/sawpanic/marketwarehouse/internal/store"
	"github.com/sawpanic/marketwarehouse/internal/types"
	"github.com/sawpanic/marketwarehouse/internal/upstream"
)

// fakeStore is a minimal in-memory store.Store for exercising the HTTP
// layer without a database.
type fakeStore struct {
	symbols  []types.Symbol
	candles  map[string][]types.Candle
	keys     []types.APIKey
	audits   []types.APIKeyAudit
	validKey string
	validID  string
}

func newFakeStore() *fakeStore {
	return &fakeStore{candles: map[string][]types.Candle{}}
}

func (f *fakeStore) InsertBatch(ctx context.Context, symbol string, tf types.Timeframe, candles []types.Candle) (int, error) {
	f.candles[symbol] = append(f.candles[symbol], candles...)
	return len(candles), nil
}
func (f *fakeStore) QueryRange(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time, opts store.QueryOptions) ([]types.Candle, error) {
	return f.candles[symbol], nil
}
func (f *fakeStore) Latest(ctx context.Context, symbol string, tf types.Timeframe) (*types.Candle, error) {
	rows := f.candles[symbol]
	if len(rows) == 0 {
		return nil, nil
	}
	last := rows[len(rows)-1]
	return &last, nil
}
func (f *fakeStore) CountDuplicates(ctx context.Context, symbol string, tf types.Timeframe) (int, error) {
	return 0, nil
}
func (f *fakeStore) FetchedSince(ctx context.Context, symbol string, tf types.Timeframe, since time.Time) ([]types.Candle, error) {
	return nil, nil
}
func (f *fakeStore) Create(ctx context.Context, s types.Symbol) error {
	f.symbols = append(f.symbols, s)
	return nil
}
func (f *fakeStore) Deactivate(ctx context.Context, symbol string) error { return nil }
func (f *fakeStore) ListActive(ctx context.Context) ([]types.Symbol, error) {
	return f.symbols, nil
}
func (f *fakeStore) UpdateTimeframes(ctx context.Context, symbol string, tfs []types.Timeframe) error {
	return nil
}
func (f *fakeStore) RecordBackfillOutcome(ctx context.Context, symbol string, status types.BackfillStatus, at time.Time) error {
	return nil
}
func (f *fakeStore) CreateState(ctx context.Context, symbol string, tf types.Timeframe) (string, error) {
	return "exec-1", nil
}
func (f *fakeStore) UpdateState(ctx context.Context, executionID string, status types.BackfillExecutionStatus, recordsInserted int, errMsg string) error {
	return nil
}
func (f *fakeStore) ListActiveStates(ctx context.Context) ([]types.BackfillExecution, error) {
	return nil, nil
}
func (f *fakeStore) GetState(ctx context.Context, executionID string) (*types.BackfillExecution, error) {
	return nil, nil
}
func (f *fakeStore) MarkSuccess(ctx context.Context, symbol string) error { return nil }
func (f *fakeStore) MarkFailure(ctx context.Context, symbol string) (bool, error) {
	return false, nil
}
func (f *fakeStore) MarkAlerted(ctx context.Context, symbol string) error { return nil }
func (f *fakeStore) Get(ctx context.Context, symbol string) (*types.SymbolFailureTracking, error) {
	return nil, nil
}
func (f *fakeStore) LogAnomaly(ctx context.Context, a types.DataAnomaly) error { return nil }
func (f *fakeStore) QueryAnomalies(ctx context.Context, q store.AnomalyQuery) ([]types.DataAnomaly, error) {
	return nil, nil
}
func (f *fakeStore) UpsertFeatures(ctx context.Context, symbol string, tf types.Timeframe, rows []types.Candle) error {
	return nil
}
func (f *fakeStore) LogFeatureRun(ctx context.Context, symbol string, tf types.Timeframe, window, records int, outcome string) error {
	return nil
}
func (f *fakeStore) CreateKey(ctx context.Context, name string) (string, string, error) {
	f.validID, f.validKey = "key-1", "material-1"
	f.keys = append(f.keys, types.APIKey{ID: f.validID, Name: name, Active: true})
	return f.validID, f.validKey, nil
}
func (f *fakeStore) Validate(ctx context.Context, keyMaterial string) (string, bool, error) {
	if f.validKey != "" && keyMaterial == f.validKey {
		return f.validID, true, nil
	}
	return "", false, nil
}
func (f *fakeStore) List(ctx context.Context) ([]types.APIKey, error) { return f.keys, nil }
func (f *fakeStore) Revoke(ctx context.Context, id string) error     { return nil }
func (f *fakeStore) Audit(ctx context.Context, a types.APIKeyAudit) error {
	f.audits = append(f.audits, a)
	return nil
}

var _ store.Store = (*fakeStore)(nil)

type fakeUpstream struct{}

func (fakeUpstream) FetchRange(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time, assetClass types.AssetClass) ([]upstream.NormalizedCandle, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	orch := orchestrator.New(fakeUpstream{}, nil)
	metrics := observability.NewPrometheusMetrics()
	collector := observability.NewCollector()
	alerts := observability.NewManager(zerolog.Nop())
	sched := scheduler.New(scheduler.Config{}, st, orch, zerolog.Nop(), metrics, alerts)
	return New(Config{}, st, sched, zerolog.Nop(), metrics, collector, alerts), st
}

func TestHealth_ReturnsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListSymbols_ReturnsTrackedSymbols(t *testing.T) {
	srv, st := newTestServer(t)
	st.symbols = []types.Symbol{{Symbol: "AAPL", Active: true}}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/symbols", nil)
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"AAPL"}, body["symbols"])
}

func TestHistorical_RejectsUnknownTimeframe(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/historical/AAPL?timeframe=3x", nil)
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSymbol_RequiresAPIKey(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/symbols", nil)
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateSymbol_AuditsFailedAttempt(t *testing.T) {
	srv, st := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/symbols", nil)
	req.Header.Set("X-API-Key", "bogus")
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Len(t, st.audits, 1)
	assert.Equal(t, types.AuditDenied, st.audits[0].Outcome)
}

func TestTriggerBackfill_WithValidKeyReturnsJobID(t *testing.T) {
	srv, st := newTestServer(t)
	_, material, _ := st.CreateKey(context.Background(), "ci")

	body := []byte(`{"symbols":["AAPL"],"asset_class":"stock","timeframe":"1d","start":"2024-01-01","end":"2024-01-02"}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/backfill", bytes.NewReader(body))
	req.Header.Set("X-API-Key", material)
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["job_id"])
}

func TestNotFound_ForUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil)
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
