package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketwarehouse/internal/observability"
	"github.com/sawpanic/marketwarehouse/internal/orchestrator"
	"github.com/sawpanic/marketwarehouse/internal/store"
	"github.com/sawpanic/marketwarehouse/internal/types"
	"github.com/sawpanic/marketwarehouse/internal/upstream"
)

// testMetrics returns a single process-wide PrometheusMetrics instance:
// the underlying collectors are registered on the default Prometheus
// registry once, so every test in this package must share it rather than
// calling NewPrometheusMetrics per-test.
var (
	testMetricsOnce sync.Once
	testMetricsVal  *observability.PrometheusMetrics
)

func testMetrics() *observability.PrometheusMetrics {
	testMetricsOnce.Do(func() { testMetricsVal = observability.NewPrometheusMetrics() })
	return testMetricsVal
}

// fakeSource implements orchestrator.PrimarySource / FallbackSource.
type fakeSource struct {
	candles []upstream.NormalizedCandle
	err     error
}

func (f *fakeSource) FetchRange(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time, assetClass types.AssetClass) ([]upstream.NormalizedCandle, error) {
	return f.candles, f.err
}

// fakeStore is a minimal in-memory store.Store used to drive the scheduler
// without a database.
type fakeStore struct {
	symbols         []types.Symbol
	inserted        map[string][]types.Candle
	failures        map[string]int
	completed       []string
	anomalies       []types.DataAnomaly
	latestClose     *types.Candle
	duplicates      map[string]int
	recentlyFetched map[string][]types.Candle
	failureTracking map[string]*types.SymbolFailureTracking
	updatedStates   []stateUpdate
}

type stateUpdate struct {
	executionID string
	status      types.BackfillExecutionStatus
	errMsg      string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		inserted:        map[string][]types.Candle{},
		failures:        map[string]int{},
		duplicates:      map[string]int{},
		recentlyFetched: map[string][]types.Candle{},
		failureTracking: map[string]*types.SymbolFailureTracking{},
	}
}

func (f *fakeStore) InsertBatch(ctx context.Context, symbol string, tf types.Timeframe, candles []types.Candle) (int, error) {
	f.inserted[symbol] = append(f.inserted[symbol], candles...)
	return len(candles), nil
}
func (f *fakeStore) QueryRange(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time, opts store.QueryOptions) ([]types.Candle, error) {
	return f.inserted[symbol], nil
}
func (f *fakeStore) Latest(ctx context.Context, symbol string, tf types.Timeframe) (*types.Candle, error) {
	return f.latestClose, nil
}
func (f *fakeStore) CountDuplicates(ctx context.Context, symbol string, tf types.Timeframe) (int, error) {
	return f.duplicates[symbol], nil
}
func (f *fakeStore) FetchedSince(ctx context.Context, symbol string, tf types.Timeframe, since time.Time) ([]types.Candle, error) {
	return f.recentlyFetched[symbol], nil
}
func (f *fakeStore) Create(ctx context.Context, s types.Symbol) error { return nil }
func (f *fakeStore) Deactivate(ctx context.Context, symbol string) error { return nil }
func (f *fakeStore) ListActive(ctx context.Context) ([]types.Symbol, error) { return f.symbols, nil }
func (f *fakeStore) UpdateTimeframes(ctx context.Context, symbol string, tfs []types.Timeframe) error {
	return nil
}
func (f *fakeStore) RecordBackfillOutcome(ctx context.Context, symbol string, status types.BackfillStatus, at time.Time) error {
	f.completed = append(f.completed, symbol)
	return nil
}
func (f *fakeStore) CreateState(ctx context.Context, symbol string, tf types.Timeframe) (string, error) {
	return "exec-" + symbol, nil
}
func (f *fakeStore) UpdateState(ctx context.Context, executionID string, status types.BackfillExecutionStatus, recordsInserted int, errMsg string) error {
	f.updatedStates = append(f.updatedStates, stateUpdate{executionID: executionID, status: status, errMsg: errMsg})
	return nil
}
func (f *fakeStore) ListActiveStates(ctx context.Context) ([]types.BackfillExecution, error) {
	return nil, nil
}
func (f *fakeStore) GetState(ctx context.Context, executionID string) (*types.BackfillExecution, error) {
	return nil, nil
}
func (f *fakeStore) MarkSuccess(ctx context.Context, symbol string) error {
	f.failures[symbol] = 0
	delete(f.failureTracking, symbol)
	return nil
}
func (f *fakeStore) MarkFailure(ctx context.Context, symbol string) (bool, error) {
	f.failures[symbol]++
	t, ok := f.failureTracking[symbol]
	if !ok {
		t = &types.SymbolFailureTracking{Symbol: symbol}
		f.failureTracking[symbol] = t
	}
	t.ConsecutiveFailures = f.failures[symbol]
	shouldAlert := t.ConsecutiveFailures >= 3 && !t.AlertSent
	return shouldAlert, nil
}
func (f *fakeStore) MarkAlerted(ctx context.Context, symbol string) error {
	if t, ok := f.failureTracking[symbol]; ok {
		t.AlertSent = true
	}
	return nil
}
func (f *fakeStore) Get(ctx context.Context, symbol string) (*types.SymbolFailureTracking, error) {
	return f.failureTracking[symbol], nil
}
func (f *fakeStore) LogAnomaly(ctx context.Context, a types.DataAnomaly) error {
	f.anomalies = append(f.anomalies, a)
	return nil
}
func (f *fakeStore) QueryAnomalies(ctx context.Context, q store.AnomalyQuery) ([]types.DataAnomaly, error) {
	return f.anomalies, nil
}
func (f *fakeStore) UpsertFeatures(ctx context.Context, symbol string, tf types.Timeframe, rows []types.Candle) error {
	return nil
}
func (f *fakeStore) LogFeatureRun(ctx context.Context, symbol string, tf types.Timeframe, window, records int, outcome string) error {
	return nil
}
func (f *fakeStore) CreateKey(ctx context.Context, name string) (string, string, error) {
	return "id", "material", nil
}
func (f *fakeStore) Validate(ctx context.Context, keyMaterial string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeStore) List(ctx context.Context) ([]types.APIKey, error) { return nil, nil }
func (f *fakeStore) Revoke(ctx context.Context, id string) error     { return nil }
func (f *fakeStore) Audit(ctx context.Context, a types.APIKeyAudit) error { return nil }

var _ store.Store = (*fakeStore)(nil)

func TestRunBackfillGroup_InsertsValidatedCandles(t *testing.T) {
	primary := &fakeSource{candles: []upstream.NormalizedCandle{
		{Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 1000},
		{Time: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Open: 10.5, High: 11.5, Low: 9.5, Close: 11, Volume: 1100},
	}}
	orch := orchestrator.New(primary, nil)
	st := newFakeStore()
	s := New(Config{SymbolStagger: time.Millisecond, GroupCooldown: time.Millisecond}, st, orch, zerolog.Nop(), testMetrics(), observability.NewManager(zerolog.Nop()))

	symbols := []types.Symbol{{Symbol: "AAPL", AssetClass: types.AssetStock}}
	summary := s.runBackfillGroup(context.Background(), symbols, types.Timeframe1d, time.Now().AddDate(0, 0, -2), time.Now())

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Len(t, st.inserted["AAPL"], 2)
	assert.Equal(t, []string{"AAPL"}, st.completed)
}

func TestRunBackfillGroup_TreatsEmptyResultAsCompletedNotFailed(t *testing.T) {
	primary := &fakeSource{candles: nil}
	orch := orchestrator.New(primary, nil)
	st := newFakeStore()
	s := New(Config{SymbolStagger: time.Millisecond, GroupCooldown: time.Millisecond}, st, orch, zerolog.Nop(), testMetrics(), observability.NewManager(zerolog.Nop()))

	symbols := []types.Symbol{{Symbol: "ZZZZ", AssetClass: types.AssetStock}}
	summary := s.runBackfillGroup(context.Background(), symbols, types.Timeframe1d, time.Now().AddDate(0, 0, -2), time.Now())

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, st.failures["ZZZZ"])
	assert.Equal(t, []string{"ZZZZ"}, st.completed)
	assert.Empty(t, st.inserted["ZZZZ"])
}

func TestRunBackfillGroup_RecordsFailureOnUpstreamError(t *testing.T) {
	primary := &fakeSource{err: context.DeadlineExceeded}
	orch := orchestrator.New(primary, nil)
	st := newFakeStore()
	s := New(Config{SymbolStagger: time.Millisecond, GroupCooldown: time.Millisecond}, st, orch, zerolog.Nop(), testMetrics(), observability.NewManager(zerolog.Nop()))

	symbols := []types.Symbol{{Symbol: "ZZZZ", AssetClass: types.AssetStock}}
	summary := s.runBackfillGroup(context.Background(), symbols, types.Timeframe1d, time.Now().AddDate(0, 0, -2), time.Now())

	assert.Equal(t, 0, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, st.failures["ZZZZ"])
}

func TestRunBackfillGroup_StopsCooperatively(t *testing.T) {
	primary := &fakeSource{candles: []upstream.NormalizedCandle{
		{Time: time.Now(), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
	}}
	orch := orchestrator.New(primary, nil)
	st := newFakeStore()
	s := New(Config{SymbolStagger: time.Millisecond, GroupCooldown: time.Millisecond}, st, orch, zerolog.Nop(), testMetrics(), observability.NewManager(zerolog.Nop()))
	s.stopping.Store(true)

	symbols := []types.Symbol{{Symbol: "A"}, {Symbol: "B"}, {Symbol: "C"}}
	summary := s.runBackfillGroup(context.Background(), symbols, types.Timeframe1d, time.Now().AddDate(0, 0, -1), time.Now())

	assert.Equal(t, 3, summary.Cancelled)
	assert.Equal(t, 0, summary.Succeeded)
	assert.Empty(t, st.inserted["A"])
}

func TestBackfillOne_MarksStateCancelledWhenStopTrips(t *testing.T) {
	primary := &fakeSource{candles: []upstream.NormalizedCandle{
		{Time: time.Now(), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
	}}
	orch := orchestrator.New(primary, nil)
	st := newFakeStore()
	s := New(Config{}, st, orch, zerolog.Nop(), testMetrics(), observability.NewManager(zerolog.Nop()))
	s.stopping.Store(true)

	sym := types.Symbol{Symbol: "A", AssetClass: types.AssetStock}
	_, err := s.backfillOne(context.Background(), sym, types.Timeframe1d, time.Now().AddDate(0, 0, -1), time.Now())
	require.Error(t, err)

	require.NotEmpty(t, st.updatedStates)
	last := st.updatedStates[len(st.updatedStates)-1]
	assert.Equal(t, types.ExecFailed, last.status)
	assert.Equal(t, "cancelled", last.errMsg)
	assert.Empty(t, st.inserted["A"])
}

func TestEnqueue_ReturnsJobID(t *testing.T) {
	st := newFakeStore()
	orch := orchestrator.New(&fakeSource{}, nil)
	s := New(Config{}, st, orch, zerolog.Nop(), testMetrics(), observability.NewManager(zerolog.Nop()))

	id := s.Enqueue(AdHocRequest{Symbols: []string{"AAPL"}, Timeframe: types.Timeframe1d})
	require.NotEmpty(t, id)
}

func TestRunHealthMonitor_FlagsStaleSymbols(t *testing.T) {
	st := newFakeStore()
	st.symbols = []types.Symbol{{Symbol: "STALE", AssetClass: types.AssetStock, Timeframes: []types.Timeframe{types.Timeframe1d}}}
	orch := orchestrator.New(&fakeSource{}, nil)
	s := New(Config{}, st, orch, zerolog.Nop(), testMetrics(), observability.NewManager(zerolog.Nop()))

	s.runHealthMonitor(context.Background())
	require.Len(t, st.anomalies, 1)
	assert.Equal(t, types.AnomalyStale, st.anomalies[0].AnomalyType)
}

func TestRunHealthMonitor_FlagsDuplicatesAndOutliers(t *testing.T) {
	st := newFakeStore()
	st.symbols = []types.Symbol{{Symbol: "DUPE", AssetClass: types.AssetStock, Timeframes: []types.Timeframe{types.Timeframe1d}}}
	st.latestClose = &types.Candle{Time: time.Now()}
	st.duplicates["DUPE"] = 2
	st.recentlyFetched["DUPE"] = []types.Candle{
		{Time: time.Now(), Open: 100, Close: 130}, // 30% move, outlier
		{Time: time.Now(), Open: 100, Close: 105}, // not an outlier
	}
	orch := orchestrator.New(&fakeSource{}, nil)
	s := New(Config{}, st, orch, zerolog.Nop(), testMetrics(), observability.NewManager(zerolog.Nop()))

	s.runHealthMonitor(context.Background())

	var kinds []types.AnomalyType
	for _, a := range st.anomalies {
		kinds = append(kinds, a.AnomalyType)
	}
	assert.Contains(t, kinds, types.AnomalyDuplicate)
	assert.Contains(t, kinds, types.AnomalyOutlier)
	assert.NotContains(t, kinds, types.AnomalyStale)
}

func TestRunHealthMonitor_RaisesAlertOnThreeConsecutiveFailures(t *testing.T) {
	st := newFakeStore()
	st.symbols = []types.Symbol{{Symbol: "FAILING", AssetClass: types.AssetStock, Timeframes: []types.Timeframe{types.Timeframe1d}}}
	st.latestClose = &types.Candle{Time: time.Now()}
	st.failureTracking["FAILING"] = &types.SymbolFailureTracking{Symbol: "FAILING", ConsecutiveFailures: 3, AlertSent: false}
	orch := orchestrator.New(&fakeSource{}, nil)
	alerts := observability.NewManager(zerolog.Nop())
	s := New(Config{}, st, orch, zerolog.Nop(), testMetrics(), alerts)

	s.runHealthMonitor(context.Background())

	require.Len(t, alerts.Recent(), 1)
	assert.True(t, st.failureTracking["FAILING"].AlertSent)
}
