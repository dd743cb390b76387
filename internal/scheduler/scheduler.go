// Package scheduler drives the warehouse's recurring jobs — the daily (or
// hourly) OHLCV backfill, the feature-enrichment pass and the health
// monitor — plus the ad-hoc backfill queue fed by the HTTP API. Cadence is
// expressed as cron.v3 schedules, the same way upstream job runners in this
// codebase's lineage are wired.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sawpanic/marketwarehouse/internal/features"
	"github.com/sawpanic/marketwarehouse/internal/observability"
	"github.com/sawpanic/marketwarehouse/internal/orchestrator"
	"github.com/sawpanic/marketwarehouse/internal/store"
	"github.com/sawpanic/marketwarehouse/internal/types"
	"github.com/sawpanic/marketwarehouse/internal/upstream"
	"github.com/sawpanic/marketwarehouse/internal/validation"
)

// Config controls cadence and concurrency for scheduled runs.
type Config struct {
	// BackfillHour is the UTC hour the daily OHLCV backfill fires at
	// (default 2, BACKFILL_SCHEDULE_HOUR). Ignored when HourlyMode is set.
	BackfillHour int
	// HourlyMode switches the OHLCV job to fire every hour at HourlyMinute
	// instead of once daily — used for intraday timeframes.
	HourlyMode   bool
	HourlyMinute int

	FeatureHour   int // default 1
	FeatureMinute int // default 30

	HealthMonitorEvery time.Duration // default 6h

	MaxConcurrentSymbols int           // default 3
	SymbolStagger        time.Duration // default 5s
	GroupCooldown        time.Duration // default 10s
}

func (c *Config) applyDefaults() {
	if c.BackfillHour == 0 && !c.HourlyMode {
		c.BackfillHour = 2
	}
	if c.FeatureHour == 0 && c.FeatureMinute == 0 {
		c.FeatureHour, c.FeatureMinute = 1, 30
	}
	if c.HealthMonitorEvery == 0 {
		c.HealthMonitorEvery = 6 * time.Hour
	}
	if c.MaxConcurrentSymbols == 0 {
		c.MaxConcurrentSymbols = 3
	}
	if c.SymbolStagger == 0 {
		c.SymbolStagger = 5 * time.Second
	}
	if c.GroupCooldown == 0 {
		c.GroupCooldown = 10 * time.Second
	}
}

// RunSummary aggregates the outcome of one backfill or feature-enrichment
// sweep across every symbol it touched.
type RunSummary struct {
	StartedAt    time.Time
	FinishedAt   time.Time
	Symbols      int
	Succeeded    int
	Failed       int
	Cancelled    int
	RecordsTotal int
}

// AdHocRequest is one user-triggered backfill request from POST /api/v1/backfill.
type AdHocRequest struct {
	JobID      string
	Symbols    []string
	AssetClass types.AssetClass
	Timeframe  types.Timeframe
	Start      time.Time
	End        time.Time
}

// Scheduler owns the cron runner, the bounded worker pool and the ad-hoc
// job queue. All cooperative cancellation flows through the stop flag:
// in-flight workers check it between symbols and between candle batches,
// and when it trips they record their state as failed with the message
// "cancelled" and are counted as cancelled in the run summary.
type Scheduler struct {
	cfg     Config
	store   store.Store
	orch    *orchestrator.Orchestrator
	log     zerolog.Logger
	metrics *observability.PrometheusMetrics
	alerts  *observability.Manager

	cron *cron.Cron

	stopping atomic.Bool
	adHoc    chan AdHocRequest
	wg       sync.WaitGroup

	mu          sync.Mutex
	lastSummary map[string]RunSummary // keyed by job name
}

// New builds a Scheduler. Call Start to begin the cron loop and the ad-hoc
// queue consumer; call Stop for a graceful, cooperative shutdown. metrics
// and alerts may be nil in tests that don't care about them.
func New(cfg Config, st store.Store, orch *orchestrator.Orchestrator, log zerolog.Logger, metrics *observability.PrometheusMetrics, alerts *observability.Manager) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:         cfg,
		store:       st,
		orch:        orch,
		log:         log.With().Str("component", "scheduler").Logger(),
		metrics:     metrics,
		alerts:      alerts,
		cron:        cron.New(cron.WithLocation(time.UTC)),
		adHoc:       make(chan AdHocRequest, 64),
		lastSummary: make(map[string]RunSummary),
	}
}

// Start registers the recurring jobs and begins the ad-hoc job consumer.
// It returns once registration succeeds; jobs run asynchronously.
func (s *Scheduler) Start(ctx context.Context) error {
	backfillSpec := fmt.Sprintf("0 %d * * *", s.cfg.BackfillHour)
	if s.cfg.HourlyMode {
		backfillSpec = fmt.Sprintf("%d * * * *", s.cfg.HourlyMinute)
	}
	if _, err := s.cron.AddFunc(backfillSpec, func() { s.runBackfillSweep(ctx) }); err != nil {
		return fmt.Errorf("scheduler: register backfill job: %w", err)
	}

	featureSpec := fmt.Sprintf("%d %d * * *", s.cfg.FeatureMinute, s.cfg.FeatureHour)
	if _, err := s.cron.AddFunc(featureSpec, func() { s.runFeatureSweep(ctx) }); err != nil {
		return fmt.Errorf("scheduler: register feature job: %w", err)
	}

	healthSpec := fmt.Sprintf("@every %s", s.cfg.HealthMonitorEvery)
	if _, err := s.cron.AddFunc(healthSpec, func() { s.runHealthMonitor(ctx) }); err != nil {
		return fmt.Errorf("scheduler: register health monitor: %w", err)
	}

	s.cron.Start()
	s.wg.Add(1)
	go s.consumeAdHoc(ctx)

	s.log.Info().Str("backfill", backfillSpec).Str("features", featureSpec).Str("health", healthSpec).Msg("scheduler started")
	return nil
}

// Stop trips the cooperative cancellation flag, drains the cron runner and
// waits for the ad-hoc consumer to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopping.Store(true)
	cronCtx := s.cron.Stop()
	close(s.adHoc)

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()

	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info().Msg("scheduler stopped")
	return nil
}

// Enqueue submits an ad-hoc backfill request; POST /api/v1/backfill calls
// this and returns the job id to the caller immediately.
func (s *Scheduler) Enqueue(req AdHocRequest) string {
	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}
	select {
	case s.adHoc <- req:
	default:
		s.log.Warn().Str("job_id", req.JobID).Msg("ad-hoc queue full, dropping request")
	}
	return req.JobID
}

// LastSummary returns the most recent run summary recorded for the named
// job ("backfill", "features", or "adhoc:<job id>"), if any has completed.
func (s *Scheduler) LastSummary(job string) (RunSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.lastSummary[job]
	return sum, ok
}

func (s *Scheduler) recordSummary(job string, sum RunSummary) {
	s.mu.Lock()
	s.lastSummary[job] = sum
	s.mu.Unlock()
	s.log.Info().Str("job", job).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Int("cancelled", sum.Cancelled).
		Int("records_total", sum.RecordsTotal).
		Dur("duration", sum.FinishedAt.Sub(sum.StartedAt)).
		Msg("run summary")
}

func (s *Scheduler) consumeAdHoc(ctx context.Context) {
	defer s.wg.Done()
	for req := range s.adHoc {
		if s.stopping.Load() {
			continue
		}
		s.log.Info().Str("job_id", req.JobID).Strs("symbols", req.Symbols).Msg("ad-hoc backfill starting")
		assetClass := req.AssetClass
		if assetClass == "" {
			assetClass = types.AssetStock
		}
		symbols := make([]types.Symbol, len(req.Symbols))
		for i, sym := range req.Symbols {
			symbols[i] = types.Symbol{Symbol: sym, AssetClass: assetClass, Timeframes: []types.Timeframe{req.Timeframe}}
		}
		summary := s.runBackfillGroup(ctx, symbols, req.Timeframe, req.Start, req.End)
		s.recordSummary("adhoc:"+req.JobID, summary)
	}
}

func (s *Scheduler) runBackfillSweep(ctx context.Context) {
	symbols, err := s.store.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list active symbols failed")
		return
	}
	aggregate := RunSummary{StartedAt: time.Now().UTC()}
	byTF := make(map[types.Timeframe][]types.Symbol)
	var tfOrder []types.Timeframe
	for _, sym := range symbols {
		for _, tf := range sym.Timeframes {
			if _, seen := byTF[tf]; !seen {
				tfOrder = append(tfOrder, tf)
			}
			byTF[tf] = append(byTF[tf], sym)
		}
	}
	for _, tf := range tfOrder {
		end := time.Now().UTC()
		start := end.AddDate(0, 0, -1)
		summary := s.runBackfillGroup(ctx, byTF[tf], tf, start, end)
		aggregate.Symbols += summary.Symbols
		aggregate.Succeeded += summary.Succeeded
		aggregate.Failed += summary.Failed
		aggregate.Cancelled += summary.Cancelled
		aggregate.RecordsTotal += summary.RecordsTotal
	}
	aggregate.FinishedAt = time.Now().UTC()
	s.recordSummary("backfill", aggregate)
}

// runBackfillGroup fetches, validates and persists candles for a batch of
// symbols with a bounded worker pool: at most MaxConcurrentSymbols workers
// at once, a stagger between launches within a group, and a cooldown
// between successive groups — the same shape as the teacher's batched
// scan/backfill sweeps, generalized to this domain.
func (s *Scheduler) runBackfillGroup(ctx context.Context, symbols []types.Symbol, tf types.Timeframe, start, end time.Time) RunSummary {
	summary := RunSummary{StartedAt: time.Now().UTC(), Symbols: len(symbols)}
	sem := make(chan struct{}, s.cfg.MaxConcurrentSymbols)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, sym := range symbols {
		if i > 0 && i%s.cfg.MaxConcurrentSymbols == 0 {
			wg.Wait()
			time.Sleep(s.cfg.GroupCooldown)
		}
		if s.stopping.Load() {
			mu.Lock()
			summary.Cancelled += len(symbols) - i
			mu.Unlock()
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(symbol types.Symbol) {
			defer wg.Done()
			defer func() { <-sem }()
			records, err := s.backfillOne(ctx, symbol, tf, start, end)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case isCancelled(err):
				summary.Cancelled++
			case err != nil:
				summary.Failed++
				if s.metrics != nil {
					s.metrics.BackfillErrors.WithLabelValues(symbol.Symbol, "fetch_or_insert").Inc()
				}
			default:
				summary.Succeeded++
				summary.RecordsTotal += records
				if s.metrics != nil {
					s.metrics.BackfillRecords.WithLabelValues(symbol.Symbol, string(tf)).Add(float64(records))
				}
			}
		}(sym)
		time.Sleep(s.cfg.SymbolStagger)
	}
	wg.Wait()
	summary.FinishedAt = time.Now().UTC()
	time.Sleep(s.cfg.GroupCooldown)
	return summary
}

// errCancelled marks a backfill execution that stopped because the
// scheduler's cooperative stop flag tripped mid-run, distinct from an
// upstream or storage failure.
var errCancelled = fmt.Errorf("cancelled")

func isCancelled(err error) bool { return err == errCancelled }

func (s *Scheduler) backfillOne(ctx context.Context, sym types.Symbol, tf types.Timeframe, start, end time.Time) (int, error) {
	symbol := sym.Symbol
	execID, err := s.store.CreateState(ctx, symbol, tf)
	if err != nil {
		return 0, fmt.Errorf("scheduler: create backfill state: %w", err)
	}
	_ = s.store.UpdateState(ctx, execID, types.ExecInProgress, 0, "")

	raw, source, err := s.orch.FetchRange(ctx, symbol, tf, start, end, sym.AssetClass, orchestrator.Options{UseFallback: true, Validate: true})
	if s.metrics != nil {
		outcome := "ok"
		circuitVal := 0.0 // closed
		if err != nil {
			outcome = "error"
			circuitVal = 2.0 // open
		} else if len(raw) == 0 {
			outcome = "empty"
		}
		s.metrics.UpstreamCalls.WithLabelValues(string(source), outcome).Inc()
		s.metrics.CircuitState.WithLabelValues(string(source)).Set(circuitVal)
	}
	if err != nil {
		_ = s.store.UpdateState(ctx, execID, types.ExecFailed, 0, err.Error())
		if shouldAlert, aerr := s.store.MarkFailure(ctx, symbol); aerr == nil && shouldAlert {
			s.raiseFailureAlert(symbol, tf)
			_ = s.store.MarkAlerted(ctx, symbol)
		}
		return 0, err
	}
	if s.stopping.Load() {
		_ = s.store.UpdateState(ctx, execID, types.ExecFailed, 0, "cancelled")
		return 0, errCancelled
	}
	if len(raw) == 0 {
		// An empty-but-successful upstream response for a valid window is
		// not a failure: the window simply has no trading activity.
		_ = s.store.UpdateState(ctx, execID, types.ExecCompleted, 0, "")
		_ = s.store.MarkSuccess(ctx, symbol)
		_ = s.store.RecordBackfillOutcome(ctx, symbol, types.BackfillStatusCompleted, time.Now().UTC())
		return 0, nil
	}

	prevClose, err := s.store.Latest(ctx, symbol, tf)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("could not load previous close for validation")
	}

	sort.Slice(raw, func(i, j int) bool { return raw[i].Time.Before(raw[j].Time) })
	medianVolume := medianOf(raw)

	candles := make([]types.Candle, len(raw))
	var lastClose *float64
	if prevClose != nil {
		c := prevClose.Close
		lastClose = &c
	}
	for i, nc := range raw {
		candle := types.Candle{
			Symbol: symbol, Timeframe: tf, Time: nc.Time,
			Open: nc.Open, High: nc.High, Low: nc.Low, Close: nc.Close, Volume: nc.Volume,
			Source: source, FetchedAt: time.Now().UTC(),
		}
		candles[i] = validation.Apply(candle, lastClose, medianVolume)
		c := nc.Close
		lastClose = &c
	}

	if s.stopping.Load() {
		_ = s.store.UpdateState(ctx, execID, types.ExecFailed, 0, "cancelled")
		return 0, errCancelled
	}

	inserted, err := s.store.InsertBatch(ctx, symbol, tf, candles)
	if err != nil {
		_ = s.store.UpdateState(ctx, execID, types.ExecFailed, 0, err.Error())
		return 0, err
	}

	_ = s.store.UpdateState(ctx, execID, types.ExecCompleted, inserted, "")
	_ = s.store.MarkSuccess(ctx, symbol)
	_ = s.store.RecordBackfillOutcome(ctx, symbol, types.BackfillStatusCompleted, time.Now().UTC())
	return inserted, nil
}

// raiseFailureAlert dispatches an alert through the observability manager
// when a symbol crosses the consecutive-failure threshold; alerts may be
// nil in tests that don't construct one.
func (s *Scheduler) raiseFailureAlert(symbol string, tf types.Timeframe) {
	s.log.Warn().Str("symbol", symbol).Msg("consecutive failure threshold reached")
	if s.alerts == nil {
		return
	}
	s.alerts.Raise(observability.Alert{
		Kind:     observability.AlertSchedulerFail,
		Severity: observability.SeverityCritical,
		Message:  fmt.Sprintf("%s (%s) has failed 3 or more consecutive backfills", symbol, tf),
		Symbol:   symbol,
	})
}

func medianOf(candles []upstream.NormalizedCandle) *float64 {
	if len(candles) == 0 {
		return nil
	}
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		volumes[i] = c.Volume
	}
	sort.Float64s(volumes)
	mid := len(volumes) / 2
	var m float64
	if len(volumes)%2 == 0 {
		m = (volumes[mid-1] + volumes[mid]) / 2
	} else {
		m = volumes[mid]
	}
	return &m
}

// runFeatureSweep recomputes derived columns for every active symbol's
// recent window and upserts them, logging one feature_run_log row per
// (symbol, timeframe).
func (s *Scheduler) runFeatureSweep(ctx context.Context) {
	symbols, err := s.store.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list active symbols failed")
		return
	}
	summary := RunSummary{StartedAt: time.Now().UTC(), Symbols: len(symbols)}
	for _, sym := range symbols {
		if s.stopping.Load() {
			summary.Cancelled++
			continue
		}
		for _, tf := range sym.Timeframes {
			if err := s.enrichOne(ctx, sym.Symbol, tf); err != nil {
				summary.Failed++
				s.log.Error().Err(err).Str("symbol", sym.Symbol).Str("timeframe", string(tf)).Msg("feature enrichment failed")
				continue
			}
			summary.Succeeded++
		}
	}
	summary.FinishedAt = time.Now().UTC()
	s.recordSummary("features", summary)
}

func (s *Scheduler) enrichOne(ctx context.Context, symbol string, tf types.Timeframe) error {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -120)
	rows, err := s.store.QueryRange(ctx, symbol, tf, start, end, store.QueryOptions{ValidatedOnly: true})
	if err != nil {
		return fmt.Errorf("scheduler: query range for features: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	computed := features.Compute(rows)
	if err := s.store.UpsertFeatures(ctx, symbol, tf, computed); err != nil {
		return fmt.Errorf("scheduler: upsert features: %w", err)
	}
	return s.store.LogFeatureRun(ctx, symbol, tf, len(computed), len(computed), "completed")
}

// rpoThresholdFor maps a timeframe to its recovery-point-objective
// staleness threshold: 1h for sub-hourly intraday bars, 6h for hourly
// bars, 24h for daily and slower.
func rpoThresholdFor(tf types.Timeframe) time.Duration {
	switch tf {
	case types.Timeframe1m, types.Timeframe5m, types.Timeframe15m, types.Timeframe30m:
		return time.Hour
	case types.Timeframe1h, types.Timeframe2h, types.Timeframe4h:
		return 6 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// severityForStaleness bands how far past the RPO threshold the latest
// candle falls: more than 4x over is critical, more than 2x is high,
// otherwise medium.
func severityForStaleness(elapsed, threshold time.Duration) types.AnomalySeverity {
	switch {
	case elapsed > threshold*4:
		return types.SeverityCritical
	case elapsed > threshold*2:
		return types.SeverityHigh
	default:
		return types.SeverityMedium
	}
}

// outlierMoveThreshold is the |close-open|/open fraction past which a
// candle inserted in the last 24h is flagged as an outlier.
const outlierMoveThreshold = 0.20

// runHealthMonitor runs the four checks a health sweep performs: per-
// (symbol, timeframe) staleness against the RPO table, a duplicate-row
// sweep, an outlier sweep over recently-ingested candles, and alert
// dispatch for symbols stuck at 3+ consecutive backfill failures.
func (s *Scheduler) runHealthMonitor(ctx context.Context) {
	symbols, err := s.store.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("health monitor: list active symbols failed")
		return
	}

	fetchedSince := time.Now().UTC().Add(-24 * time.Hour)
	for _, sym := range symbols {
		for _, tf := range sym.Timeframes {
			s.checkStaleness(ctx, sym.Symbol, tf)
			s.checkDuplicates(ctx, sym.Symbol, tf)
			s.checkOutliers(ctx, sym.Symbol, tf, fetchedSince)
		}
		s.checkConsecutiveFailures(ctx, sym.Symbol)
	}
}

func (s *Scheduler) checkStaleness(ctx context.Context, symbol string, tf types.Timeframe) {
	latest, err := s.store.Latest(ctx, symbol, tf)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("health monitor: could not load latest candle")
		return
	}
	threshold := rpoThresholdFor(tf)
	elapsed := threshold + 1 // no candle at all is at least as stale as the threshold
	if latest != nil {
		elapsed = time.Since(latest.Time)
	}
	if elapsed <= threshold {
		return
	}
	_ = s.store.LogAnomaly(ctx, types.DataAnomaly{
		Symbol:      symbol,
		Timeframe:   tf,
		AnomalyType: types.AnomalyStale,
		Severity:    severityForStaleness(elapsed, threshold),
		Description: fmt.Sprintf("latest candle is %s old, past the %s RPO threshold", elapsed.Round(time.Minute), threshold),
	})
}

func (s *Scheduler) checkDuplicates(ctx context.Context, symbol string, tf types.Timeframe) {
	n, err := s.store.CountDuplicates(ctx, symbol, tf)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("health monitor: duplicate sweep failed")
		return
	}
	if n == 0 {
		return
	}
	_ = s.store.LogAnomaly(ctx, types.DataAnomaly{
		Symbol:       symbol,
		Timeframe:    tf,
		AnomalyType:  types.AnomalyDuplicate,
		Severity:     types.SeverityMedium,
		Description:  "duplicate (symbol, timeframe, time) rows found",
		AffectedRows: n,
	})
}

func (s *Scheduler) checkOutliers(ctx context.Context, symbol string, tf types.Timeframe, since time.Time) {
	candles, err := s.store.FetchedSince(ctx, symbol, tf, since)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("health monitor: outlier sweep failed")
		return
	}
	for _, c := range candles {
		if c.Open == 0 {
			continue
		}
		move := (c.Close - c.Open) / c.Open
		if move < 0 {
			move = -move
		}
		if move <= outlierMoveThreshold {
			continue
		}
		_ = s.store.LogAnomaly(ctx, types.DataAnomaly{
			Symbol:       symbol,
			Timeframe:    tf,
			AnomalyType:  types.AnomalyOutlier,
			Severity:     types.SeverityHigh,
			Description:  fmt.Sprintf("candle at %s moved %.1f%% open-to-close", c.Time.Format(time.RFC3339), move*100),
			AffectedRows: 1,
		})
	}
}

func (s *Scheduler) checkConsecutiveFailures(ctx context.Context, symbol string) {
	tracking, err := s.store.Get(ctx, symbol)
	if err != nil || tracking == nil {
		return
	}
	if tracking.ConsecutiveFailures < 3 || tracking.AlertSent {
		return
	}
	if s.alerts != nil {
		s.alerts.Raise(observability.Alert{
			Kind:     observability.AlertSchedulerFail,
			Severity: observability.SeverityCritical,
			Message:  fmt.Sprintf("%s has failed %d consecutive backfills", symbol, tracking.ConsecutiveFailures),
			Symbol:   symbol,
		})
	}
	_ = s.store.MarkAlerted(ctx, symbol)
}
