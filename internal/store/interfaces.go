// Package store is the persistence layer from spec.md §4.7: candles,
// symbol registry, backfill state, failure tracking, anomalies, features
// and API keys, all behind narrow interfaces so callers (scheduler, HTTP
// API) can be tested against a fake or a sqlmock-backed Store.
package store

import (
	"context"
	"time"

	"github.com/sawpanic/marketwarehouse/internal/types"
)

// QueryOptions narrows a candle range query.
type QueryOptions struct {
	ValidatedOnly bool
	MinQuality    float64
}

// CandleStore persists and serves OHLCV rows.
type CandleStore interface {
	// InsertBatch upserts candles within a single transaction; conflicts
	// on (symbol, timeframe, time) are DO NOTHING, making backfills
	// idempotent. Returns the number of rows actually inserted.
	InsertBatch(ctx context.Context, symbol string, tf types.Timeframe, candles []types.Candle) (inserted int, err error)
	QueryRange(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time, opts QueryOptions) ([]types.Candle, error)
	Latest(ctx context.Context, symbol string, tf types.Timeframe) (*types.Candle, error)
	// CountDuplicates reports how many (symbol, timeframe, time) rows appear
	// more than once — a guard against rows the unique constraint should
	// already prevent, checked by the health monitor's duplicate sweep.
	CountDuplicates(ctx context.Context, symbol string, tf types.Timeframe) (int, error)
	// FetchedSince returns rows ingested (by fetched_at, not candle time) at
	// or after since, used by the health monitor's outlier sweep.
	FetchedSince(ctx context.Context, symbol string, tf types.Timeframe, since time.Time) ([]types.Candle, error)
}

// SymbolStore owns the tracked-symbol registry.
type SymbolStore interface {
	Create(ctx context.Context, s types.Symbol) error
	Deactivate(ctx context.Context, symbol string) error
	ListActive(ctx context.Context) ([]types.Symbol, error)
	UpdateTimeframes(ctx context.Context, symbol string, tfs []types.Timeframe) error
	RecordBackfillOutcome(ctx context.Context, symbol string, status types.BackfillStatus, at time.Time) error
}

// BackfillStateStore tracks per-run execution state.
type BackfillStateStore interface {
	CreateState(ctx context.Context, symbol string, tf types.Timeframe) (executionID string, err error)
	UpdateState(ctx context.Context, executionID string, status types.BackfillExecutionStatus, recordsInserted int, errMsg string) error
	ListActiveStates(ctx context.Context) ([]types.BackfillExecution, error)
	GetState(ctx context.Context, executionID string) (*types.BackfillExecution, error)
}

// FailureStore tracks consecutive-failure state per symbol.
type FailureStore interface {
	MarkSuccess(ctx context.Context, symbol string) error
	// MarkFailure increments the counter and reports whether the
	// consecutive-failures ≥ 3 / not-yet-alerted condition just became
	// true (spec.md §4.7).
	MarkFailure(ctx context.Context, symbol string) (shouldAlert bool, err error)
	MarkAlerted(ctx context.Context, symbol string) error
	Get(ctx context.Context, symbol string) (*types.SymbolFailureTracking, error)
}

// AnomalyQuery narrows an anomaly log query.
type AnomalyQuery struct {
	Symbol   string
	Severity types.AnomalySeverity
	Since    *time.Time
}

// AnomalyStore is the append-only anomaly log.
type AnomalyStore interface {
	LogAnomaly(ctx context.Context, a types.DataAnomaly) error
	QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]types.DataAnomaly, error)
}

// FeatureStore upserts derived feature columns and logs enrichment runs.
type FeatureStore interface {
	UpsertFeatures(ctx context.Context, symbol string, tf types.Timeframe, rows []types.Candle) error
	LogFeatureRun(ctx context.Context, symbol string, tf types.Timeframe, window, records int, outcome string) error
}

// APIKeyStore issues and validates API keys and records audit attempts.
type APIKeyStore interface {
	// CreateKey returns the new key's id and its one-time-visible key
	// material; only the SHA-256 digest is persisted.
	CreateKey(ctx context.Context, name string) (id string, keyMaterial string, err error)
	Validate(ctx context.Context, keyMaterial string) (keyID string, ok bool, err error)
	List(ctx context.Context) ([]types.APIKey, error)
	Revoke(ctx context.Context, id string) error
	Audit(ctx context.Context, a types.APIKeyAudit) error
}

// Store is the full persistence surface.
type Store interface {
	CandleStore
	SymbolStore
	BackfillStateStore
	FailureStore
	AnomalyStore
	FeatureStore
	APIKeyStore
}
