// Package types holds the data model shared across the ingestion,
// validation, feature, persistence and API layers.
package types

import (
	"time"
)

// Timeframe is one of the fixed bucket widths the warehouse understands.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe2h  Timeframe = "2h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
)

// AllTimeframes is the fixed, enumerated set of allowed timeframe codes.
var AllTimeframes = []Timeframe{
	Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m,
	Timeframe1h, Timeframe2h, Timeframe4h, Timeframe1d, Timeframe1w,
}

// ValidTimeframe reports whether tf is one of AllTimeframes.
func ValidTimeframe(tf Timeframe) bool {
	for _, t := range AllTimeframes {
		if t == tf {
			return true
		}
	}
	return false
}

// AssetClass classifies a tradeable symbol.
type AssetClass string

const (
	AssetStock  AssetClass = "stock"
	AssetETF    AssetClass = "etf"
	AssetCrypto AssetClass = "crypto"
)

// BackfillStatus is the symbol registry's cached view of its last run.
type BackfillStatus string

const (
	BackfillStatusIdle       BackfillStatus = "idle"
	BackfillStatusRunning    BackfillStatus = "running"
	BackfillStatusCompleted  BackfillStatus = "completed"
	BackfillStatusFailed     BackfillStatus = "failed"
)

// Symbol is one tradeable asset tracked by the warehouse.
type Symbol struct {
	Symbol         string       `json:"symbol" db:"symbol"`
	AssetClass     AssetClass   `json:"asset_class" db:"asset_class"`
	Active         bool         `json:"active" db:"active"`
	Timeframes     []Timeframe  `json:"timeframes" db:"-"`
	TimeframesRaw  string       `json:"-" db:"timeframes"`
	LastBackfill   *time.Time   `json:"last_backfill,omitempty" db:"last_backfill"`
	BackfillStatus BackfillStatus `json:"backfill_status" db:"backfill_status"`
}

// NormalizeTimeframes applies the default-to-{1d} invariant from spec.md §3.
func (s *Symbol) NormalizeTimeframes() {
	if len(s.Timeframes) == 0 {
		s.Timeframes = []Timeframe{Timeframe1d}
	}
}

// Source identifies which upstream provider produced a candle.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
	SourceNone     Source = "none"
)

// Candle is one OHLCV bar for (symbol, timeframe, time), plus the
// validation and derived-feature columns the warehouse attaches to it.
type Candle struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	Timeframe Timeframe `json:"timeframe" db:"timeframe"`
	Time      time.Time `json:"time" db:"time"`
	Open      float64   `json:"open" db:"open"`
	High      float64   `json:"high" db:"high"`
	Low       float64   `json:"low" db:"low"`
	Close     float64   `json:"close" db:"close"`
	Volume    float64   `json:"volume" db:"volume"`

	Source          Source    `json:"source" db:"source"`
	Validated       bool      `json:"validated" db:"validated"`
	QualityScore    float64   `json:"quality_score" db:"quality_score"`
	ValidationNotes string    `json:"validation_notes" db:"validation_notes"`
	GapDetected     bool      `json:"gap_detected" db:"gap_detected"`
	VolumeAnomaly   bool      `json:"volume_anomaly" db:"volume_anomaly"`
	FetchedAt       time.Time `json:"fetched_at" db:"fetched_at"`

	Features
	FeaturesComputedAt *time.Time `json:"features_computed_at,omitempty" db:"features_computed_at"`
}

// OHLCValid checks the candle-shape invariants from spec.md §3/§8.
func (c Candle) OHLCValid() bool {
	if c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0 || c.Volume < 0 {
		return false
	}
	if c.Low > c.High {
		return false
	}
	if c.Low > minOf(c.Open, c.Close) {
		return false
	}
	if c.High < maxOf(c.Open, c.Close) {
		return false
	}
	return true
}

func minOf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxOf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Features holds the quant-feature-engine derived columns. Pointers stand
// in for SQL NULL — a row emitted before enough history exists carries nil.
type Features struct {
	LogReturn      *float64 `json:"log_return,omitempty" db:"log_return"`
	Return1D       *float64 `json:"return_1d,omitempty" db:"return_1d"`
	Return1H       *float64 `json:"return_1h,omitempty" db:"return_1h"`
	Volatility20   *float64 `json:"volatility_20,omitempty" db:"volatility_20"`
	Volatility50   *float64 `json:"volatility_50,omitempty" db:"volatility_50"`
	ATR            *float64 `json:"atr,omitempty" db:"atr"`
	RollingVolume20 *float64 `json:"rolling_volume_20,omitempty" db:"rolling_volume_20"`
	VolumeRatio    *float64 `json:"volume_ratio,omitempty" db:"volume_ratio"`

	HH *bool `json:"hh,omitempty" db:"hh"`
	HL *bool `json:"hl,omitempty" db:"hl"`
	LH *bool `json:"lh,omitempty" db:"lh"`
	LL *bool `json:"ll,omitempty" db:"ll"`

	TrendDirection  *string `json:"trend_direction,omitempty" db:"trend_direction"`
	StructureLabel  *string `json:"structure_label,omitempty" db:"structure_label"`
	VolatilityRegime *string `json:"volatility_regime,omitempty" db:"volatility_regime"`
	TrendRegime     *string `json:"trend_regime,omitempty" db:"trend_regime"`
	CompressionRegime *string `json:"compression_regime,omitempty" db:"compression_regime"`
}

// BackfillExecutionStatus is the state machine spec.md §3 defines for a
// single (symbol, timeframe, run).
type BackfillExecutionStatus string

const (
	ExecPending    BackfillExecutionStatus = "pending"
	ExecInProgress BackfillExecutionStatus = "in_progress"
	ExecCompleted  BackfillExecutionStatus = "completed"
	ExecFailed     BackfillExecutionStatus = "failed"
)

// BackfillExecution is one attempt to backfill a (symbol, timeframe) pair.
type BackfillExecution struct {
	ExecutionID      string                  `json:"execution_id" db:"execution_id"`
	Symbol           string                  `json:"symbol" db:"symbol"`
	Timeframe        Timeframe               `json:"timeframe" db:"timeframe"`
	Status           BackfillExecutionStatus `json:"status" db:"status"`
	StartedAt        time.Time               `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty" db:"completed_at"`
	RecordsInserted  int                     `json:"records_inserted" db:"records_inserted"`
	ErrorMessage     string                  `json:"error_message,omitempty" db:"error_message"`
	RetryCount       int                     `json:"retry_count" db:"retry_count"`
}

// SymbolFailureTracking is the upserted per-symbol failure counter.
type SymbolFailureTracking struct {
	Symbol              string     `json:"symbol" db:"symbol"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty" db:"last_success_at"`
	AlertSent           bool       `json:"alert_sent" db:"alert_sent"`
	AlertSentAt         *time.Time `json:"alert_sent_at,omitempty" db:"alert_sent_at"`
}

// AnomalyType enumerates the kinds of anomaly the health monitor logs.
type AnomalyType string

const (
	AnomalyGap       AnomalyType = "gap"
	AnomalyDuplicate AnomalyType = "duplicate"
	AnomalyOutlier   AnomalyType = "outlier"
	AnomalyStale     AnomalyType = "stale"
)

// AnomalySeverity ranks an anomaly for alerting purposes.
type AnomalySeverity string

const (
	SeverityLow      AnomalySeverity = "low"
	SeverityMedium   AnomalySeverity = "medium"
	SeverityHigh     AnomalySeverity = "high"
	SeverityCritical AnomalySeverity = "critical"
)

// ResolutionStatus tracks whether an anomaly has been triaged.
type ResolutionStatus string

const (
	ResolutionOpen         ResolutionStatus = "open"
	ResolutionAcknowledged ResolutionStatus = "acknowledged"
	ResolutionResolved     ResolutionStatus = "resolved"
)

// DataAnomaly is one row of the append-only anomaly log.
type DataAnomaly struct {
	ID               int64            `json:"id" db:"id"`
	Symbol           string           `json:"symbol" db:"symbol"`
	Timeframe        Timeframe        `json:"timeframe" db:"timeframe"`
	AnomalyType      AnomalyType      `json:"anomaly_type" db:"anomaly_type"`
	Severity         AnomalySeverity  `json:"severity" db:"severity"`
	Description      string           `json:"description" db:"description"`
	AffectedRows     int              `json:"affected_rows" db:"affected_rows"`
	ResolutionStatus ResolutionStatus `json:"resolution_status" db:"resolution_status"`
	DetectedAt       time.Time        `json:"detected_at" db:"detected_at"`
}

// APIKey is an issued credential; the raw key material is never stored.
type APIKey struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Hash         string    `json:"-" db:"hash"`
	Active       bool      `json:"active" db:"active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	RequestCount int64     `json:"request_count" db:"request_count"`
}

// APIKeyAuditOutcome is the result of one authentication attempt.
type APIKeyAuditOutcome string

const (
	AuditAllowed APIKeyAuditOutcome = "allowed"
	AuditDenied  APIKeyAuditOutcome = "denied"
)

// APIKeyAudit is one row of the append-only authentication log.
type APIKeyAudit struct {
	ID        int64              `json:"id" db:"id"`
	KeyID     *string            `json:"key_id,omitempty" db:"key_id"`
	Endpoint  string             `json:"endpoint" db:"endpoint"`
	Outcome   APIKeyAuditOutcome `json:"outcome" db:"outcome"`
	RemoteIP  string             `json:"remote_ip" db:"remote_ip"`
	At        time.Time          `json:"at" db:"at"`
}
