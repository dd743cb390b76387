package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/sawpanic/marketwarehouse/internal/types"
)

// Postgres implements Store against a Postgres database via sqlx + lib/pq.
type Postgres struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// New wraps an already-open *sqlx.DB.
func New(db *sqlx.DB, log zerolog.Logger) *Postgres {
	return &Postgres{db: db, log: log.With().Str("component", "store").Logger()}
}

// Open connects to Postgres using lib/pq and pings it.
func Open(databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return db, nil
}

// ApplySchema runs the embedded DDL. Used by the `migrate` CLI command.
func ApplySchema(ctx context.Context, db *sqlx.DB, ddl string) error {
	_, err := db.ExecContext(ctx, ddl)
	return err
}

// --- Candles --------------------------------------------------------------

func (p *Postgres) InsertBatch(ctx context.Context, symbol string, tf types.Timeframe, candles []types.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	const stmt = `
INSERT INTO market_data (
  symbol, timeframe, time, open, high, low, close, volume,
  source, validated, quality_score, validation_notes,
  gap_detected, volume_anomaly, fetched_at
) VALUES (
  :symbol, :timeframe, :time, :open, :high, :low, :close, :volume,
  :source, :validated, :quality_score, :validation_notes,
  :gap_detected, :volume_anomaly, :fetched_at
) ON CONFLICT (time, symbol, timeframe) DO NOTHING`

	inserted := 0
	for _, c := range candles {
		if !c.OHLCValid() {
			// spec.md boundary behaviour: a malformed candle (e.g. high <
			// low) is skipped; the rest of the batch still persists.
			p.log.Warn().Str("symbol", symbol).Time("time", c.Time).Msg("skipping candle with invalid OHLC shape")
			continue
		}
		c.Symbol, c.Timeframe = symbol, tf
		if c.FetchedAt.IsZero() {
			c.FetchedAt = time.Now().UTC()
		}
		res, execErr := tx.NamedExecContext(ctx, stmt, c)
		if execErr != nil {
			p.log.Warn().Err(execErr).Str("symbol", symbol).Msg("skipping candle that failed insert")
			continue
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	p.log.Info().Str("symbol", symbol).Str("timeframe", string(tf)).Int("inserted", inserted).Msg("candle batch inserted")
	return inserted, nil
}

func (p *Postgres) QueryRange(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time, opts QueryOptions) ([]types.Candle, error) {
	query := `SELECT * FROM market_data WHERE symbol = $1 AND timeframe = $2 AND time >= $3 AND time < $4`
	args := []interface{}{symbol, tf, start, end}
	if opts.ValidatedOnly {
		query += " AND validated = true"
	}
	if opts.MinQuality > 0 {
		args = append(args, opts.MinQuality)
		query += fmt.Sprintf(" AND quality_score >= $%d", len(args))
	}
	query += " ORDER BY time ASC"

	var rows []types.Candle
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: query range: %w", err)
	}
	return rows, nil
}

func (p *Postgres) Latest(ctx context.Context, symbol string, tf types.Timeframe) (*types.Candle, error) {
	var c types.Candle
	err := p.db.GetContext(ctx, &c, `SELECT * FROM market_data WHERE symbol=$1 AND timeframe=$2 ORDER BY time DESC LIMIT 1`, symbol, tf)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest: %w", err)
	}
	return &c, nil
}

func (p *Postgres) CountDuplicates(ctx context.Context, symbol string, tf types.Timeframe) (int, error) {
	var n int
	err := p.db.GetContext(ctx, &n, `
SELECT COUNT(*) FROM (
  SELECT time FROM market_data WHERE symbol = $1 AND timeframe = $2 GROUP BY time HAVING COUNT(*) > 1
) dup`, symbol, tf)
	if err != nil {
		return 0, fmt.Errorf("store: count duplicates: %w", err)
	}
	return n, nil
}

func (p *Postgres) FetchedSince(ctx context.Context, symbol string, tf types.Timeframe, since time.Time) ([]types.Candle, error) {
	var rows []types.Candle
	err := p.db.SelectContext(ctx, &rows, `SELECT * FROM market_data WHERE symbol = $1 AND timeframe = $2 AND fetched_at >= $3`, symbol, tf, since)
	if err != nil {
		return nil, fmt.Errorf("store: fetched since: %w", err)
	}
	return rows, nil
}

// --- Symbols ----------------------------------------------------------------

func (p *Postgres) Create(ctx context.Context, s types.Symbol) error {
	s.NormalizeTimeframes()
	tfs := make([]string, len(s.Timeframes))
	for i, t := range s.Timeframes {
		tfs[i] = string(t)
	}
	_, err := p.db.ExecContext(ctx, `
INSERT INTO tracked_symbols (symbol, asset_class, active, timeframes, backfill_status)
VALUES ($1, $2, true, $3, 'idle')
ON CONFLICT (symbol) DO UPDATE SET asset_class = EXCLUDED.asset_class, timeframes = EXCLUDED.timeframes`,
		s.Symbol, s.AssetClass, pq.Array(tfs))
	if err != nil {
		return fmt.Errorf("store: create symbol: %w", err)
	}
	return nil
}

func (p *Postgres) Deactivate(ctx context.Context, symbol string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE tracked_symbols SET active = false WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("store: deactivate symbol: %w", err)
	}
	return nil
}

func (p *Postgres) ListActive(ctx context.Context) ([]types.Symbol, error) {
	rows, err := p.db.QueryxContext(ctx, `SELECT symbol, asset_class, active, timeframes, last_backfill, backfill_status FROM tracked_symbols WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("store: list active symbols: %w", err)
	}
	defer rows.Close()

	var out []types.Symbol
	for rows.Next() {
		var s types.Symbol
		var tfs pq.StringArray
		if err := rows.Scan(&s.Symbol, &s.AssetClass, &s.Active, &tfs, &s.LastBackfill, &s.BackfillStatus); err != nil {
			return nil, fmt.Errorf("store: scan symbol: %w", err)
		}
		for _, t := range tfs {
			s.Timeframes = append(s.Timeframes, types.Timeframe(t))
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateTimeframes(ctx context.Context, symbol string, tfs []types.Timeframe) error {
	raw := make([]string, len(tfs))
	for i, t := range tfs {
		raw[i] = string(t)
	}
	_, err := p.db.ExecContext(ctx, `UPDATE tracked_symbols SET timeframes = $2 WHERE symbol = $1`, symbol, pq.Array(raw))
	if err != nil {
		return fmt.Errorf("store: update timeframes: %w", err)
	}
	return nil
}

func (p *Postgres) RecordBackfillOutcome(ctx context.Context, symbol string, status types.BackfillStatus, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE tracked_symbols SET backfill_status = $2, last_backfill = $3 WHERE symbol = $1`, symbol, status, at)
	if err != nil {
		return fmt.Errorf("store: record backfill outcome: %w", err)
	}
	return nil
}

// --- Backfill state ----------------------------------------------------------

func (p *Postgres) CreateState(ctx context.Context, symbol string, tf types.Timeframe) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `
INSERT INTO backfill_state_persistent (execution_id, symbol, timeframe, status, started_at, records_inserted, retry_count)
VALUES ($1, $2, $3, 'pending', now(), 0, 0)`, id, symbol, tf)
	if err != nil {
		return "", fmt.Errorf("store: create backfill state: %w", err)
	}
	return id, nil
}

func (p *Postgres) UpdateState(ctx context.Context, executionID string, status types.BackfillExecutionStatus, recordsInserted int, errMsg string) error {
	var completedAt interface{}
	if status == types.ExecCompleted || status == types.ExecFailed {
		completedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
UPDATE backfill_state_persistent
SET status = $2, records_inserted = $3, error_message = $4, completed_at = $5
WHERE execution_id = $1`, executionID, status, recordsInserted, errMsg, completedAt)
	if err != nil {
		return fmt.Errorf("store: update backfill state: %w", err)
	}
	return nil
}

func (p *Postgres) ListActiveStates(ctx context.Context) ([]types.BackfillExecution, error) {
	var out []types.BackfillExecution
	err := p.db.SelectContext(ctx, &out, `
SELECT execution_id, symbol, timeframe, status, started_at, completed_at, records_inserted, error_message, retry_count
FROM backfill_state_persistent WHERE status IN ('pending','in_progress') ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list active states: %w", err)
	}
	return out, nil
}

func (p *Postgres) GetState(ctx context.Context, executionID string) (*types.BackfillExecution, error) {
	var e types.BackfillExecution
	err := p.db.GetContext(ctx, &e, `
SELECT execution_id, symbol, timeframe, status, started_at, completed_at, records_inserted, error_message, retry_count
FROM backfill_state_persistent WHERE execution_id = $1`, executionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get state: %w", err)
	}
	return &e, nil
}

// --- Failure tracking ---------------------------------------------------------

func (p *Postgres) MarkSuccess(ctx context.Context, symbol string) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO symbol_failure_tracking (symbol, consecutive_failures, last_success_at, alert_sent)
VALUES ($1, 0, now(), false)
ON CONFLICT (symbol) DO UPDATE SET consecutive_failures = 0, last_success_at = now(), alert_sent = false`, symbol)
	if err != nil {
		return fmt.Errorf("store: mark success: %w", err)
	}
	return nil
}

func (p *Postgres) MarkFailure(ctx context.Context, symbol string) (bool, error) {
	var failures int
	var alertSent bool
	err := p.db.QueryRowContext(ctx, `
INSERT INTO symbol_failure_tracking (symbol, consecutive_failures, last_failure_at, alert_sent)
VALUES ($1, 1, now(), false)
ON CONFLICT (symbol) DO UPDATE SET consecutive_failures = symbol_failure_tracking.consecutive_failures + 1, last_failure_at = now()
RETURNING consecutive_failures, alert_sent`, symbol).Scan(&failures, &alertSent)
	if err != nil {
		return false, fmt.Errorf("store: mark failure: %w", err)
	}
	return failures >= 3 && !alertSent, nil
}

func (p *Postgres) MarkAlerted(ctx context.Context, symbol string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE symbol_failure_tracking SET alert_sent = true, alert_sent_at = now() WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("store: mark alerted: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, symbol string) (*types.SymbolFailureTracking, error) {
	var f types.SymbolFailureTracking
	err := p.db.GetContext(ctx, &f, `SELECT * FROM symbol_failure_tracking WHERE symbol = $1`, symbol)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get failure tracking: %w", err)
	}
	return &f, nil
}

// --- Anomalies -----------------------------------------------------------------

func (p *Postgres) LogAnomaly(ctx context.Context, a types.DataAnomaly) error {
	_, err := p.db.NamedExecContext(ctx, `
INSERT INTO data_anomalies (symbol, timeframe, anomaly_type, severity, description, affected_rows, resolution_status, detected_at)
VALUES (:symbol, :timeframe, :anomaly_type, :severity, :description, :affected_rows, 'open', now())`, a)
	if err != nil {
		return fmt.Errorf("store: log anomaly: %w", err)
	}
	return nil
}

func (p *Postgres) QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]types.DataAnomaly, error) {
	query := `SELECT * FROM data_anomalies WHERE 1=1`
	var args []interface{}
	if q.Symbol != "" {
		args = append(args, q.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if q.Severity != "" {
		args = append(args, q.Severity)
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if q.Since != nil {
		args = append(args, *q.Since)
		query += fmt.Sprintf(" AND detected_at >= $%d", len(args))
	}
	query += " ORDER BY detected_at DESC"

	var out []types.DataAnomaly
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("store: query anomalies: %w", err)
	}
	return out, nil
}

// --- Features --------------------------------------------------------------------

func (p *Postgres) UpsertFeatures(ctx context.Context, symbol string, tf types.Timeframe, rows []types.Candle) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin feature upsert: %w", err)
	}
	defer tx.Rollback()

	const stmt = `
UPDATE market_data SET
  log_return = :log_return, return_1d = :return_1d, return_1h = :return_1h,
  volatility_20 = :volatility_20, volatility_50 = :volatility_50, atr = :atr,
  rolling_volume_20 = :rolling_volume_20, volume_ratio = :volume_ratio,
  hh = :hh, hl = :hl, lh = :lh, ll = :ll,
  trend_direction = :trend_direction, structure_label = :structure_label,
  volatility_regime = :volatility_regime, trend_regime = :trend_regime,
  compression_regime = :compression_regime, features_computed_at = now()
WHERE symbol = :symbol AND timeframe = :timeframe AND time = :time`

	for _, r := range rows {
		r.Symbol, r.Timeframe = symbol, tf
		if _, err := tx.NamedExecContext(ctx, stmt, r); err != nil {
			return fmt.Errorf("store: upsert features: %w", err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) LogFeatureRun(ctx context.Context, symbol string, tf types.Timeframe, window, records int, outcome string) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO feature_run_log (symbol, timeframe, window, records, outcome, run_at)
VALUES ($1, $2, $3, $4, $5, now())`, symbol, tf, window, records, outcome)
	if err != nil {
		return fmt.Errorf("store: log feature run: %w", err)
	}
	return nil
}

// --- API keys --------------------------------------------------------------------

func (p *Postgres) CreateKey(ctx context.Context, name string) (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("store: generate key material: %w", err)
	}
	keyMaterial := hex.EncodeToString(raw)
	digest := sha256Hex(keyMaterial)
	id := uuid.New().String()

	_, err := p.db.ExecContext(ctx, `INSERT INTO api_keys (id, name, hash, active, created_at, request_count) VALUES ($1, $2, $3, true, now(), 0)`, id, name, digest)
	if err != nil {
		return "", "", fmt.Errorf("store: create api key: %w", err)
	}
	return id, keyMaterial, nil
}

func (p *Postgres) Validate(ctx context.Context, keyMaterial string) (string, bool, error) {
	digest := sha256Hex(keyMaterial)
	var id string
	var active bool
	err := p.db.QueryRowContext(ctx, `SELECT id, active FROM api_keys WHERE hash = $1`, digest).Scan(&id, &active)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: validate api key: %w", err)
	}
	if !active {
		return "", false, nil
	}
	_, _ = p.db.ExecContext(ctx, `UPDATE api_keys SET request_count = request_count + 1 WHERE id = $1`, id)
	return id, true, nil
}

func (p *Postgres) List(ctx context.Context) ([]types.APIKey, error) {
	var out []types.APIKey
	if err := p.db.SelectContext(ctx, &out, `SELECT id, name, hash, active, created_at, request_count FROM api_keys ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("store: list api keys: %w", err)
	}
	return out, nil
}

func (p *Postgres) Revoke(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE api_keys SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: revoke api key: %w", err)
	}
	return nil
}

func (p *Postgres) Audit(ctx context.Context, a types.APIKeyAudit) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO api_key_audit (key_id, endpoint, outcome, remote_ip, at)
VALUES ($1, $2, $3, $4, now())`, a.KeyID, a.Endpoint, a.Outcome, a.RemoteIP)
	if err != nil {
		return fmt.Errorf("store: audit: %w", err)
	}
	return nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

var _ Store = (*Postgres)(nil)
