package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sawpanic/marketwarehouse/internal/store"
	"github.com/sawpanic/marketwarehouse/internal/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.store.ListActive(r.Context())
	if err != nil {
		internalError(w, "failed to load symbol registry")
		return
	}

	running := 0
	for _, sym := range symbols {
		if sym.BackfillStatus == types.BackfillStatusRunning {
			running++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tracked_symbols": len(symbols),
		"running":         running,
		"server_time":     time.Now().UTC(),
	})
}

// handleHistorical serves GET /api/v1/historical/{symbol}?timeframe=1d&start=...&end=...
func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	q := r.URL.Query()

	tf := types.Timeframe(q.Get("timeframe"))
	if tf == "" {
		tf = types.Timeframe1d
	}
	if !types.ValidTimeframe(tf) {
		badRequest(w, "unknown timeframe: "+string(tf))
		return
	}

	start, err := parseTimeParam(q.Get("start"), time.Now().UTC().AddDate(0, -1, 0))
	if err != nil {
		badRequest(w, "invalid start: "+err.Error())
		return
	}
	end, err := parseTimeParam(q.Get("end"), time.Now().UTC())
	if err != nil {
		badRequest(w, "invalid end: "+err.Error())
		return
	}
	if end.Before(start) {
		badRequest(w, "end must not be before start")
		return
	}

	opts := store.QueryOptions{ValidatedOnly: q.Get("validated_only") == "true"}
	if raw := q.Get("min_quality"); raw != "" {
		mq, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			badRequest(w, "invalid min_quality: "+err.Error())
			return
		}
		opts.MinQuality = mq
	}

	cacheKey := historicalCacheKey(symbol, tf, start, end, opts.ValidatedOnly, opts.MinQuality)
	if cached, ok := s.cache.Get(cacheKey); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	candles, err := s.store.QueryRange(r.Context(), symbol, tf, start, end, opts)
	if err != nil {
		internalError(w, "failed to query candles")
		return
	}

	resp := map[string]any{
		"symbol":    symbol,
		"timeframe": tf,
		"candles":   candles,
	}

	latest, err := s.store.Latest(r.Context(), symbol, tf)
	if err == nil && latest != nil && time.Since(latest.Time) > staleThresholdFor(tf) {
		resp["staleness"] = "upstream data may be delayed; last candle is older than expected for this timeframe"
	} else {
		// Only cache responses without a staleness hint: a stale result
		// should be re-checked against the store on the next request
		// rather than served from cache until expiry.
		s.cache.Set(cacheKey, resp)
	}

	writeJSON(w, http.StatusOK, resp)
}

func historicalCacheKey(symbol string, tf types.Timeframe, start, end time.Time, validatedOnly bool, minQuality float64) string {
	return fmt.Sprintf("%s:historical:%s:%d:%d:%v:%g", symbol, tf, start.Unix(), end.Unix(), validatedOnly, minQuality)
}

func featuresCacheKey(symbol string, tf types.Timeframe, limit int) string {
	return fmt.Sprintf("%s:features:%s:%d", symbol, tf, limit)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	q := r.URL.Query()

	tf := types.Timeframe(q.Get("timeframe"))
	if tf == "" {
		tf = types.Timeframe1d
	}
	if !types.ValidTimeframe(tf) {
		badRequest(w, "unknown timeframe: "+string(tf))
		return
	}

	limit := 100
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n <= 1000 {
		limit = n
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -limit)

	cacheKey := featuresCacheKey(symbol, tf, limit)
	if cached, ok := s.cache.Get(cacheKey); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	candles, err := s.store.QueryRange(r.Context(), symbol, tf, start, end, store.QueryOptions{ValidatedOnly: true})
	if err != nil {
		internalError(w, "failed to query features")
		return
	}
	if len(candles) == 0 {
		notFound(w, "no feature history for "+symbol)
		return
	}

	resp := map[string]any{
		"symbol":    symbol,
		"timeframe": tf,
		"features":  candles,
	}
	s.cache.Set(cacheKey, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.store.ListActive(r.Context())
	if err != nil {
		internalError(w, "failed to list symbols")
		return
	}
	names := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		names = append(names, sym.Symbol)
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": names})
}

func (s *Server) handleListSymbolsDetailed(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.store.ListActive(r.Context())
	if err != nil {
		internalError(w, "failed to list symbols")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": symbols})
}

func (s *Server) handleObservabilityMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints":   s.collector.Snapshot(),
		"query_cache": s.cache.Stats(),
	})
}

func (s *Server) handleObservabilityAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.alerts.Recent()})
}

func parseTimeParam(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// staleThresholdFor is the window beyond which a query result is flagged
// with a staleness hint, per spec.md §7's query-endpoint degrade policy.
func staleThresholdFor(tf types.Timeframe) time.Duration {
	switch tf {
	case types.Timeframe1m, types.Timeframe5m, types.Timeframe15m, types.Timeframe30m:
		return 15 * time.Minute
	case types.Timeframe1h, types.Timeframe2h, types.Timeframe4h:
		return 6 * time.Hour
	case types.Timeframe1w:
		return 10 * 24 * time.Hour
	default:
		return 2 * 24 * time.Hour
	}
}
