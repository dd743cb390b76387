package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sawpanic/marketwarehouse/internal/scheduler"
	"github.com/sawpanic/marketwarehouse/internal/types"
)

type createSymbolRequest struct {
	Symbol     string             `json:"symbol"`
	AssetClass types.AssetClass   `json:"asset_class"`
	Timeframes []types.Timeframe  `json:"timeframes,omitempty"`
}

func (s *Server) handleCreateSymbol(w http.ResponseWriter, r *http.Request) {
	var req createSymbolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Symbol == "" {
		badRequest(w, "symbol is required")
		return
	}
	for _, tf := range req.Timeframes {
		if !types.ValidTimeframe(tf) {
			badRequest(w, "unknown timeframe: "+string(tf))
			return
		}
	}

	sym := types.Symbol{
		Symbol:     req.Symbol,
		AssetClass: req.AssetClass,
		Active:     true,
		Timeframes: req.Timeframes,
	}
	sym.NormalizeTimeframes()

	if err := s.store.Create(r.Context(), sym); err != nil {
		internalError(w, "failed to create symbol: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sym)
}

func (s *Server) handleDeactivateSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.store.Deactivate(r.Context(), symbol); err != nil {
		internalError(w, "failed to deactivate symbol: "+err.Error())
		return
	}
	s.cache.InvalidateSymbol(symbol)
	writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "status": "deactivated"})
}

type updateTimeframesRequest struct {
	Timeframes []types.Timeframe `json:"timeframes"`
}

func (s *Server) handleUpdateSymbolTimeframes(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	var req updateTimeframesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	for _, tf := range req.Timeframes {
		if !types.ValidTimeframe(tf) {
			badRequest(w, "unknown timeframe: "+string(tf))
			return
		}
	}
	if err := s.store.UpdateTimeframes(r.Context(), symbol, req.Timeframes); err != nil {
		internalError(w, "failed to update timeframes: "+err.Error())
		return
	}
	s.cache.InvalidateSymbol(symbol)
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "timeframes": req.Timeframes})
}

// dateOnlyLayout is the YYYY-MM-DD format spec.md §4.10 mandates for the
// backfill trigger's start/end fields — not full RFC3339.
const dateOnlyLayout = "2006-01-02"

type backfillRequest struct {
	Symbols    []string         `json:"symbols"`
	AssetClass types.AssetClass `json:"asset_class"`
	Timeframe  types.Timeframe  `json:"timeframe"`
	Start      string           `json:"start"`
	End        string           `json:"end"`
}

// handleTriggerBackfill enqueues an ad-hoc backfill job and returns
// immediately with a job_id; the run executes asynchronously on the
// scheduler's worker pool (spec.md §7: admin endpoints return immediately,
// failures surface via the backfill-state and anomaly queries).
func (s *Server) handleTriggerBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(req.Symbols) == 0 {
		badRequest(w, "symbols is required")
		return
	}
	if len(req.Symbols) > 100 {
		badRequest(w, "backfill requests are limited to 100 symbols")
		return
	}
	if req.Timeframe == "" {
		req.Timeframe = types.Timeframe1d
	}
	if !types.ValidTimeframe(req.Timeframe) {
		badRequest(w, "unknown timeframe: "+string(req.Timeframe))
		return
	}

	end := time.Now().UTC()
	if req.End != "" {
		parsed, err := time.Parse(dateOnlyLayout, req.End)
		if err != nil {
			badRequest(w, "invalid end (expected YYYY-MM-DD): "+err.Error())
			return
		}
		end = parsed
	}
	var start time.Time
	if req.Start != "" {
		parsed, err := time.Parse(dateOnlyLayout, req.Start)
		if err != nil {
			badRequest(w, "invalid start (expected YYYY-MM-DD): "+err.Error())
			return
		}
		start = parsed
	}
	if start.IsZero() || !start.Before(end) {
		badRequest(w, "start must precede end")
		return
	}

	jobID := s.sched.Enqueue(scheduler.AdHocRequest{
		Symbols:    req.Symbols,
		AssetClass: req.AssetClass,
		Timeframe:  req.Timeframe,
		Start:      start,
		End:        end,
	})

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}

	id, material, err := s.store.CreateKey(r.Context(), req.Name)
	if err != nil {
		internalError(w, "failed to create api key: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":  id,
		"key": material,
	})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.List(r.Context())
	if err != nil {
		internalError(w, "failed to list api keys: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.Revoke(r.Context(), id); err != nil {
		internalError(w, "failed to revoke api key: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "revoked"})
}
