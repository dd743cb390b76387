// Package httpapi is the warehouse's HTTP surface from spec.md §6: public
// read endpoints for candles, features, symbols and observability, plus
// API-key-gated admin endpoints for symbol and backfill management.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sawpanic/marketwarehouse/internal/observability"
	"github.com/sawpanic/marketwarehouse/internal/querycache"
	"github.com/sawpanic/marketwarehouse/internal/scheduler"
	"github.com/sawpanic/marketwarehouse/internal/store"
)

// Config controls the listener and request limits.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// QueryCacheMaxSize and QueryCacheTTL bound the read-endpoint result
	// cache (0 disables caching).
	QueryCacheMaxSize int
	QueryCacheTTL     time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Server wires the router, the persistence layer, the scheduler and the
// observability surfaces into one http.Server.
type Server struct {
	router *mux.Router
	server *http.Server
	cfg    Config

	store      store.Store
	sched      *scheduler.Scheduler
	log        zerolog.Logger
	metrics    *observability.PrometheusMetrics
	collector  *observability.Collector
	alerts     *observability.Manager
	cache      *querycache.Cache
}

// New builds a Server and registers every route from spec.md §6.
func New(cfg Config, st store.Store, sched *scheduler.Scheduler, log zerolog.Logger, metrics *observability.PrometheusMetrics, collector *observability.Collector, alerts *observability.Manager) *Server {
	cfg.applyDefaults()

	s := &Server{
		router:    mux.NewRouter(),
		cfg:       cfg,
		store:     st,
		sched:     sched,
		log:       log,
		metrics:   metrics,
		collector: collector,
		alerts:    alerts,
		cache:     querycache.New(cfg.QueryCacheMaxSize, cfg.QueryCacheTTL),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.traceMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/historical/{symbol}", s.handleHistorical).Methods(http.MethodGet)
	api.HandleFunc("/features/quant/{symbol}", s.handleFeatures).Methods(http.MethodGet)
	api.HandleFunc("/symbols", s.handleListSymbols).Methods(http.MethodGet)
	api.HandleFunc("/symbols/detailed", s.handleListSymbolsDetailed).Methods(http.MethodGet)
	api.HandleFunc("/observability/metrics", s.handleObservabilityMetrics).Methods(http.MethodGet)
	api.HandleFunc("/observability/alerts", s.handleObservabilityAlerts).Methods(http.MethodGet)

	admin := api.PathPrefix("").Subrouter()
	admin.Use(s.requireAPIKey)
	admin.HandleFunc("/symbols", s.handleCreateSymbol).Methods(http.MethodPost)
	admin.HandleFunc("/symbols/{symbol}", s.handleDeactivateSymbol).Methods(http.MethodDelete)
	admin.HandleFunc("/symbols/{symbol}", s.handleUpdateSymbolTimeframes).Methods(http.MethodPut)
	admin.HandleFunc("/backfill", s.handleTriggerBackfill).Methods(http.MethodPost)
	admin.HandleFunc("/admin/api-keys", s.handleCreateAPIKey).Methods(http.MethodPost)
	admin.HandleFunc("/admin/api-keys", s.handleListAPIKeys).Methods(http.MethodGet)
	admin.HandleFunc("/admin/api-keys/{id}", s.handleRevokeAPIKey).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		notFound(w, "no such route: "+r.URL.Path)
	})
}

// Start blocks serving HTTP until the listener errors or is shut down.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	s.cache.Close()
	return s.server.Shutdown(ctx)
}
