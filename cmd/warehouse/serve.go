package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/marketwarehouse/internal/config"
	"github.com/sawpanic/marketwarehouse/internal/httpapi"
	"github.com/sawpanic/marketwarehouse/internal/observability"
	"github.com/sawpanic/marketwarehouse/internal/orchestrator"
	"github.com/sawpanic/marketwarehouse/internal/scheduler"
	"github.com/sawpanic/marketwarehouse/internal/store"
	"github.com/sawpanic/marketwarehouse/internal/upstream"
)

func newServeCmd() *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the backfill/feature/health scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(pretty)
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "render logs with zerolog's console writer instead of JSON")
	return cmd
}

func runServe(pretty bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := observability.NewLogger(cfg.LogLevel, pretty)

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.New(db, log)

	primary := upstream.NewPrimaryClient(upstream.PrimaryConfig{
		BaseURL:           defaultPrimaryBaseURL,
		APIKey:            cfg.UpstreamAPIKey,
		RequestsPerSecond: 5,
	})
	fallback := upstream.NewFallbackClient(upstream.FallbackConfig{
		BaseURL:           defaultFallbackBaseURL,
		RequestsPerSecond: 2,
	})
	orch := orchestrator.New(primary, fallback)

	metrics := observability.NewPrometheusMetrics()
	collector := observability.NewCollector()
	alerts := observability.NewManager(log)
	if cfg.AlertEmailEnabled {
		alerts = alerts.WithEmail(newSMTPSender(cfg), log)
	}

	schedCfg := scheduler.Config{
		BackfillHour:         cfg.BackfillScheduleHour,
		HourlyMinute:         cfg.BackfillScheduleMinute,
		MaxConcurrentSymbols: cfg.MaxConcurrentSymbols,
	}
	sched := scheduler.New(schedCfg, st, orch, log, metrics, alerts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return err
	}

	apiCfg := httpapi.Config{
		Host:              cfg.APIHost,
		Port:              cfg.APIPort,
		QueryCacheMaxSize: cfg.QueryCacheMaxSize,
		QueryCacheTTL:     time.Duration(cfg.QueryCacheTTLSeconds) * time.Second,
	}
	srv := httpapi.New(apiCfg, st, sched, log, metrics, collector, alerts)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("scheduler did not stop cleanly")
	}
	return srv.Shutdown(shutdownCtx)
}
