package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/marketwarehouse/internal/config"
	"github.com/sawpanic/marketwarehouse/internal/observability"
	"github.com/sawpanic/marketwarehouse/internal/orchestrator"
	"github.com/sawpanic/marketwarehouse/internal/scheduler"
	"github.com/sawpanic/marketwarehouse/internal/store"
	"github.com/sawpanic/marketwarehouse/internal/types"
	"github.com/sawpanic/marketwarehouse/internal/upstream"
)

func newBackfillCmd() *cobra.Command {
	var symbols string
	var timeframe string
	var days int

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run a one-off backfill for the given symbols outside the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfillCLI(symbols, timeframe, days)
		},
	}
	cmd.Flags().StringVar(&symbols, "symbols", "", "comma-separated symbols (required)")
	cmd.Flags().StringVar(&timeframe, "timeframe", "1d", "timeframe code")
	cmd.Flags().IntVar(&days, "days", 7, "lookback window in days")
	cmd.MarkFlagRequired("symbols")
	return cmd
}

func runBackfillCLI(symbolsFlag, timeframe string, days int) error {
	tf := types.Timeframe(timeframe)
	if !types.ValidTimeframe(tf) {
		return fmt.Errorf("unknown timeframe: %s", timeframe)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := observability.NewLogger(cfg.LogLevel, true)

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.New(db, log)

	primary := upstream.NewPrimaryClient(upstream.PrimaryConfig{BaseURL: defaultPrimaryBaseURL, APIKey: cfg.UpstreamAPIKey, RequestsPerSecond: 5})
	fallback := upstream.NewFallbackClient(upstream.FallbackConfig{BaseURL: defaultFallbackBaseURL, RequestsPerSecond: 2})
	orch := orchestrator.New(primary, fallback)

	metrics := observability.NewPrometheusMetrics()
	alerts := observability.NewManager(log)
	sched := scheduler.New(scheduler.Config{}, st, orch, log, metrics, alerts)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return err
	}

	names := strings.Split(symbolsFlag, ",")
	jobID := sched.Enqueue(scheduler.AdHocRequest{
		Symbols:   names,
		Timeframe: tf,
		Start:     time.Now().UTC().AddDate(0, 0, -days),
		End:       time.Now().UTC(),
	})
	fmt.Printf("backfill job %s enqueued for %s\n", jobID, symbolsFlag)

	summaryKey := "adhoc:" + jobID
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sched.Stop(context.Background())
			return fmt.Errorf("backfill job %s did not finish before the deadline", jobID)
		case <-ticker.C:
			if sum, ok := sched.LastSummary(summaryKey); ok {
				fmt.Printf("completed: %d succeeded, %d failed, %d records\n", sum.Succeeded, sum.Failed, sum.RecordsTotal)
				return sched.Stop(context.Background())
			}
		}
	}
}
