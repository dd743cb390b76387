// Package orchestrator implements the multi-source orchestrator from
// spec.md §4.4: primary-first fetch with an optional fallback resilience
// boundary, plus simple validation-score-driven source selection.
package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sawpanic/marketwarehouse/internal/types"
	"github.com/sawpanic/marketwarehouse/internal/upstream"
)

// PrimarySource and FallbackSource abstract the two upstream clients so the
// orchestrator can be tested without real HTTP.
type PrimarySource interface {
	FetchRange(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time, assetClass types.AssetClass) ([]upstream.NormalizedCandle, error)
}

type FallbackSource interface {
	FetchRange(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time, assetClass types.AssetClass) ([]upstream.NormalizedCandle, error)
}

// Options configures one FetchRange call.
type Options struct {
	UseFallback bool
	Validate    bool
	Threshold   float64 // defaults to 0.85
}

// Orchestrator chooses primary/fallback per request.
type Orchestrator struct {
	primary  PrimarySource
	fallback FallbackSource

	primaryOnly    int64
	fallbackUsed   int64
	bothFailed     int64
	primaryBetter  int64
	fallbackBetter int64
	equalScore     int64
}

// New builds an Orchestrator. fallback may be nil if no fallback is
// configured.
func New(primary PrimarySource, fallback FallbackSource) *Orchestrator {
	return &Orchestrator{primary: primary, fallback: fallback}
}

// Counters is a point-in-time snapshot of the orchestrator's tallies.
type Counters struct {
	PrimaryOnly    int64
	FallbackUsed   int64
	BothFailed     int64
	PrimaryBetter  int64
	FallbackBetter int64
	Equal          int64
}

func (o *Orchestrator) Counters() Counters {
	return Counters{
		PrimaryOnly:    atomic.LoadInt64(&o.primaryOnly),
		FallbackUsed:   atomic.LoadInt64(&o.fallbackUsed),
		BothFailed:     atomic.LoadInt64(&o.bothFailed),
		PrimaryBetter:  atomic.LoadInt64(&o.primaryBetter),
		FallbackBetter: atomic.LoadInt64(&o.fallbackBetter),
		Equal:          atomic.LoadInt64(&o.equalScore),
	}
}

// QuickScore approximates validation quality without a prev_close/median
// volume history: the fraction of candles whose OHLC shape is internally
// consistent. Used only for the orchestrator's primary-vs-fallback
// quality comparison (spec.md §4.4 step 2), not for persisted scoring.
func QuickScore(candles []upstream.NormalizedCandle) float64 {
	if len(candles) == 0 {
		return 0
	}
	ok := 0
	for _, c := range candles {
		if c.Low <= c.Open && c.Low <= c.Close && c.High >= c.Open && c.High >= c.Close && c.Low <= c.High && c.Volume >= 0 {
			ok++
		}
	}
	return float64(ok) / float64(len(candles))
}

// FetchRange implements the policy in spec.md §4.4.
func (o *Orchestrator) FetchRange(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time, assetClass types.AssetClass, opts Options) ([]upstream.NormalizedCandle, types.Source, error) {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.85
	}

	primaryCandles, primaryErr := o.primary.FetchRange(ctx, symbol, tf, start, end, assetClass)
	primaryOK := primaryErr == nil && len(primaryCandles) > 0

	if !primaryOK {
		if opts.UseFallback && o.fallback != nil {
			fallbackCandles, fallbackErr := o.fallback.FetchRange(ctx, symbol, tf, start, end, assetClass)
			if fallbackErr == nil && len(fallbackCandles) > 0 {
				atomic.AddInt64(&o.fallbackUsed, 1)
				return fallbackCandles, types.SourceFallback, nil
			}
			atomic.AddInt64(&o.bothFailed, 1)
			return nil, types.SourceNone, nil
		}
		if primaryErr != nil {
			atomic.AddInt64(&o.bothFailed, 1)
			return nil, types.SourceNone, primaryErr
		}
		atomic.AddInt64(&o.bothFailed, 1)
		return nil, types.SourceNone, nil
	}

	if opts.Validate && opts.UseFallback && o.fallback != nil {
		primaryScore := QuickScore(primaryCandles)
		if primaryScore < opts.Threshold {
			fallbackCandles, fallbackErr := o.fallback.FetchRange(ctx, symbol, tf, start, end, assetClass)
			if fallbackErr == nil && len(fallbackCandles) > 0 {
				fallbackScore := QuickScore(fallbackCandles)
				switch {
				case fallbackScore > primaryScore:
					atomic.AddInt64(&o.fallbackBetter, 1)
					atomic.AddInt64(&o.fallbackUsed, 1)
					return fallbackCandles, types.SourceFallback, nil
				case fallbackScore < primaryScore:
					atomic.AddInt64(&o.primaryBetter, 1)
				default:
					atomic.AddInt64(&o.equalScore, 1)
				}
			}
		}
	}

	atomic.AddInt64(&o.primaryOnly, 1)
	return primaryCandles, types.SourcePrimary, nil
}
