// Package validation implements the per-candle integrity and quality
// scoring engine from spec.md §4.5. Pure function over its inputs — no
// I/O, no suspension points (spec.md §5).
package validation

import (
	"fmt"
	"math"
	"strings"

	"github.com/sawpanic/marketwarehouse/internal/types"
)

const (
	hardFailDeduction = 0.40
	softFailDeduction = 0.10
	validatedThreshold = 0.85
	extremeMoveRatio    = 5.0 // 500%
	gapRatio            = 0.10
	volumeAnomalyHigh   = 10.0
	volumeAnomalyLow    = 0.1
)

// Outcome is the ValidationOutcome value the engine returns — never raises
// (spec.md §9 "Exceptions for control flow in validation").
type Outcome struct {
	Score           float64
	Validated       bool
	GapDetected     bool
	VolumeAnomaly   bool
	Notes           string
	FailedChecks    []string
}

// Score evaluates one candle against its predecessor and the symbol's
// recent median volume. prevClose and medianVolume are nil when unknown
// (spec.md: "missing prev_close → skip gap and price-move checks").
func Score(candle types.Candle, prevClose *float64, medianVolume *float64) Outcome {
	var notes []string
	var failed []string
	score := 1.0

	ohlcOK := candle.OHLCValid()
	if !ohlcOK {
		score -= hardFailDeduction
		failed = append(failed, "ohlc_constraints")
		notes = append(notes, "ohlc_constraints:fail")
	} else {
		notes = append(notes, "ohlc_constraints:pass")
	}

	gapDetected := false
	volumeAnomaly := false

	if prevClose != nil && *prevClose != 0 {
		moveRatio := math.Abs(candle.Close-*prevClose) / math.Abs(*prevClose)
		if moveRatio > extremeMoveRatio {
			score -= hardFailDeduction
			failed = append(failed, "extreme_price_move")
			notes = append(notes, fmt.Sprintf("extreme_price_move:fail(%.4f)", moveRatio))
		} else {
			notes = append(notes, "extreme_price_move:pass")
		}

		gapRatioObserved := math.Abs(candle.Open-*prevClose) / math.Abs(*prevClose)
		if gapRatioObserved > gapRatio {
			gapDetected = true
			score -= softFailDeduction
			notes = append(notes, fmt.Sprintf("gap_detected:soft_fail(%.4f)", gapRatioObserved))
		} else {
			notes = append(notes, "gap_detected:pass")
		}
	} else {
		notes = append(notes, "extreme_price_move:skipped(no_prev_close)", "gap_detected:skipped(no_prev_close)")
	}

	if medianVolume != nil && *medianVolume > 0 {
		if candle.Volume > volumeAnomalyHigh*(*medianVolume) || candle.Volume < volumeAnomalyLow*(*medianVolume) {
			volumeAnomaly = true
			score -= softFailDeduction
			notes = append(notes, "volume_anomaly:soft_fail")
		} else {
			notes = append(notes, "volume_anomaly:pass")
		}
	} else {
		notes = append(notes, "volume_anomaly:skipped(no_median_volume)")
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return Outcome{
		Score:         score,
		Validated:     score >= validatedThreshold,
		GapDetected:   gapDetected,
		VolumeAnomaly: volumeAnomaly,
		Notes:         strings.Join(notes, "; "),
		FailedChecks:  failed,
	}
}

// Apply stamps a candle with the outcome of Score, matching the column
// names in spec.md §3.
func Apply(candle types.Candle, prevClose *float64, medianVolume *float64) types.Candle {
	outcome := Score(candle, prevClose, medianVolume)
	candle.QualityScore = outcome.Score
	candle.Validated = outcome.Validated
	candle.GapDetected = outcome.GapDetected
	candle.VolumeAnomaly = outcome.VolumeAnomaly
	candle.ValidationNotes = outcome.Notes
	return candle
}
