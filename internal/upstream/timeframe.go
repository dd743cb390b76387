package upstream

import "github.com/sawpanic/marketwarehouse/internal/types"

// PaginationCode is the provider-specific encoding of a timeframe for
// pagination/query-string purposes. spec.md §4.2/§6: "the map is fixed and
// enumerated".
type PaginationCode struct {
	Unit   string // "minute", "hour", "day", "week"
	Amount int
}

// TimeframeCodes is the fixed, enumerated timeframe→provider-code map.
var TimeframeCodes = map[types.Timeframe]PaginationCode{
	types.Timeframe1m:  {Unit: "minute", Amount: 1},
	types.Timeframe5m:  {Unit: "minute", Amount: 5},
	types.Timeframe15m: {Unit: "minute", Amount: 15},
	types.Timeframe30m: {Unit: "minute", Amount: 30},
	types.Timeframe1h:  {Unit: "hour", Amount: 1},
	types.Timeframe2h:  {Unit: "hour", Amount: 2},
	types.Timeframe4h:  {Unit: "hour", Amount: 4},
	types.Timeframe1d:  {Unit: "day", Amount: 1},
	types.Timeframe1w:  {Unit: "week", Amount: 1},
}

// CodeFor returns the provider pagination code for tf, or false if tf is
// unrecognised (spec.md: "reject unrecognised fields rather than silently
// ignoring them").
func CodeFor(tf types.Timeframe) (PaginationCode, bool) {
	c, ok := TimeframeCodes[tf]
	return c, ok
}
