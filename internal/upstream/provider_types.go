package upstream

import "time"

// providerCandle is the wire shape returned by the paid primary provider:
// timestamps are milliseconds since epoch, UTC bucket start.
type providerCandle struct {
	TimeMS int64   `json:"t"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

type providerRangeResponse struct {
	Symbol  string           `json:"symbol"`
	Candles []providerCandle `json:"candles"`
}

// normalize converts a provider-units candle into the warehouse's UTC,
// bucket-start representation. Provider timestamps in milliseconds are
// divided by 1000 per spec.md §4.2.
func (c providerCandle) normalize() NormalizedCandle {
	return NormalizedCandle{
		Time:   time.Unix(c.TimeMS/1000, 0).UTC(),
		Open:   c.Open,
		High:   c.High,
		Low:    c.Low,
		Close:  c.Close,
		Volume: c.Volume,
	}
}

// NormalizedCandle is the provider-agnostic OHLCV shape both clients
// return, before validation or persistence metadata is attached.
type NormalizedCandle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// CorporateEvent represents a dividend or split event (spec.md §4.2,
// optional corporate-event fetches).
type CorporateEvent struct {
	Symbol    string    `json:"symbol"`
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"` // "dividend" or "split"
	Amount    float64   `json:"amount,omitempty"`
	Ratio     float64   `json:"ratio,omitempty"`
}
