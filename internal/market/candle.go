package market

import "time"

// Candle is one raw OHLCV sample as returned by an exchange, aligned to a
// granularity boundary. No validation happens here; provider values are kept
// as-is and checked when converted to a Bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}
