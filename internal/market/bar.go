package market

import (
	"fmt"
	"math"
	"time"
)

// Bar is one validated candle tagged with its instrument, in the shape
// persisted to ClickHouse. Bars are immutable once constructed.
type Bar struct {
	InstrumentID string    `json:"instrument_id"`
	Ts           time.Time `json:"ts"`
	Open         float64   `json:"o"`
	High         float64   `json:"h"`
	Low          float64   `json:"l"`
	Close        float64   `json:"c"`
	VolumeBase   float64   `json:"volume_base"`
	VolumeQuote  float64   `json:"volume_quote"`
}

// ValidationError reports a bar that violates an OHLC consistency rule.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid bar field %s: %s", e.Field, e.Message)
}

// NewBar constructs a validated Bar from one candle. It rejects negative or
// non-finite values, high < max(open, close) and low > min(open, close).
// VolumeQuote is derived as volume × close.
func NewBar(instrumentID string, c Candle) (Bar, error) {
	fields := []struct {
		name  string
		value float64
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
		{"volume_base", c.Volume},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return Bar{}, &ValidationError{Field: f.name, Message: "value is not finite"}
		}
		if f.value < 0 {
			return Bar{}, &ValidationError{Field: f.name, Message: fmt.Sprintf("must be >= 0, got %v", f.value)}
		}
	}

	if maxOC := math.Max(c.Open, c.Close); c.High < maxOC {
		return Bar{}, &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high (%v) must be >= max(open, close) (%v)", c.High, maxOC),
		}
	}
	if minOC := math.Min(c.Open, c.Close); c.Low > minOC {
		return Bar{}, &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low (%v) must be <= min(open, close) (%v)", c.Low, minOC),
		}
	}

	return Bar{
		InstrumentID: instrumentID,
		Ts:           c.Timestamp,
		Open:         c.Open,
		High:         c.High,
		Low:          c.Low,
		Close:        c.Close,
		VolumeBase:   c.Volume,
		VolumeQuote:  c.Volume * c.Close,
	}, nil
}
