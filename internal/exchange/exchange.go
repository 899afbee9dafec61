// Package exchange provides market-data provider adapters. Each adapter turns
// a provider's paginated candle API into an ordered []market.Candle for a
// requested time window and granularity.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/vibetrade/marketdata/internal/market"
)

// Adapter fetches historical candles from one provider.
//
// Implementations return candles ascending by timestamp, covering every
// provider-returned point inside [start, end]. A fetch that fails part-way
// returns no candles and an *Error; partial results are never handed back.
type Adapter interface {
	GetCandles(
		ctx context.Context,
		symbol market.Symbol,
		instrument market.Instrument,
		start, end time.Time,
		granularity market.Granularity,
	) ([]market.Candle, error)
}

// Error tags a provider-communication failure. The orchestrator reports it as
// a per-symbol error without aborting the batch.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s exchange error: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
