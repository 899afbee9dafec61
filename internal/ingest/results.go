package ingest

import (
	"time"

	"github.com/vibetrade/marketdata/internal/market"
)

// Status values reported by ingestion operations.
const (
	StatusSuccess             = "success"
	StatusNoNewData           = "no_new_data"
	StatusError               = "error"
	StatusCompletedWithErrors = "completed_with_errors"
)

// AppendResult is the per-symbol outcome of an append operation.
type AppendResult struct {
	Instrument   string             `json:"instrument"`
	Granularity  market.Granularity `json:"granularity"`
	BarsInserted int                `json:"bars_inserted"`
	Status       string             `json:"status"`
	ElapsedMs    int64              `json:"execution_time_ms"`
	Errors       []string           `json:"errors,omitempty"`
}

// RangeResult is the per-symbol outcome of a range or backfill operation.
// Counts are always reported; zero candles in range mode is just zero.
type RangeResult struct {
	Instrument     string             `json:"instrument"`
	Granularity    market.Granularity `json:"granularity"`
	Start          time.Time          `json:"start_time"`
	End            time.Time          `json:"end_time"`
	CandlesFetched int                `json:"candles_fetched"`
	BarsInserted   int                `json:"bars_inserted"`
	Status         string             `json:"status"`
	ElapsedMs      int64              `json:"execution_time_ms"`
	Errors         []string           `json:"errors,omitempty"`
}

// BatchResult aggregates per-symbol outcomes of one batch invocation.
// Status is "success" only when no per-symbol errors occurred; ElapsedMs is
// wall-clock time around the whole batch.
type BatchResult struct {
	JobName           string   `json:"job_name"`
	Status            string   `json:"status"`
	SymbolsProcessed  int      `json:"symbols_processed"`
	TotalBarsInserted int      `json:"total_bars_inserted"`
	Errors            []string `json:"errors"`
	ElapsedMs         int64    `json:"execution_time_ms"`
}
