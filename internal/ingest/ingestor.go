// Package ingest orchestrates spot market data ingestion: it decides what
// time window to fetch for each instrument, drives the exchange adapter,
// converts raw candles into validated bars and persists them.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vibetrade/marketdata/internal/exchange"
	"github.com/vibetrade/marketdata/internal/market"
	"github.com/vibetrade/marketdata/internal/storage"
)

const (
	// gapWarnThreshold triggers an observational warning in append mode.
	gapWarnThreshold = 6 * time.Hour

	// maxAppendGap caps how much backlog append mode will fetch, bounding
	// request volume against a long-stale instrument.
	maxAppendGap = 7 * 24 * time.Hour
)

// CandleSink receives the freshest candle per instrument after a successful
// append, for downstream fan-out.
type CandleSink interface {
	PublishCandle(ctx context.Context, symbol string, candle market.Candle, granularity market.Granularity) error
}

// Config holds orchestrator settings.
type Config struct {
	// Concurrency bounds parallel symbol processing in batch operations.
	// Values <= 1 keep the sequential per-symbol loop.
	Concurrency int

	// Clock supplies "now" for fetch-window decisions. Defaults to UTC wall
	// clock; injectable for tests.
	Clock func() time.Time

	// Sink, when non-nil, gets the newest appended candle per instrument.
	// Publish failures are logged but never fail the append.
	Sink CandleSink

	Logger *slog.Logger
}

// Ingestor orchestrates fetch → convert → store for spot bars.
type Ingestor struct {
	store       storage.BarStore
	exchange    exchange.Adapter
	clock       func() time.Time
	sink        CandleSink
	logger      *slog.Logger
	concurrency int
}

// NewIngestor wires an orchestrator from its collaborators.
func NewIngestor(store storage.BarStore, adapter exchange.Adapter, cfg Config) *Ingestor {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Ingestor{
		store:       store,
		exchange:    adapter,
		clock:       clock,
		sink:        cfg.Sink,
		logger:      logger.With("component", "ingestor"),
		concurrency: concurrency,
	}
}

// AppendLatest fetches and stores everything newer than the latest persisted
// bar for an instrument. With no prior data it bootstraps from the
// granularity's default lookback; a backlog older than seven days is capped.
// Zero candles is the expected steady-state outcome, reported as no_new_data.
func (in *Ingestor) AppendLatest(ctx context.Context, instrument market.Instrument, granularity market.Granularity) AppendResult {
	opStart := time.Now()
	log := in.logger.With("instrument", instrument.String(), "granularity", granularity)
	log.Info("appending latest bars")

	appendErr := func(err error) AppendResult {
		log.Error("append failed", "error", err)
		return AppendResult{
			Instrument:  instrument.String(),
			Granularity: granularity,
			Status:      StatusError,
			ElapsedMs:   time.Since(opStart).Milliseconds(),
			Errors:      []string{err.Error()},
		}
	}

	latest, haveLatest, err := in.store.LatestTimestamp(ctx, instrument.String(), granularity)
	if err != nil {
		return appendErr(err)
	}

	end := in.clock()
	var start time.Time
	if haveLatest {
		gap := end.Sub(latest)
		if gap > gapWarnThreshold {
			log.Warn("large gap detected", "gap", gap.Round(time.Second), "latest", latest)
		}
		if gap > maxAppendGap {
			log.Warn("gap exceeds append cap, truncating backlog", "gap", gap.Round(time.Second), "cap", maxAppendGap)
			start = end.Add(-maxAppendGap)
		} else {
			start = latest.Add(time.Second)
		}
	} else {
		start = end.Add(-granularity.DefaultLookback())
		log.Info("no prior data, bootstrapping", "start", start.Format(time.RFC3339))
	}

	candles, err := in.exchange.GetCandles(ctx, instrument.Base, instrument, start, end, granularity)
	if err != nil {
		return appendErr(err)
	}

	if len(candles) == 0 {
		log.Info("no new candles")
		return AppendResult{
			Instrument:  instrument.String(),
			Granularity: granularity,
			Status:      StatusNoNewData,
			ElapsedMs:   time.Since(opStart).Milliseconds(),
		}
	}

	bars := in.candlesToBars(candles, instrument)
	sr := in.store.StoreBars(ctx, bars, granularity)

	status := StatusSuccess
	if !sr.Success {
		status = StatusError
	}

	if sr.Success && in.sink != nil {
		newest := candles[len(candles)-1]
		if err := in.sink.PublishCandle(ctx, instrument.String(), newest, granularity); err != nil {
			log.Warn("candle fan-out failed", "error", err)
		}
	}

	return AppendResult{
		Instrument:   instrument.String(),
		Granularity:  granularity,
		BarsInserted: sr.RecordsStored,
		Status:       status,
		ElapsedMs:    time.Since(opStart).Milliseconds(),
		Errors:       sr.Errors,
	}
}

// IngestRange fetches and stores an explicit [start, end) window. The range
// is validated before any network call; counts are reported even when the
// provider returns nothing.
func (in *Ingestor) IngestRange(ctx context.Context, instrument market.Instrument, start, end time.Time, granularity market.Granularity) RangeResult {
	opStart := time.Now()
	log := in.logger.With("instrument", instrument.String(), "granularity", granularity)

	rangeErr := func(err error) RangeResult {
		log.Error("range ingestion failed", "error", err)
		return RangeResult{
			Instrument:  instrument.String(),
			Granularity: granularity,
			Start:       start,
			End:         end,
			Status:      StatusError,
			ElapsedMs:   time.Since(opStart).Milliseconds(),
			Errors:      []string{err.Error()},
		}
	}

	if !start.Before(end) {
		return rangeErr(fmt.Errorf("invalid range: start %s must be before end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339)))
	}

	log.Info("ingesting range", "start", start.Format(time.RFC3339), "end", end.Format(time.RFC3339))

	candles, err := in.exchange.GetCandles(ctx, instrument.Base, instrument, start, end, granularity)
	if err != nil {
		return rangeErr(err)
	}

	bars := in.candlesToBars(candles, instrument)
	sr := in.store.StoreBars(ctx, bars, granularity)

	status := StatusSuccess
	if !sr.Success {
		status = StatusError
	}
	return RangeResult{
		Instrument:     instrument.String(),
		Granularity:    granularity,
		Start:          start,
		End:            end,
		CandlesFetched: len(candles),
		BarsInserted:   sr.RecordsStored,
		Status:         status,
		ElapsedMs:      time.Since(opStart).Milliseconds(),
		Errors:         sr.Errors,
	}
}

// Backfill ingests the last N days for an instrument, independent of any
// existing stored data.
func (in *Ingestor) Backfill(ctx context.Context, instrument market.Instrument, days int, granularity market.Granularity) RangeResult {
	end := in.clock()
	start := end.Add(-time.Duration(days) * 24 * time.Hour)
	return in.IngestRange(ctx, instrument, start, end, granularity)
}

// candlesToBars converts raw candles into validated bars tagged with the
// instrument. A candle that fails validation is dropped with a warning; the
// rest of the batch continues.
func (in *Ingestor) candlesToBars(candles []market.Candle, instrument market.Instrument) []market.Bar {
	if len(candles) == 0 {
		return nil
	}

	bars := make([]market.Bar, 0, len(candles))
	for _, c := range candles {
		bar, err := market.NewBar(instrument.String(), c)
		if err != nil {
			in.logger.Warn("dropping invalid candle",
				"instrument", instrument.String(), "ts", c.Timestamp, "error", err)
			continue
		}
		bars = append(bars, bar)
	}

	if len(bars) < len(candles) {
		in.logger.Info("converted candles with drops",
			"instrument", instrument.String(), "converted", len(bars), "fetched", len(candles))
	}
	return bars
}

// symbolOutcome is the folded view of one symbol's processing inside a batch.
type symbolOutcome struct {
	processed bool
	bars      int
	errMsg    string
}

// AppendSymbols runs append mode over a list of instrument strings. A
// no_new_data outcome counts as processed; it is not an error.
func (in *Ingestor) AppendSymbols(ctx context.Context, symbols []string, granularity market.Granularity) BatchResult {
	return in.runBatch(ctx, "spot_ingestion", symbols, func(ctx context.Context, instrument market.Instrument) symbolOutcome {
		res := in.AppendLatest(ctx, instrument, granularity)
		switch res.Status {
		case StatusSuccess, StatusNoNewData:
			return symbolOutcome{processed: true, bars: res.BarsInserted}
		default:
			return symbolOutcome{errMsg: fmt.Sprintf("failed to process %s: %s", instrument, firstError(res.Errors))}
		}
	})
}

// IngestSymbolsRange runs explicit-range mode over a list of instruments.
func (in *Ingestor) IngestSymbolsRange(ctx context.Context, symbols []string, start, end time.Time, granularity market.Granularity) BatchResult {
	return in.runBatch(ctx, "spot_ingestion_range", symbols, func(ctx context.Context, instrument market.Instrument) symbolOutcome {
		res := in.IngestRange(ctx, instrument, start, end, granularity)
		if res.Status == StatusSuccess {
			return symbolOutcome{processed: true, bars: res.BarsInserted}
		}
		return symbolOutcome{errMsg: fmt.Sprintf("failed to process %s: %s", instrument, firstError(res.Errors))}
	})
}

// BackfillSymbols runs backfill-by-days mode over a list of instruments.
func (in *Ingestor) BackfillSymbols(ctx context.Context, symbols []string, days int, granularity market.Granularity) BatchResult {
	return in.runBatch(ctx, "spot_ingestion_backfill", symbols, func(ctx context.Context, instrument market.Instrument) symbolOutcome {
		res := in.Backfill(ctx, instrument, days, granularity)
		if res.Status == StatusSuccess {
			return symbolOutcome{processed: true, bars: res.BarsInserted}
		}
		return symbolOutcome{errMsg: fmt.Sprintf("failed to process %s: %s", instrument, firstError(res.Errors))}
	})
}

// runBatch folds per-symbol outcomes into a BatchResult. No symbol's failure
// aborts the batch: parse errors and work errors alike degrade to error
// strings. Symbols run sequentially by default, or through a bounded worker
// group when Concurrency > 1; outcomes are collected per index so aggregation
// is independent of completion order.
func (in *Ingestor) runBatch(
	ctx context.Context,
	jobName string,
	symbols []string,
	work func(context.Context, market.Instrument) symbolOutcome,
) BatchResult {
	batchStart := time.Now()
	in.logger.Info("starting batch", "job", jobName, "symbols", len(symbols), "concurrency", in.concurrency)

	outcomes := make([]symbolOutcome, len(symbols))
	process := func(ctx context.Context, i int) {
		instrument, err := market.ParseInstrument(symbols[i])
		if err != nil {
			outcomes[i] = symbolOutcome{errMsg: fmt.Sprintf("error processing %s: %v", symbols[i], err)}
			return
		}
		outcomes[i] = work(ctx, instrument)
	}

	if in.concurrency > 1 {
		var g errgroup.Group
		g.SetLimit(in.concurrency)
		for i := range symbols {
			i := i
			g.Go(func() error {
				process(ctx, i)
				return nil
			})
		}
		// Workers never return errors; failures live in their outcomes.
		_ = g.Wait()
	} else {
		for i := range symbols {
			process(ctx, i)
		}
	}

	result := BatchResult{
		JobName: jobName,
		Status:  StatusSuccess,
		Errors:  []string{},
	}
	for _, o := range outcomes {
		if o.errMsg != "" {
			result.Errors = append(result.Errors, o.errMsg)
			continue
		}
		if o.processed {
			result.SymbolsProcessed++
			result.TotalBarsInserted += o.bars
		}
	}
	if len(result.Errors) > 0 {
		result.Status = StatusCompletedWithErrors
	}
	result.ElapsedMs = time.Since(batchStart).Milliseconds()

	in.logger.Info("batch completed",
		"job", jobName,
		"status", result.Status,
		"symbols_processed", result.SymbolsProcessed,
		"total_bars", result.TotalBarsInserted,
		"errors", len(result.Errors))
	return result
}

func firstError(errs []string) string {
	if len(errs) == 0 {
		return "unknown error"
	}
	return errs[0]
}
