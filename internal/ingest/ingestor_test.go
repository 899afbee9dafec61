package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vibetrade/marketdata/internal/exchange"
	"github.com/vibetrade/marketdata/internal/market"
	"github.com/vibetrade/marketdata/internal/storage"
)

// fakeExchange serves canned candles per instrument and records the windows
// it was asked for. Safe for concurrent use, since batch operations may fan
// symbols out over multiple goroutines.
type fakeExchange struct {
	candles map[string][]market.Candle
	failFor map[string]error

	mu    sync.Mutex
	calls []fetchCall
}

type fetchCall struct {
	instrument string
	start, end time.Time
}

func (f *fakeExchange) GetCandles(
	_ context.Context,
	_ market.Symbol,
	instrument market.Instrument,
	start, end time.Time,
	_ market.Granularity,
) ([]market.Candle, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{instrument: instrument.String(), start: start, end: end})
	f.mu.Unlock()
	if err, ok := f.failFor[instrument.String()]; ok {
		return nil, err
	}
	return f.candles[instrument.String()], nil
}

func (f *fakeExchange) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeStore keeps bars in memory keyed by (instrument, ts) per granularity,
// mimicking the engine's per-key overwrite semantics. Safe for concurrent use.
type fakeStore struct {
	latestErr error
	storeFail bool

	mu     sync.Mutex
	rows   map[market.Granularity]map[string]market.Bar
	latest map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:   map[market.Granularity]map[string]market.Bar{},
		latest: map[string]time.Time{},
	}
}

func (s *fakeStore) StoreBars(_ context.Context, bars []market.Bar, g market.Granularity) storage.StoreResult {
	if len(bars) == 0 {
		return storage.StoreResult{Success: false, Errors: []string{"no bars to store"}}
	}
	if s.storeFail {
		return storage.StoreResult{Success: false, Errors: []string{"insert failed"}}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[g] == nil {
		s.rows[g] = map[string]market.Bar{}
	}
	for _, b := range bars {
		key := fmt.Sprintf("%s|%d", b.InstrumentID, b.Ts.Unix())
		s.rows[g][key] = b
	}
	return storage.StoreResult{Success: true, RecordsStored: len(bars)}
}

func (s *fakeStore) rowCount(g market.Granularity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[g])
}

func (s *fakeStore) LatestTimestamp(_ context.Context, instrument string, _ market.Granularity) (time.Time, bool, error) {
	if s.latestErr != nil {
		return time.Time{}, false, s.latestErr
	}
	s.mu.Lock()
	ts, ok := s.latest[storage.NormalizeInstrument(instrument)]
	s.mu.Unlock()
	return ts, ok, nil
}

func (s *fakeStore) EnsureTables(context.Context) error { return nil }
func (s *fakeStore) Close() error                       { return nil }

func candlesAt(base time.Time, n int, step time.Duration) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{
			Timestamp: base.Add(time.Duration(i) * step),
			Open:      100, High: 110, Low: 90, Close: 105, Volume: 1,
		}
	}
	return out
}

func newTestIngestor(store *fakeStore, ex *fakeExchange, now time.Time) *Ingestor {
	return NewIngestor(store, ex, Config{Clock: func() time.Time { return now }})
}

func TestAppendGapPolicy(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		latest    time.Time
		haveData  bool
		wantStart time.Time
	}{
		{"small gap", now.Add(-30 * time.Minute), true, now.Add(-30 * time.Minute).Add(time.Second)},
		{"six hour boundary", now.Add(-6 * time.Hour), true, now.Add(-6 * time.Hour).Add(time.Second)},
		{"warn but no cap", now.Add(-3 * 24 * time.Hour), true, now.Add(-3 * 24 * time.Hour).Add(time.Second)},
		{"capped at seven days", now.Add(-30 * 24 * time.Hour), true, now.Add(-7 * 24 * time.Hour)},
		{"empty database 1m", time.Time{}, false, now.Add(-7 * 24 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			if tt.haveData {
				store.latest["BTC-USD"] = tt.latest
			}
			ex := &fakeExchange{candles: map[string][]market.Candle{
				"BTC-USD": candlesAt(tt.wantStart, 3, time.Minute),
			}}

			ing := newTestIngestor(store, ex, now)
			res := ing.AppendLatest(context.Background(), market.Instrument{Base: market.BTC, Quote: "USD"}, market.OneMinute)

			if res.Status != StatusSuccess {
				t.Fatalf("status = %q, want success (errors: %v)", res.Status, res.Errors)
			}
			if len(ex.calls) != 1 {
				t.Fatalf("exchange called %d times, want 1", len(ex.calls))
			}
			call := ex.calls[0]
			if !call.start.Equal(tt.wantStart) {
				t.Errorf("fetch start = %v, want %v", call.start, tt.wantStart)
			}
			if !call.end.Equal(now) {
				t.Errorf("fetch end = %v, want %v", call.end, now)
			}
		})
	}
}

func TestAppendBootstrapLookbackPerGranularity(t *testing.T) {
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		g        market.Granularity
		lookback time.Duration
	}{
		{market.OneMinute, 7 * day},
		{market.FiveMinute, 30 * day},
		{market.FifteenMinute, 60 * day},
		{market.OneHour, 90 * day},
		{market.FourHour, 180 * day},
		{market.OneDay, 365 * day},
	}

	for _, tt := range tests {
		t.Run(string(tt.g), func(t *testing.T) {
			store := newFakeStore()
			ex := &fakeExchange{candles: map[string][]market.Candle{}}

			ing := newTestIngestor(store, ex, now)
			ing.AppendLatest(context.Background(), market.Instrument{Base: market.ETH, Quote: "USD"}, tt.g)

			if len(ex.calls) != 1 {
				t.Fatalf("exchange called %d times, want 1", len(ex.calls))
			}
			if want := now.Add(-tt.lookback); !ex.calls[0].start.Equal(want) {
				t.Errorf("fetch start = %v, want %v", ex.calls[0].start, want)
			}
		})
	}
}

func TestAppendNoNewData(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.latest["BTC-USD"] = now.Add(-time.Minute)
	ex := &fakeExchange{candles: map[string][]market.Candle{}}

	ing := newTestIngestor(store, ex, now)
	res := ing.AppendLatest(context.Background(), market.Instrument{Base: market.BTC, Quote: "USD"}, market.OneMinute)

	if res.Status != StatusNoNewData {
		t.Errorf("status = %q, want no_new_data", res.Status)
	}
	if res.BarsInserted != 0 {
		t.Errorf("bars inserted = %d, want 0", res.BarsInserted)
	}
	if len(res.Errors) != 0 {
		t.Errorf("errors = %v, want none", res.Errors)
	}
	if len(store.rows) != 0 {
		t.Error("store was written despite no candles")
	}
}

func TestAppendStoreFailure(t *testing.T) {
	now := time.Now().UTC()
	store := newFakeStore()
	store.storeFail = true
	ex := &fakeExchange{candles: map[string][]market.Candle{
		"BTC-USD": candlesAt(now.Add(-time.Hour), 5, time.Minute),
	}}

	ing := newTestIngestor(store, ex, now)
	res := ing.AppendLatest(context.Background(), market.Instrument{Base: market.BTC, Quote: "USD"}, market.OneMinute)

	if res.Status != StatusError {
		t.Errorf("status = %q, want error", res.Status)
	}
	if len(res.Errors) == 0 {
		t.Error("expected storage error to be surfaced")
	}
}

func TestIngestRangeRejectsInvertedRange(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExchange{}
	ing := newTestIngestor(store, ex, time.Now().UTC())

	now := time.Now().UTC()
	for _, end := range []time.Time{now, now.Add(-time.Hour)} {
		res := ing.IngestRange(context.Background(), market.Instrument{Base: market.BTC, Quote: "USD"}, now, end, market.OneHour)
		if res.Status != StatusError {
			t.Errorf("status = %q, want error for start >= end", res.Status)
		}
	}
	if len(ex.calls) != 0 {
		t.Errorf("exchange called %d times before validation, want 0", len(ex.calls))
	}
}

func TestIngestRangeReportsCounts(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	start := now.Add(-time.Hour)

	candles := candlesAt(start, 10, time.Minute)
	// One candle violates OHLC consistency and must be dropped, not fatal.
	candles[4].High = 1 // below open/close

	store := newFakeStore()
	ex := &fakeExchange{candles: map[string][]market.Candle{"SOL-USD": candles}}
	ing := newTestIngestor(store, ex, now)

	res := ing.IngestRange(context.Background(), market.Instrument{Base: market.SOL, Quote: "USD"}, start, now, market.OneMinute)

	if res.Status != StatusSuccess {
		t.Fatalf("status = %q (errors %v)", res.Status, res.Errors)
	}
	if res.CandlesFetched != 10 {
		t.Errorf("candles_fetched = %d, want 10", res.CandlesFetched)
	}
	if res.BarsInserted != 9 {
		t.Errorf("bars_inserted = %d, want 9 (one dropped)", res.BarsInserted)
	}
}

func TestIngestRangeZeroCandlesIsStorageError(t *testing.T) {
	// Range mode has no no_new_data status: an empty fetch flows into the
	// store, which reports "no bars to store".
	now := time.Now().UTC()
	store := newFakeStore()
	ex := &fakeExchange{candles: map[string][]market.Candle{}}
	ing := newTestIngestor(store, ex, now)

	res := ing.IngestRange(context.Background(), market.Instrument{Base: market.BTC, Quote: "USD"}, now.Add(-time.Hour), now, market.OneMinute)

	if res.CandlesFetched != 0 || res.BarsInserted != 0 {
		t.Errorf("counts = %d/%d, want 0/0", res.CandlesFetched, res.BarsInserted)
	}
	if res.Status != StatusError {
		t.Errorf("status = %q, want error from empty store", res.Status)
	}
}

func TestBackfillWindow(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	ex := &fakeExchange{candles: map[string][]market.Candle{
		"ETH-USD": candlesAt(now.Add(-24*time.Hour), 3, time.Hour),
	}}
	ing := newTestIngestor(store, ex, now)

	res := ing.Backfill(context.Background(), market.Instrument{Base: market.ETH, Quote: "USD"}, 30, market.OneHour)
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q (errors %v)", res.Status, res.Errors)
	}

	call := ex.calls[0]
	if want := now.Add(-30 * 24 * time.Hour); !call.start.Equal(want) {
		t.Errorf("backfill start = %v, want %v", call.start, want)
	}
	if !call.end.Equal(now) {
		t.Errorf("backfill end = %v, want %v", call.end, now)
	}
}

func TestBatchPartialFailure(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	start := now.Add(-time.Hour)

	store := newFakeStore()
	ex := &fakeExchange{
		candles: map[string][]market.Candle{
			"BTC-USD": candlesAt(start, 4, time.Minute),
			"SOL-USD": candlesAt(start, 2, time.Minute),
		},
		failFor: map[string]error{
			"ETH-USD": &exchange.Error{Provider: "coinbase", Err: errors.New("connection reset")},
		},
	}
	ing := newTestIngestor(store, ex, now)

	res := ing.AppendSymbols(context.Background(), []string{"BTC-USD", "ETH-USD", "SOL-USD"}, market.OneMinute)

	if res.SymbolsProcessed != 2 {
		t.Errorf("symbols_processed = %d, want 2", res.SymbolsProcessed)
	}
	if res.TotalBarsInserted != 6 {
		t.Errorf("total_bars_inserted = %d, want 6", res.TotalBarsInserted)
	}
	if res.Status != StatusCompletedWithErrors {
		t.Errorf("status = %q, want completed_with_errors", res.Status)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "ETH-USD") {
		t.Errorf("errors = %v, want one mentioning ETH-USD", res.Errors)
	}

	// Bars from the healthy symbols made it to storage.
	if got := len(store.rows[market.OneMinute]); got != 6 {
		t.Errorf("stored rows = %d, want 6", got)
	}
}

func TestBatchNoNewDataIsNotAnError(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.latest["BTC-USD"] = now.Add(-time.Minute)
	ex := &fakeExchange{candles: map[string][]market.Candle{}} // nothing new anywhere

	ing := newTestIngestor(store, ex, now)
	res := ing.AppendSymbols(context.Background(), []string{"BTC-USD"}, market.OneMinute)

	if res.Status != StatusSuccess {
		t.Errorf("status = %q, want success", res.Status)
	}
	if len(res.Errors) != 0 {
		t.Errorf("errors = %v, want none", res.Errors)
	}
	if res.SymbolsProcessed != 1 {
		t.Errorf("symbols_processed = %d, want 1", res.SymbolsProcessed)
	}
}

func TestBatchUnparsableSymbol(t *testing.T) {
	now := time.Now().UTC()
	store := newFakeStore()
	ex := &fakeExchange{candles: map[string][]market.Candle{
		"BTC-USD": candlesAt(now.Add(-time.Hour), 1, time.Minute),
	}}
	ing := newTestIngestor(store, ex, now)

	res := ing.AppendSymbols(context.Background(), []string{"BTC-USD", "XYZ-USD", "BTC"}, market.OneMinute)

	// "BTC" has no quote currency: instrument identity is never guessed.
	if len(res.Errors) != 2 {
		t.Fatalf("errors = %v, want 2", res.Errors)
	}
	if res.SymbolsProcessed != 1 {
		t.Errorf("symbols_processed = %d, want 1", res.SymbolsProcessed)
	}
	if res.Status != StatusCompletedWithErrors {
		t.Errorf("status = %q, want completed_with_errors", res.Status)
	}
}

func TestBatchConcurrentMatchesSequential(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	start := now.Add(-time.Hour)
	symbols := []string{"BTC-USD", "ETH-USD", "SOL-USD", "ADA-USD", "XYZ-USD"}

	build := func(concurrency int) (BatchResult, *fakeExchange, *fakeStore) {
		store := newFakeStore()
		ex := &fakeExchange{
			candles: map[string][]market.Candle{
				"BTC-USD": candlesAt(start, 3, time.Minute),
				"ETH-USD": candlesAt(start, 2, time.Minute),
				"ADA-USD": candlesAt(start, 1, time.Minute),
			},
			failFor: map[string]error{
				"SOL-USD": errors.New("boom"),
			},
		}
		ing := NewIngestor(store, ex, Config{
			Clock:       func() time.Time { return now },
			Concurrency: concurrency,
		})
		return ing.AppendSymbols(context.Background(), symbols, market.OneMinute), ex, store
	}

	seq, seqEx, seqStore := build(1)
	par, parEx, parStore := build(3)

	if seq.SymbolsProcessed != par.SymbolsProcessed {
		t.Errorf("symbols_processed %d != %d", seq.SymbolsProcessed, par.SymbolsProcessed)
	}
	if seq.TotalBarsInserted != par.TotalBarsInserted {
		t.Errorf("total_bars %d != %d", seq.TotalBarsInserted, par.TotalBarsInserted)
	}
	if seq.Status != par.Status {
		t.Errorf("status %q != %q", seq.Status, par.Status)
	}
	if len(seq.Errors) != len(par.Errors) {
		t.Errorf("errors %v != %v", seq.Errors, par.Errors)
	}
	if seqEx.callCount() != parEx.callCount() {
		t.Errorf("exchange calls %d != %d", seqEx.callCount(), parEx.callCount())
	}
	if seqStore.rowCount(market.OneMinute) != parStore.rowCount(market.OneMinute) {
		t.Errorf("stored rows %d != %d", seqStore.rowCount(market.OneMinute), parStore.rowCount(market.OneMinute))
	}
}

func TestConvertVolumeQuote(t *testing.T) {
	ing := newTestIngestor(newFakeStore(), &fakeExchange{}, time.Now().UTC())
	in := market.Instrument{Base: market.BTC, Quote: "USD"}

	candles := []market.Candle{
		{Timestamp: time.Now().UTC(), Open: 10, High: 20, Low: 5, Close: 15, Volume: 3},
	}
	bars := ing.candlesToBars(candles, in)
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if bars[0].VolumeQuote != 45 {
		t.Errorf("volume_quote = %v, want 45", bars[0].VolumeQuote)
	}
	if bars[0].InstrumentID != "BTC-USD" {
		t.Errorf("instrument_id = %q, want BTC-USD", bars[0].InstrumentID)
	}
}

func TestConvertEmptyInput(t *testing.T) {
	ing := newTestIngestor(newFakeStore(), &fakeExchange{}, time.Now().UTC())
	if bars := ing.candlesToBars(nil, market.Instrument{Base: market.BTC, Quote: "USD"}); len(bars) != 0 {
		t.Errorf("got %d bars from empty input", len(bars))
	}
}

func TestStoreIdempotentOverwrite(t *testing.T) {
	// Storing the same bars twice leaves the keyed state identical to one
	// store, mirroring the engine's (instrument, ts) reconciliation.
	now := time.Now().UTC()
	store := newFakeStore()
	bars := make([]market.Bar, 0, 3)
	for _, c := range candlesAt(now, 3, time.Minute) {
		b, err := market.NewBar("BTC-USD", c)
		if err != nil {
			t.Fatal(err)
		}
		bars = append(bars, b)
	}

	store.StoreBars(context.Background(), bars, market.OneMinute)
	store.StoreBars(context.Background(), bars, market.OneMinute)

	if got := len(store.rows[market.OneMinute]); got != 3 {
		t.Errorf("row count after double store = %d, want 3", got)
	}
}

type recordingSink struct {
	published []publishedCandle
	err       error
}

type publishedCandle struct {
	symbol      string
	candle      market.Candle
	granularity market.Granularity
}

func (r *recordingSink) PublishCandle(_ context.Context, symbol string, candle market.Candle, g market.Granularity) error {
	r.published = append(r.published, publishedCandle{symbol: symbol, candle: candle, granularity: g})
	return r.err
}

func TestAppendFansOutNewestCandle(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	base := now.Add(-3 * time.Minute)
	candles := candlesAt(base, 3, time.Minute)

	store := newFakeStore()
	store.latest["BTC-USD"] = base.Add(-time.Minute)
	ex := &fakeExchange{candles: map[string][]market.Candle{"BTC-USD": candles}}
	sink := &recordingSink{}

	ing := NewIngestor(store, ex, Config{
		Clock: func() time.Time { return now },
		Sink:  sink,
	})

	inst := market.Instrument{Base: market.BTC, Quote: "USD"}
	res := ing.AppendLatest(context.Background(), inst, market.OneMinute)
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}

	if len(sink.published) != 1 {
		t.Fatalf("published %d candles, want 1", len(sink.published))
	}
	got := sink.published[0]
	if got.symbol != "BTC-USD" {
		t.Errorf("symbol = %q, want BTC-USD", got.symbol)
	}
	if !got.candle.Timestamp.Equal(candles[2].Timestamp) {
		t.Errorf("published candle ts = %v, want newest %v", got.candle.Timestamp, candles[2].Timestamp)
	}
	if got.granularity != market.OneMinute {
		t.Errorf("granularity = %s, want 1m", got.granularity)
	}
}

func TestAppendSinkFailureDoesNotFailAppend(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	base := now.Add(-2 * time.Minute)

	store := newFakeStore()
	store.latest["BTC-USD"] = base.Add(-time.Minute)
	ex := &fakeExchange{candles: map[string][]market.Candle{
		"BTC-USD": candlesAt(base, 2, time.Minute),
	}}
	sink := &recordingSink{err: errors.New("broker down")}

	ing := NewIngestor(store, ex, Config{
		Clock: func() time.Time { return now },
		Sink:  sink,
	})

	res := ing.AppendLatest(context.Background(), market.Instrument{Base: market.BTC, Quote: "USD"}, market.OneMinute)
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, want success despite sink error", res.Status)
	}
	if len(res.Errors) != 0 {
		t.Errorf("errors = %v, want none", res.Errors)
	}
}
