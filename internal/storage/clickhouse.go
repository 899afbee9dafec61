// Package storage persists validated bars into granularity-partitioned
// ClickHouse tables and answers the latest-timestamp queries the ingestion
// orchestrator uses for gap detection.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/vibetrade/marketdata/internal/market"
)

// StoreResult is the outcome of one StoreBars call.
type StoreResult struct {
	Success       bool     `json:"success"`
	RecordsStored int      `json:"records_stored"`
	Errors        []string `json:"errors"`
	ElapsedMs     int64    `json:"execution_time_ms"`
}

// BarStore is the storage contract the orchestrator depends on.
// Implementations must be safe for concurrent use.
type BarStore interface {
	// StoreBars writes bars into the table for the given granularity. An
	// empty input is an error result ("no bars to store"); callers decide
	// upstream whether nothing-to-do is acceptable.
	StoreBars(ctx context.Context, bars []market.Bar, granularity market.Granularity) StoreResult

	// LatestTimestamp returns the newest persisted ts for an instrument at a
	// granularity. ok is false when no rows exist. A bare base symbol is
	// normalized to SYMBOL-USD before querying.
	LatestTimestamp(ctx context.Context, instrument string, granularity market.Granularity) (ts time.Time, ok bool, err error)

	// EnsureTables provisions every granularity table. Idempotent.
	EnsureTables(ctx context.Context) error

	Close() error
}

// ClickHouse implements BarStore over the native protocol. The connection is
// injected at construction and owned by the caller; batch inserts use
// PrepareBatch for throughput.
type ClickHouse struct {
	conn   driver.Conn
	logger *slog.Logger
}

// Open connects to ClickHouse using a DSN, verifies connectivity with a ping
// and returns a ready store.
func Open(dsn string, logger *slog.Logger) (*ClickHouse, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse DSN: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return NewClickHouse(conn, logger), nil
}

// NewClickHouse wraps an existing connection, mainly for tests.
func NewClickHouse(conn driver.Conn, logger *slog.Logger) *ClickHouse {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClickHouse{conn: conn, logger: logger.With("component", "storage")}
}

// StoreBars implements BarStore.
func (s *ClickHouse) StoreBars(ctx context.Context, bars []market.Bar, granularity market.Granularity) StoreResult {
	start := time.Now()

	if len(bars) == 0 {
		return StoreResult{
			Success:   false,
			Errors:    []string{"no bars to store"},
			ElapsedMs: time.Since(start).Milliseconds(),
		}
	}

	table := granularity.Table()

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			ts, instrument_id, o, h, l, c, volume_base, volume_quote
		)
	`, table))
	if err != nil {
		return s.failure(start, fmt.Errorf("prepare batch for %s: %w", table, err))
	}

	for _, bar := range bars {
		err := batch.Append(
			bar.Ts,
			bar.InstrumentID,
			bar.Open,
			bar.High,
			bar.Low,
			bar.Close,
			bar.VolumeBase,
			bar.VolumeQuote,
		)
		if err != nil {
			return s.failure(start, fmt.Errorf("append bar to %s batch: %w", table, err))
		}
	}

	if err := batch.Send(); err != nil {
		return s.failure(start, fmt.Errorf("send %s batch: %w", table, err))
	}

	elapsed := time.Since(start)
	s.logger.Info("stored bars", "table", table, "count", len(bars), "elapsed", elapsed.Round(time.Millisecond))

	return StoreResult{
		Success:       true,
		RecordsStored: len(bars),
		ElapsedMs:     elapsed.Milliseconds(),
	}
}

func (s *ClickHouse) failure(start time.Time, err error) StoreResult {
	s.logger.Error("store bars failed", "error", err)
	return StoreResult{
		Success:   false,
		Errors:    []string{err.Error()},
		ElapsedMs: time.Since(start).Milliseconds(),
	}
}

// LatestTimestamp implements BarStore.
func (s *ClickHouse) LatestTimestamp(ctx context.Context, instrument string, granularity market.Granularity) (time.Time, bool, error) {
	query := fmt.Sprintf(`
		SELECT max(ts) AS latest, count() AS rows
		FROM %s
		WHERE instrument_id = ?
	`, granularity.Table())

	var latest time.Time
	var rows uint64
	row := s.conn.QueryRow(ctx, query, NormalizeInstrument(instrument))
	if err := row.Scan(&latest, &rows); err != nil {
		return time.Time{}, false, fmt.Errorf("query latest timestamp: %w", err)
	}
	if rows == 0 {
		return time.Time{}, false, nil
	}
	return latest.UTC(), true, nil
}

// NormalizeInstrument appends the default USD quote to a bare base symbol so
// latest-timestamp lookups match persisted instrument ids.
func NormalizeInstrument(instrument string) string {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	if !strings.Contains(instrument, "-") {
		return instrument + "-USD"
	}
	return instrument
}

const barsTableDDL = `
CREATE TABLE IF NOT EXISTS %s
(
	ts DateTime('UTC'),
	instrument_id String,
	o Float64,
	h Float64,
	l Float64,
	c Float64,
	volume_base Float64,
	volume_quote Float64
)
ENGINE = MergeTree()
ORDER BY (instrument_id, ts)
PARTITION BY toYYYYMM(ts)
`

// EnsureTables implements BarStore. Re-storing overlapping bars relies on the
// (instrument_id, ts) ordering key; reconciliation of identical rows is the
// engine's job, not the application's.
func (s *ClickHouse) EnsureTables(ctx context.Context) error {
	for _, g := range market.Granularities {
		table := g.Table()
		if err := s.conn.Exec(ctx, fmt.Sprintf(barsTableDDL, table)); err != nil {
			return fmt.Errorf("ensure table %s: %w", table, err)
		}
		s.logger.Debug("table ensured", "table", table)
	}
	return nil
}

// RowCount is used by the initdb command to report table sizes.
func (s *ClickHouse) RowCount(ctx context.Context, granularity market.Granularity) (uint64, error) {
	var count uint64
	row := s.conn.QueryRow(ctx, fmt.Sprintf("SELECT count() FROM %s", granularity.Table()))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", granularity.Table(), err)
	}
	return count, nil
}

// Close releases the underlying connection.
func (s *ClickHouse) Close() error {
	return s.conn.Close()
}
