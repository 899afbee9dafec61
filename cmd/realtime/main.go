package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vibetrade/marketdata/configs"
	"github.com/vibetrade/marketdata/internal/exchange"
	"github.com/vibetrade/marketdata/internal/ingest"
	"github.com/vibetrade/marketdata/internal/publish"
	"github.com/vibetrade/marketdata/internal/storage"
)

// tickOffset keeps polls a few seconds past the interval boundary so the
// exchange has finalised the previous candle before we ask for it.
const tickOffset = 5 * time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	appConfig, err := configs.Load()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	cbConfig, err := configs.LoadCoinbase()
	if err != nil {
		logger.Error("Failed to load exchange credentials", "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(appConfig.DBDSN, logger)
	if err != nil {
		logger.Error("Failed to connect to ClickHouse", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	adapter, err := exchange.NewCoinbase(exchange.CoinbaseConfig{
		APIKey:      cbConfig.APIKey,
		APISecret:   cbConfig.APISecret,
		Environment: cbConfig.Environment,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("Failed to build exchange adapter", "error", err)
		os.Exit(1)
	}

	var publisher *publish.Publisher
	if appConfig.Kafka.Broker != "" {
		writer := publish.NewWriter(appConfig.Kafka.Broker, appConfig.Kafka.CandleTopic)
		defer writer.Close()
		publisher = publish.NewPublisher(writer, logger)
	} else {
		logger.Warn("No Kafka broker configured, candle fan-out disabled")
		publisher = publish.NewPublisher(nil, logger)
	}

	svc := ingest.NewIngestor(store, adapter, ingest.Config{
		Concurrency: appConfig.Ingestion.Concurrency,
		Sink:        publisher,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ing := appConfig.Ingestion
	logger.Info("Realtime ingestor started",
		"symbols", ing.Symbols, "granularity", ing.Granularity, "interval", ing.PollInterval)

	// First tick lands just after the next interval boundary.
	if !sleepUntil(ctx, nextTick(time.Now().UTC(), ing.PollInterval)) {
		logger.Info("Realtime ingestor shutdown complete")
		return
	}

	for {
		tickStart := time.Now().UTC()
		result := svc.AppendSymbols(ctx, ing.Symbols, ing.Granularity)
		logger.Info("Poll complete",
			"status", result.Status,
			"symbols_processed", result.SymbolsProcessed,
			"bars_inserted", result.TotalBarsInserted,
			"elapsed_ms", result.ElapsedMs)
		if len(result.Errors) > 0 {
			logger.Warn("Poll had errors", "errors", result.Errors)
		}

		if !sleepUntil(ctx, nextTick(tickStart, ing.PollInterval)) {
			break
		}
	}

	logger.Info("Realtime ingestor shutdown complete")
}

// nextTick returns the first boundary-aligned poll time after now.
func nextTick(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval).Add(tickOffset)
}

// sleepUntil blocks until the deadline or context cancellation. It reports
// whether the deadline was reached.
func sleepUntil(ctx context.Context, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
