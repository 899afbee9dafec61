package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vibetrade/marketdata/configs"
	"github.com/vibetrade/marketdata/internal/exchange"
	"github.com/vibetrade/marketdata/internal/ingest"
	"github.com/vibetrade/marketdata/internal/storage"
)

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

	svc := ingest.NewIngestor(store, adapter, ingest.Config{
		Concurrency: appConfig.Ingestion.Concurrency,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ing := appConfig.Ingestion
	var result ingest.BatchResult
	switch {
	case !ing.StartTime.IsZero():
		logger.Info("Running range ingestion",
			"symbols", ing.Symbols, "granularity", ing.Granularity,
			"start", ing.StartTime, "end", ing.EndTime)
		result = svc.IngestSymbolsRange(ctx, ing.Symbols, ing.StartTime, ing.EndTime, ing.Granularity)
	case ing.Days > 0:
		logger.Info("Running backfill",
			"symbols", ing.Symbols, "granularity", ing.Granularity, "days", ing.Days)
		result = svc.BackfillSymbols(ctx, ing.Symbols, ing.Days, ing.Granularity)
	default:
		logger.Info("Running append",
			"symbols", ing.Symbols, "granularity", ing.Granularity)
		result = svc.AppendSymbols(ctx, ing.Symbols, ing.Granularity)
	}

	out, _ := json.Marshal(result)
	os.Stdout.Write(append(out, '\n'))

	if result.Status == ingest.StatusError || result.Status == ingest.StatusCompletedWithErrors {
		os.Exit(1)
	}
}
