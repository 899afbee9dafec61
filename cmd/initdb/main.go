package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vibetrade/marketdata/configs"
	"github.com/vibetrade/marketdata/internal/market"
	"github.com/vibetrade/marketdata/internal/storage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	appConfig, err := configs.Load()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(appConfig.DBDSN, logger)
	if err != nil {
		logger.Error("Failed to connect to ClickHouse", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.EnsureTables(ctx); err != nil {
		logger.Error("Failed to create tables", "error", err)
		os.Exit(1)
	}
	logger.Info("All bar tables ready")

	for _, g := range market.Granularities {
		count, err := store.RowCount(ctx, g)
		if err != nil {
			logger.Error("Failed to count rows", "table", g.Table(), "error", err)
			continue
		}
		logger.Info("Table status", "table", g.Table(), "rows", count)
	}
}
