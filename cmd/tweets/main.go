package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vibetrade/marketdata/configs"
	"github.com/vibetrade/marketdata/internal/publish"
	"github.com/vibetrade/marketdata/internal/social"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	appConfig, err := configs.Load()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if len(appConfig.Twitter.Usernames) == 0 {
		logger.Error("No usernames configured, set TWITTER_USERNAMES")
		os.Exit(1)
	}

	client, err := social.NewTwitterClient(appConfig.Twitter.APIKey, logger)
	if err != nil {
		logger.Error("Failed to build twitter client", "error", err)
		os.Exit(1)
	}

	var publisher *publish.Publisher
	if appConfig.Kafka.Broker != "" {
		writer := publish.NewWriter(appConfig.Kafka.Broker, appConfig.Kafka.TweetTopic)
		defer writer.Close()
		publisher = publish.NewPublisher(writer, logger)
	} else {
		logger.Warn("No Kafka broker configured, tweets will only be logged")
		publisher = publish.NewPublisher(nil, logger)
	}

	svc := social.NewTweetIngestor(client, publisher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Tweet poller started",
		"usernames", appConfig.Twitter.Usernames,
		"interval", appConfig.Twitter.PollInterval)

	ticker := time.NewTicker(appConfig.Twitter.PollInterval)
	defer ticker.Stop()

	svc.PollAll(ctx, appConfig.Twitter.Usernames)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Tweet poller shutdown complete")
			return
		case <-ticker.C:
			svc.PollAll(ctx, appConfig.Twitter.Usernames)
		}
	}
}
