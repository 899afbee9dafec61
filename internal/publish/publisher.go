// Package publish fans ingested data out to Kafka. Messages are keyed so the
// broker preserves per-symbol (or per-user) ordering; a publisher constructed
// without a writer degrades to local logging instead of failing.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/vibetrade/marketdata/internal/market"
)

// Writer is the subset of kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher sends candle and tweet messages to Kafka.
type Publisher struct {
	writer Writer
	logger *slog.Logger
}

// NewWriter builds a kafka.Writer with hash balancing so equal keys land on
// the same partition.
func NewWriter(broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// NewPublisher wraps a writer. A nil writer is valid: publishing then only
// logs, so an unconfigured bus never becomes a hard failure.
func NewPublisher(writer Writer, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{writer: writer, logger: logger.With("component", "publisher")}
}

// candleMessage is the JSON payload published per candle.
type candleMessage struct {
	Symbol      string  `json:"symbol"`
	Timestamp   string  `json:"timestamp"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	Granularity string  `json:"granularity"`
}

// PublishCandle publishes one candle keyed by lower-cased symbol.
func (p *Publisher) PublishCandle(ctx context.Context, symbol string, candle market.Candle, granularity market.Granularity) error {
	key := strings.ToLower(symbol)
	msg := candleMessage{
		Symbol:      symbol,
		Timestamp:   candle.Timestamp.UTC().Format(time.RFC3339),
		Open:        candle.Open,
		High:        candle.High,
		Low:         candle.Low,
		Close:       candle.Close,
		Volume:      candle.Volume,
		Granularity: string(granularity),
	}
	return p.publish(ctx, key, msg, "candle")
}

// PublishJSON publishes an arbitrary payload under a key. Used by the social
// path for tweet fan-out keyed by username.
func (p *Publisher) PublishJSON(ctx context.Context, key string, payload any) error {
	return p.publish(ctx, strings.ToLower(key), payload, "message")
}

func (p *Publisher) publish(ctx context.Context, key string, payload any, kind string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}

	if p.writer == nil {
		p.logger.Info("no bus configured, logging instead", "kind", kind, "key", key, "payload", string(data))
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("publish %s for %s: %w", kind, key, err)
	}

	p.logger.Debug("published", "kind", kind, "key", key)
	return nil
}
