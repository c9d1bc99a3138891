package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/config"
)

// KafkaBus implements Bus on Kafka topics. One topic per stream; consumer
// groups map to Kafka group ids. Offsets are committed only after the
// handler succeeds, giving at-least-once delivery.
type KafkaBus struct {
	cfg    config.KafkaConfig
	writer *kafka.Writer
	logger *zap.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

// NewKafkaBus builds a bus over the configured brokers.
func NewKafkaBus(cfg config.KafkaConfig, logger *zap.Logger) *KafkaBus {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaBus{cfg: cfg, writer: writer, logger: logger}
}

// Publish writes the event to the stream's topic, keyed by event type so
// per-type ordering survives partitioning.
func (b *KafkaBus) Publish(ctx context.Context, stream string, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Topic: stream,
		Key:   []byte(event.Type),
		Value: raw,
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", stream, err)
	}
	return nil
}

// Subscribe consumes the stream's topic within the consumer group until ctx
// is cancelled.
func (b *KafkaBus) Subscribe(ctx context.Context, stream, group string, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		Topic:    stream,
		GroupID:  fmt.Sprintf("%s-%s", b.cfg.GroupPrefix, group),
		MaxWait:  b.cfg.ReadTimeout,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		reader.Close()
		return ErrBusClosed
	}
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return ctx.Err()
			}
			b.logger.Warn("kafka fetch failed",
				zap.String("topic", stream),
				zap.String("group", group),
				zap.Error(err))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			b.logger.Error("dropping undecodable kafka message",
				zap.String("topic", stream),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			if err := reader.CommitMessages(ctx, msg); err != nil {
				b.logger.Warn("failed to commit offset", zap.Error(err))
			}
			continue
		}

		if err := handler(ctx, event); err != nil {
			// no commit: the message is redelivered after restart/rebalance
			b.logger.Warn("event handler failed, offset not committed",
				zap.String("topic", stream),
				zap.Int64("offset", msg.Offset),
				zap.String("event_type", event.Type),
				zap.Error(err))
			continue
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			b.logger.Warn("failed to commit offset",
				zap.String("topic", stream),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// Close shuts down the writer and all open readers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.writer.Close()
	for _, r := range b.readers {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
