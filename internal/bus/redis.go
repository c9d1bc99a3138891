package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/config"
)

// RedisBus implements Bus on Redis Streams: XADD for publish, XREADGROUP for
// consumer-group delivery, XACK on handler success. Unacknowledged entries
// are redelivered from the pending list on restart.
type RedisBus struct {
	client    *redis.Client
	logger    *zap.Logger
	maxLen    int64
	blockTime time.Duration
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: cfg.ClientName,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	blockTime := cfg.BlockTime
	if blockTime <= 0 {
		blockTime = time.Second
	}
	return &RedisBus{
		client:    client,
		logger:    logger,
		maxLen:    cfg.MaxLen,
		blockTime: blockTime,
	}, nil
}

// Publish appends the event to the stream with an approximate length cap.
func (b *RedisBus) Publish(ctx context.Context, stream string, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"event": raw},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}
	return nil
}

// Subscribe joins (creating if needed) a consumer group on the stream and
// processes entries until ctx is cancelled. Pending entries from a previous
// run of the same consumer are claimed first.
func (b *RedisBus) Subscribe(ctx context.Context, stream, group string, handler Handler) error {
	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return err
	}
	consumer := fmt.Sprintf("%s-%s", group, "worker")

	// First pass reads this consumer's pending entries (id "0"), then the
	// loop switches to new deliveries (">").
	readID := "0"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, readID},
			Count:    16,
			Block:    b.blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				readID = ">"
				continue
			}
			b.logger.Warn("redis stream read failed",
				zap.String("stream", stream),
				zap.String("group", group),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.blockTime):
			}
			continue
		}

		delivered := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				delivered++
				event, err := decodeStreamMessage(msg)
				if err != nil {
					b.logger.Error("dropping undecodable stream entry",
						zap.String("stream", stream),
						zap.String("entry_id", msg.ID),
						zap.Error(err))
					b.client.XAck(ctx, stream, group, msg.ID)
					continue
				}
				if err := handler(ctx, event); err != nil {
					// leave unacked for redelivery
					b.logger.Warn("event handler failed, leaving entry pending",
						zap.String("stream", stream),
						zap.String("entry_id", msg.ID),
						zap.String("event_type", event.Type),
						zap.Error(err))
					continue
				}
				if err := b.client.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
					b.logger.Warn("failed to ack stream entry",
						zap.String("stream", stream),
						zap.String("entry_id", msg.ID),
						zap.Error(err))
				}
			}
		}
		if readID == "0" && delivered == 0 {
			readID = ">"
		}
	}
}

// Close closes the underlying Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

func decodeStreamMessage(msg redis.XMessage) (Event, error) {
	raw, ok := msg.Values["event"]
	if !ok {
		return Event{}, fmt.Errorf("stream entry %s has no event field", msg.ID)
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return Event{}, fmt.Errorf("stream entry %s has unexpected event field type %T", msg.ID, raw)
	}
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal stream entry %s: %w", msg.ID, err)
	}
	return event, nil
}
