// Package events publishes request lifecycle transitions to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-workflow/pkg/config"
)

// Transition describes one committed state change of a request.
type Transition struct {
	RequestID  string    `json:"requestId"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Version    int64     `json:"version"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher emits transitions. Publishing is best-effort; callers log failures.
type Publisher interface {
	Publish(ctx context.Context, t Transition) error
	Close() error
}

// New selects the publisher for cfg. redisClient is required for the redis driver.
func New(cfg config.EventsConfig, redisClient *redis.Client, logger *zap.Logger) (Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "", config.EventsDriverNone:
		return NewNoop(), nil
	case config.EventsDriverKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("events: kafka driver requires KAFKA_BROKERS")
		}
		logger.Sugar().Infow("lifecycle events publisher enabled", "driver", "kafka", "topic", cfg.Topic)
		return NewKafka(cfg.KafkaBrokers, cfg.Topic), nil
	case config.EventsDriverRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("events: redis driver requires REDIS_ENABLED")
		}
		logger.Sugar().Infow("lifecycle events publisher enabled", "driver", "redis", "stream", cfg.Stream)
		return NewRedisStream(redisClient, cfg.Stream, cfg.StreamMaxLen), nil
	default:
		return nil, fmt.Errorf("events: unknown driver %q", cfg.Driver)
	}
}

type noop struct{}

// NewNoop returns a publisher that discards transitions.
func NewNoop() Publisher { return noop{} }

func (noop) Publish(context.Context, Transition) error { return nil }
func (noop) Close() error                              { return nil }

// KafkaPublisher writes transitions to a Kafka topic keyed by request id.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafka builds a Kafka publisher. The writer is safe for concurrent use.
func NewKafka(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = "coi.request.events"
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w}
}

// Publish writes one message; all transitions of a request land on the same partition.
func (p *KafkaPublisher) Publish(ctx context.Context, t Transition) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(t.RequestID), Value: body}); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// RedisStreamPublisher appends transitions to a capped Redis stream.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStream builds a Redis stream publisher.
func NewRedisStream(client *redis.Client, stream string, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = "coi:request:events"
	}
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish adds the transition as a single JSON "data" field.
func (p *RedisStreamPublisher) Publish(ctx context.Context, t Transition) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{"request_id": t.RequestID, "data": string(body)},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd: %w", err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (p *RedisStreamPublisher) Close() error { return nil }
