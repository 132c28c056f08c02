package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/predicta/internal/model"
)

const (
	// DefaultStream is the Redis stream events are appended to.
	DefaultStream = "predicta:predictions"

	// streamMaxLen is the approximate maximum stream length, enforced via
	// XADD MAXLEN ~.
	streamMaxLen int64 = 10000
)

// RedisStream appends events to a Redis stream for durable, ordered
// consumption by indexers, and mirrors them on a Pub/Sub channel of the
// same name for live listeners.
type RedisStream struct {
	rdb    *redis.Client
	stream string
}

// NewRedisStream creates a publisher writing to stream. An empty stream
// name selects DefaultStream.
func NewRedisStream(rdb *redis.Client, stream string) *RedisStream {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStream{rdb: rdb, stream: stream}
}

func (s *RedisStream) Publish(ctx context.Context, ev model.PredictionPlaced) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"id":      ev.ID,
			"market":  ev.Market.String(),
			"payload": payload,
		},
	})
	pipe.Publish(ctx, s.stream, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", s.stream, err)
	}
	return nil
}

// Recent returns up to count events, newest first.
func (s *RedisStream) Recent(ctx context.Context, count int64) ([]model.PredictionPlaced, error) {
	msgs, err := s.rdb.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", s.stream, err)
	}

	out := make([]model.PredictionPlaced, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var ev model.PredictionPlaced
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("redis: decode %s: %w", msg.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
