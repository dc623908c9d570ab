package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/ratify/model"
)

// RedisStreamNotifier appends notifications to a Redis stream.
type RedisStreamNotifier struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamNotifier creates a notifier writing to stream. A positive
// maxLen caps the stream length approximately.
func NewRedisStreamNotifier(client redis.Cmdable, stream string, maxLen int64) *RedisStreamNotifier {
	if stream == "" {
		stream = "ratify:notifications"
	}
	return &RedisStreamNotifier{client: client, stream: stream, maxLen: maxLen}
}

// Notify adds n to the stream.
func (r *RedisStreamNotifier) Notify(ctx context.Context, n model.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"id":          n.ID,
			"instance_id": n.InstanceID,
			"type":        string(n.Type),
			"payload":     payload,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %q: %w", r.stream, err)
	}
	return nil
}
