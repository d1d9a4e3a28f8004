package observer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStream appends notifications to a Redis stream with XADD and keeps
// the emergency-stop flag in a plain key so dashboards can show it as a
// persistent indicator.
type RedisStream struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisStream creates a sink. maxLen caps the stream length (0 = unbounded).
func NewRedisStream(client *redis.Client, stream string, maxLen int64, logger *slog.Logger) *RedisStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStream{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// EmergencyKey is the key holding "1" while the emergency stop is active.
func (r *RedisStream) EmergencyKey() string {
	return r.stream + ":emergency"
}

// Notify publishes n. Errors are logged, never returned.
func (r *RedisStream) Notify(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	data, err := json.Marshal(n)
	if err != nil {
		r.logger.Error("marshal notification", "error", err)
		return
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"state":     n.State,
			"item_id":   n.ItemID,
			"device_id": n.DeviceID,
			"reason":    n.Reason,
			"data":      string(data),
			"timestamp": n.Timestamp.UnixMilli(),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		r.logger.Warn("redis stream publish failed", "stream", r.stream, "error", err)
		return
	}

	if n.IsEmergency() {
		flag := "0"
		if n.State == StateEmergencyStop {
			flag = "1"
		}
		if err := r.client.Set(ctx, r.EmergencyKey(), flag, 0).Err(); err != nil {
			r.logger.Warn("redis emergency flag update failed", "key", r.EmergencyKey(), "error", err)
		}
	}
}
