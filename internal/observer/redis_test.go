package observer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStream_AppendsTransition(t *testing.T) {
	_, client := newRedis(t)
	sink := NewRedisStream(client, "actuator:queue", 0, nil)

	n := sample(StateRejected)
	n.Reason = "daily cap reached"
	sink.Notify(n)

	msgs, err := client.XRange(context.Background(), "actuator:queue", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	vals := msgs[0].Values
	assert.Equal(t, StateRejected, vals["state"])
	assert.Equal(t, "q-1", vals["item_id"])
	assert.Equal(t, "D1", vals["device_id"])
	assert.Equal(t, "daily cap reached", vals["reason"])

	var decoded Notification
	require.NoError(t, json.Unmarshal([]byte(vals["data"].(string)), &decoded))
	assert.Equal(t, n.Summary, decoded.Summary)
	assert.Equal(t, 40, decoded.Intensity)
}

func TestRedisStream_EmergencyFlag(t *testing.T) {
	mr, client := newRedis(t)
	sink := NewRedisStream(client, "actuator:queue", 0, nil)

	sink.Notify(Notification{State: StateEmergencyStop, Summary: "emergency stop", Timestamp: ts})
	v, err := mr.Get(sink.EmergencyKey())
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	sink.Notify(Notification{State: StateEmergencyClear, Summary: "emergency cleared", Timestamp: ts})
	v, err = mr.Get(sink.EmergencyKey())
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}

func TestRedisStream_NonEmergencyLeavesFlag(t *testing.T) {
	mr, client := newRedis(t)
	sink := NewRedisStream(client, "actuator:queue", 0, nil)

	sink.Notify(sample(StateCompleted))
	assert.False(t, mr.Exists(sink.EmergencyKey()))
}

func TestRedisStream_ServerDownDoesNotPanic(t *testing.T) {
	mr, client := newRedis(t)
	sink := NewRedisStream(client, "actuator:queue", 0, nil)
	mr.Close()

	assert.NotPanics(t, func() { sink.Notify(sample(StateEnqueued)) })
}
