package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "dryrun", cfg.Transport.Kind)
	assert.Equal(t, 5*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Queue.TickInterval)
	assert.Equal(t, 5*time.Second, cfg.Queue.SendTimeout)
	assert.True(t, cfg.Queue.HoldForDuration)
	assert.Equal(t, 16, cfg.Queue.MaxCommandsPerEvent)
	assert.Equal(t, "actuator:queue", cfg.Redis.Stream)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.MQTT.Broker)
	assert.Empty(t, cfg.Telemetry.Endpoint)
	assert.Equal(t, 256, cfg.Observer.Buffer)
	assert.Zero(t, cfg.Store.Retention)

	loc, err := cfg.Safety.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, "actuator.yaml", `
queue:
  tick_interval: 50ms
  send_timeout: 3s
redis:
  addr: localhost:6379
store:
  retention: 720h
safety:
  timezone: UTC
`)
	t.Setenv("ACTUATOR_QUEUE_SEND_TIMEOUT", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, cfg.Queue.TickInterval, "from file")
	assert.Equal(t, 2*time.Second, cfg.Queue.SendTimeout, "env beats file")
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*24*time.Hour, cfg.Store.Retention)

	loc, err := cfg.Safety.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())
}

func TestLoad_SecretsInFileRejected(t *testing.T) {
	path := writeFile(t, "actuator.yaml", `
admin:
  jwt_secret: hunter2
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin.jwt_secret not allowed in config files")
	assert.Contains(t, err.Error(), "ACTUATOR_ADMIN_JWT_SECRET")
}

func TestLoad_SecretsFromEnv(t *testing.T) {
	t.Setenv("ACTUATOR_TRANSPORT_KIND", "openshock")
	t.Setenv("ACTUATOR_TRANSPORT_API_TOKEN", "tok")
	t.Setenv("ACTUATOR_ADMIN_JWT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "openshock", cfg.Transport.Kind)
	assert.Equal(t, "tok", cfg.Transport.APIToken)
	assert.Equal(t, "s3cret", cfg.Admin.JWTSecret)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown transport", map[string]string{"ACTUATOR_TRANSPORT_KIND": "serial"}, "transport.kind"},
		{"openshock without token", map[string]string{"ACTUATOR_TRANSPORT_KIND": "openshock"}, "ACTUATOR_TRANSPORT_API_TOKEN"},
		{"zero send timeout", map[string]string{"ACTUATOR_QUEUE_SEND_TIMEOUT": "0s"}, "queue.send_timeout"},
		{"negative retention", map[string]string{"ACTUATOR_STORE_RETENTION": "-1h"}, "store.retention"},
		{"bad qos", map[string]string{"ACTUATOR_MQTT_QOS": "3"}, "mqtt.qos"},
		{"bad timezone", map[string]string{"ACTUATOR_SAFETY_TIMEZONE": "Mars/Olympus"}, "safety.timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/actuator.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
