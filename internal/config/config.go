// Package config loads the service configuration and the rules file.
//
// Service configuration comes from viper: defaults, then an optional YAML
// file, then ACTUATOR_* environment variables (dots become underscores, so
// queue.send_timeout is ACTUATOR_QUEUE_SEND_TIMEOUT). Secrets are
// environment-only; a config file that contains one is rejected.
//
// The rules file (limits, mappings, patterns) is YAML checked against an
// embedded CUE schema before it is decoded.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "ACTUATOR"

// secretKeys may only be supplied through the environment.
var secretKeys = []string{
	"transport.api_token",
	"admin.jwt_secret",
	"redis.password",
	"mqtt.password",
}

// Config is the service configuration.
type Config struct {
	Transport TransportConfig
	Queue     QueueConfig
	Safety    SafetyConfig
	Store     StoreConfig
	Redis     RedisConfig
	MQTT      MQTTConfig
	Admin     AdminConfig
	Telemetry TelemetryConfig
	Rules     RulesConfig
	Observer  ObserverConfig
}

// TransportConfig selects and configures the device transport.
type TransportConfig struct {
	Kind       string // "openshock" or "dryrun"
	BaseURL    string
	APIToken   string
	Timeout    time.Duration
	RetryCount int
	Devices    []string // dry-run device ids
}

// QueueConfig tunes the dispatch loop.
type QueueConfig struct {
	TickInterval        time.Duration
	SendTimeout         time.Duration
	HoldForDuration     bool
	MaxCommandsPerEvent int
}

// SafetyConfig holds the non-limit safety settings. Limits live in the
// rules file.
type SafetyConfig struct {
	Timezone string
}

// Location resolves Timezone. Empty means the local zone.
func (s SafetyConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("safety.timezone: %w", err)
	}
	return loc, nil
}

// StoreConfig locates the audit database. Empty Path disables the audit log.
type StoreConfig struct {
	Path      string
	Retention time.Duration // rows older than this are pruned at startup; 0 keeps everything
}

// RedisConfig configures the Redis Streams sink. Empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// MQTTConfig configures the MQTT sink. Empty Broker disables it.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      int
}

// AdminConfig configures the admin HTTP API. Empty JWTSecret disables auth.
type AdminConfig struct {
	Addr      string
	JWTSecret string
}

// TelemetryConfig configures OTLP trace export. Empty Endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string
	ServiceName string
}

// RulesConfig locates the rules file.
type RulesConfig struct {
	Path string
}

// ObserverConfig tunes asynchronous notification delivery.
type ObserverConfig struct {
	Buffer int
}

// Load reads configuration from configPath (optional) and the environment.
// Environment > config file > defaults precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("transport.kind", "dryrun")
	v.SetDefault("transport.base_url", "https://api.openshock.app")
	v.SetDefault("transport.timeout", "5s")
	v.SetDefault("transport.retry_count", 2)
	v.SetDefault("transport.devices", []string{})
	v.SetDefault("queue.tick_interval", "100ms")
	v.SetDefault("queue.send_timeout", "5s")
	v.SetDefault("queue.hold_for_duration", true)
	v.SetDefault("queue.max_commands_per_event", 16)
	v.SetDefault("safety.timezone", "")
	v.SetDefault("store.path", "./actuator.db")
	v.SetDefault("store.retention", "0s")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "actuator:queue")
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "actuator")
	v.SetDefault("mqtt.topic", "actuator")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("admin.addr", "127.0.0.1:8787")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.service_name", "actuator")
	v.SetDefault("rules.path", "./rules.yaml")
	v.SetDefault("observer.buffer", 256)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		Transport: TransportConfig{
			Kind:       strings.ToLower(v.GetString("transport.kind")),
			BaseURL:    v.GetString("transport.base_url"),
			APIToken:   v.GetString("transport.api_token"),
			Timeout:    v.GetDuration("transport.timeout"),
			RetryCount: v.GetInt("transport.retry_count"),
			Devices:    v.GetStringSlice("transport.devices"),
		},
		Queue: QueueConfig{
			TickInterval:        v.GetDuration("queue.tick_interval"),
			SendTimeout:         v.GetDuration("queue.send_timeout"),
			HoldForDuration:     v.GetBool("queue.hold_for_duration"),
			MaxCommandsPerEvent: v.GetInt("queue.max_commands_per_event"),
		},
		Safety: SafetyConfig{
			Timezone: v.GetString("safety.timezone"),
		},
		Store: StoreConfig{
			Path:      v.GetString("store.path"),
			Retention: v.GetDuration("store.retention"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Stream:   v.GetString("redis.stream"),
			MaxLen:   v.GetInt64("redis.max_len"),
		},
		MQTT: MQTTConfig{
			Broker:   v.GetString("mqtt.broker"),
			ClientID: v.GetString("mqtt.client_id"),
			Username: v.GetString("mqtt.username"),
			Password: v.GetString("mqtt.password"),
			Topic:    v.GetString("mqtt.topic"),
			QoS:      v.GetInt("mqtt.qos"),
		},
		Admin: AdminConfig{
			Addr:      v.GetString("admin.addr"),
			JWTSecret: v.GetString("admin.jwt_secret"),
		},
		Telemetry: TelemetryConfig{
			Endpoint:    v.GetString("telemetry.endpoint"),
			ServiceName: v.GetString("telemetry.service_name"),
		},
		Rules: RulesConfig{
			Path: v.GetString("rules.path"),
		},
		Observer: ObserverConfig{
			Buffer: v.GetInt("observer.buffer"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks transport kind, positive durations and QoS range.
func validateConfig(cfg *Config) error {
	switch cfg.Transport.Kind {
	case "dryrun":
	case "openshock":
		if cfg.Transport.APIToken == "" {
			return fmt.Errorf("openshock transport requires %s_TRANSPORT_API_TOKEN", EnvPrefix)
		}
	default:
		return fmt.Errorf("transport.kind must be openshock or dryrun, got %q", cfg.Transport.Kind)
	}
	if cfg.Transport.Timeout <= 0 {
		return fmt.Errorf("transport.timeout must be positive, got %v", cfg.Transport.Timeout)
	}
	if cfg.Transport.RetryCount < 0 {
		return fmt.Errorf("transport.retry_count must not be negative, got %d", cfg.Transport.RetryCount)
	}
	if cfg.Queue.TickInterval <= 0 {
		return fmt.Errorf("queue.tick_interval must be positive, got %v", cfg.Queue.TickInterval)
	}
	if cfg.Queue.SendTimeout <= 0 {
		return fmt.Errorf("queue.send_timeout must be positive, got %v", cfg.Queue.SendTimeout)
	}
	if cfg.Queue.MaxCommandsPerEvent < 0 {
		return fmt.Errorf("queue.max_commands_per_event must not be negative, got %d", cfg.Queue.MaxCommandsPerEvent)
	}
	if cfg.Store.Retention < 0 {
		return fmt.Errorf("store.retention must not be negative, got %v", cfg.Store.Retention)
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.Observer.Buffer <= 0 {
		return fmt.Errorf("observer.buffer must be positive, got %d", cfg.Observer.Buffer)
	}
	if _, err := cfg.Safety.Location(); err != nil {
		return err
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor).
// InConfig only looks at the file, so env-provided secrets pass.
func validateNoSecretsInConfig(v *viper.Viper) error {
	for _, key := range secretKeys {
		if v.InConfig(key) {
			env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			return fmt.Errorf("%s not allowed in config files (use %s environment variable)", key, env)
		}
	}
	return nil
}
