package observer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the subset of mqtt.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// DialMQTT connects to the broker with auto-reconnect enabled.
func DialMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}

// MQTT publishes item transitions to <prefix>/devices/<id>/queue and the
// emergency-stop state, retained, to <prefix>/emergency.
type MQTT struct {
	pub     Publisher
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *slog.Logger
}

// NewMQTT creates an MQTT sink.
func NewMQTT(pub Publisher, prefix string, qos byte, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{pub: pub, prefix: prefix, qos: qos, timeout: 2 * time.Second, logger: logger}
}

// Topic returns the topic a notification is published on.
func (m *MQTT) Topic(n Notification) string {
	if n.IsEmergency() {
		return m.prefix + "/emergency"
	}
	return fmt.Sprintf("%s/devices/%s/queue", m.prefix, n.DeviceID)
}

// Notify publishes n as JSON.
func (m *MQTT) Notify(n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		m.logger.Error("marshal notification", "error", err)
		return
	}
	topic := m.Topic(n)
	token := m.pub.Publish(topic, m.qos, n.IsEmergency(), payload)
	if !token.WaitTimeout(m.timeout) {
		m.logger.Warn("mqtt publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		m.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}
