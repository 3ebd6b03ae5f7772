// Package notify announces finished translation runs to external systems.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"geoalign/internal/config"
)

// RunMessage is the payload published when a run finishes.
type RunMessage struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Rows       int       `json:"rows"`
	Matched    int       `json:"matched"`
	Unmatched  int       `json:"unmatched"`
	OutputPath string    `json:"output_path,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Time       time.Time `json:"time"`
}

// Notifier delivers run messages.
type Notifier interface {
	Notify(ctx context.Context, msg RunMessage) error
	Close()
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, RunMessage) error { return nil }
func (Nop) Close()                                   {}

// publisher is the subset of mqtt.Client used here.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes run messages to <topic>/<run_id>.
type MQTT struct {
	client  publisher
	topic   string
	qos     byte
	timeout time.Duration
	log     *slog.Logger
}

// New returns an MQTT notifier when a broker is configured and Nop otherwise.
func New(cfg config.MQTT, log *slog.Logger) (Notifier, error) {
	if cfg.Broker == "" {
		return Nop{}, nil
	}
	if log == nil {
		log = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "geoalign"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("mqtt connected", "broker", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	// ConnectRetry keeps trying in the background; publishing waits for the session.
	client.Connect()

	return newMQTT(client, cfg.Topic, byte(cfg.QoS), log), nil
}

func newMQTT(client publisher, topic string, qos byte, log *slog.Logger) *MQTT {
	if topic == "" {
		topic = "geoalign/runs"
	}
	return &MQTT{client: client, topic: topic, qos: qos, timeout: 10 * time.Second, log: log}
}

// Notify publishes msg and waits for the broker to acknowledge it.
func (m *MQTT) Notify(ctx context.Context, msg RunMessage) error {
	if !m.client.IsConnected() {
		return errors.New("mqtt client not connected")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal run message: %w", err)
	}
	topic := fmt.Sprintf("%s/%s", m.topic, msg.RunID)

	token := m.client.Publish(topic, m.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.timeout):
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	m.log.Debug("run notification published", "topic", topic, "status", msg.Status)
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
