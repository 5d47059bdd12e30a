// Package announce publishes capture results over MQTT.
//
// The announcement is advisory, like the HTTP upload: downstream
// dashboards and home-automation brokers get a small JSON record per
// archived capture, while the local archive stays authoritative. A
// broker outage only costs the announcements.
package announce

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/visiona/meterwatch/internal/pipeline"
)

// DefaultTopicPrefix is prepended to the device slot to form the
// publication topic, e.g. meterwatch/captures/device1.
const DefaultTopicPrefix = "meterwatch/captures"

// Config configures a Publisher.
type Config struct {
	// Broker is the MQTT broker URL, e.g. tcp://broker.local:1883.
	Broker string

	// ClientID identifies this unit to the broker.
	ClientID string

	Username string
	Password string

	// TopicPrefix overrides DefaultTopicPrefix when non-empty.
	TopicPrefix string
}

// Publisher announces capture results. Safe for concurrent use; the
// underlying client serializes publications.
type Publisher struct {
	client mqtt.Client
	prefix string
}

// announcement is the wire record, one per archived capture.
type announcement struct {
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
	Filename   string `json:"filename"`
	Timestamp  int64  `json:"timestamp"`
	Text       string `json:"text"`
}

// NewPublisher connects to the broker and returns a publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("announce: broker URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("announce: client id is required")
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("announce: broker connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("announce: connected to broker", "broker", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("announce: connect to broker: %w", token.Error())
	}

	return &Publisher{client: client, prefix: prefix}, nil
}

// Announce publishes one record per successful result. Failed devices
// are skipped; publish errors are logged per result and the first one
// is returned.
func (p *Publisher) Announce(results []pipeline.Result) error {
	var firstErr error
	for _, r := range results {
		if !r.OK() {
			continue
		}

		payload, err := json.Marshal(announcement{
			DeviceID:   r.Metadata.DeviceID,
			DeviceType: r.Metadata.DeviceType,
			Filename:   r.Filename,
			Timestamp:  r.Metadata.Timestamp,
			Text:       r.Metadata.Text,
		})
		if err != nil {
			return fmt.Errorf("announce: marshal record: %w", err)
		}

		topic := p.prefix + "/" + r.Slot
		token := p.client.Publish(topic, 1, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			slog.Warn("announce: publish failed", "topic", topic, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("announce: publish %s: %w", topic, err)
			}
			continue
		}
		slog.Debug("announce: capture published", "topic", topic, "filename", r.Filename)
	}
	return firstErr
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
	slog.Info("announce: disconnected from broker")
}
