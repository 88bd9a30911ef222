// Package eventbridge forwards bus events to an MQTT broker so kitchen
// displays and other devices on the LAN can follow printer activity.
package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/pkg/plugin"
)

// ErrPublishTimeout is returned when the broker does not accept a message
// in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Publisher sends raw payloads to a message broker.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// mqttPublisher publishes at QoS 0 through a paho client.
type mqttPublisher struct {
	client  mqtt.Client
	timeout time.Duration
}

// DialMQTT connects to the broker. The client reconnects on its own after
// the first successful connection.
func DialMQTT(cfg MQTTConfig, logger *zap.Logger) (Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker not configured")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timed out after %s", cfg.Broker, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return &mqttPublisher{client: client, timeout: cfg.PublishTimeout}, nil
}

func (p *mqttPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

func (p *mqttPublisher) Close() {
	p.client.Disconnect(250)
}

// Topic maps a bus topic onto the broker's hierarchy: dots become levels
// under prefix.
func Topic(prefix, busTopic string) string {
	t := strings.ReplaceAll(busTopic, ".", "/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return t
	}
	return prefix + "/" + t
}

// Forwarder republishes bus events as JSON messages.
type Forwarder struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
}

// NewForwarder creates a forwarder publishing under prefix.
func NewForwarder(pub Publisher, prefix string, logger *zap.Logger) *Forwarder {
	return &Forwarder{pub: pub, prefix: prefix, logger: logger}
}

// Handle is a plugin.EventHandler for SubscribeAll. Failures are logged;
// the bus never waits on the broker for longer than the publish timeout.
func (f *Forwarder) Handle(_ context.Context, e plugin.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		f.logger.Warn("encode event for mqtt", zap.String("topic", e.Topic), zap.Error(err))
		return
	}
	topic := Topic(f.prefix, e.Topic)
	if err := f.pub.Publish(topic, payload); err != nil {
		f.logger.Debug("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
	}
}
