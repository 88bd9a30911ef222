package eventbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/pkg/plugin"
)

const moduleName = "eventbridge"

var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
)

// DialFunc opens a broker connection.
type DialFunc func(cfg MQTTConfig, logger *zap.Logger) (Publisher, error)

// Module mirrors every bus event to MQTT.
type Module struct {
	logger *zap.Logger
	bus    plugin.EventBus
	dial   DialFunc
	cfg    MQTTConfig
	prefix string

	mu    sync.Mutex
	pub   Publisher
	unsub func()
}

// Option configures a Module.
type Option func(*Module)

// WithDialer replaces the paho connection, mainly for tests.
func WithDialer(d DialFunc) Option {
	return func(m *Module) { m.dial = d }
}

// New creates the eventbridge module.
func New(opts ...Option) *Module {
	m := &Module{dial: DialMQTT}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        moduleName,
		Version:     "1.0.0",
		Description: "Forwards printer events to an MQTT broker",
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.bus = deps.Bus
	if cfg := deps.Config; cfg != nil {
		m.cfg = MQTTConfig{
			Broker:         cfg.GetString("mqtt.broker"),
			ClientID:       cfg.GetString("mqtt.client_id"),
			Username:       cfg.GetString("mqtt.username"),
			Password:       cfg.GetString("mqtt.password"),
			ConnectTimeout: cfg.GetDuration("mqtt.connect_timeout"),
			PublishTimeout: cfg.GetDuration("mqtt.publish_timeout"),
		}
		m.prefix = cfg.GetString("mqtt.topic_prefix")
	}
	if m.cfg.ClientID == "" {
		m.cfg.ClientID = "printbridge"
	}
	m.logger.Info("eventbridge module initialized",
		zap.String("broker", m.cfg.Broker),
		zap.String("topic_prefix", m.prefix),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	if m.cfg.Broker == "" {
		return errors.New("eventbridge: mqtt.broker is required")
	}
	if m.bus == nil {
		return errors.New("eventbridge: event bus is required")
	}
	return nil
}

func (m *Module) Start(_ context.Context) error {
	pub, err := m.dial(m.cfg, m.logger)
	if err != nil {
		return fmt.Errorf("start eventbridge: %w", err)
	}
	fwd := NewForwarder(pub, m.prefix, m.logger)

	m.mu.Lock()
	m.pub = pub
	m.unsub = m.bus.SubscribeAll(fwd.Handle)
	m.mu.Unlock()

	m.logger.Info("eventbridge module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	if m.pub != nil {
		m.pub.Close()
		m.pub = nil
	}
	m.logger.Info("eventbridge module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	details := map[string]string{"broker": m.cfg.Broker}
	if m.pub == nil {
		return plugin.HealthStatus{Status: "degraded", Message: "not connected", Details: details}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}
