package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/internal/testutil"
	"github.com/ordermaster/printbridge/pkg/plugin"
)

type message struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []message
	err      error
	closed   bool
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, message{topic: topic, payload: payload})
	return nil
}

func (p *fakePublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func TestTopic(t *testing.T) {
	tests := []struct {
		prefix, topic, want string
	}{
		{"printbridge", "printer.device.found", "printbridge/printer/device/found"},
		{"shop/1/", "printer.error", "shop/1/printer/error"},
		{"", "notify.alert", "notify/alert"},
	}
	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, Topic(tc.prefix, tc.topic))
		})
	}
}

func TestForwarderPublishesEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	f := NewForwarder(pub, "pb", zap.NewNop())
	ts := time.Date(2025, 7, 6, 12, 0, 0, 0, time.UTC)

	f.Handle(context.Background(), plugin.Event{
		Topic:     "printer.print.completed",
		Source:    "printing",
		Timestamp: ts,
		Payload:   map[string]any{"job_id": "j1", "bytes": 42},
	})

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "pb/printer/print/completed", pub.messages[0].topic)

	var got struct {
		Topic     string         `json:"topic"`
		Source    string         `json:"source"`
		Timestamp time.Time      `json:"timestamp"`
		Payload   map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(pub.messages[0].payload, &got))
	assert.Equal(t, "printer.print.completed", got.Topic)
	assert.Equal(t, "printing", got.Source)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, "j1", got.Payload["job_id"])
}

func TestForwarderSurvivesBrokerErrors(t *testing.T) {
	pub := &fakePublisher{err: ErrPublishTimeout}
	f := NewForwarder(pub, "pb", zap.NewNop())
	assert.NotPanics(t, func() {
		f.Handle(context.Background(), plugin.Event{Topic: "printer.error"})
	})
	assert.Empty(t, pub.messages)
}

type mapConfig struct {
	plugin.Config
	values map[string]string
}

func (c mapConfig) GetString(key string) string { return c.values[key] }

func (c mapConfig) GetDuration(string) time.Duration { return 0 }

func TestModuleForwardsBusEvents(t *testing.T) {
	bus := testutil.NewMockBus()
	pub := &fakePublisher{}
	var dialed MQTTConfig
	m := New(WithDialer(func(cfg MQTTConfig, _ *zap.Logger) (Publisher, error) {
		dialed = cfg
		return pub, nil
	}))

	ctx := context.Background()
	require.NoError(t, m.Init(ctx, plugin.Dependencies{
		Logger: zap.NewNop(),
		Bus:    bus,
		Config: mapConfig{values: map[string]string{
			"mqtt.broker":       "tcp://localhost:1883",
			"mqtt.topic_prefix": "kitchen",
		}},
	}))
	require.NoError(t, m.ValidateConfig())
	require.NoError(t, m.Start(ctx))

	assert.Equal(t, "tcp://localhost:1883", dialed.Broker)
	assert.Equal(t, "printbridge", dialed.ClientID)
	assert.Equal(t, "healthy", m.Health(ctx).Status)

	require.NoError(t, bus.Publish(ctx, plugin.Event{Topic: "printer.order.received", Source: "printing"}))
	require.Len(t, pub.messages, 1)
	assert.Equal(t, "kitchen/printer/order/received", pub.messages[0].topic)

	require.NoError(t, m.Stop(ctx))
	assert.True(t, pub.closed)
	assert.Equal(t, "degraded", m.Health(ctx).Status)
}

func TestModuleRequiresBroker(t *testing.T) {
	m := New()
	require.NoError(t, m.Init(context.Background(), plugin.Dependencies{
		Bus:    testutil.NewMockBus(),
		Config: mapConfig{values: map[string]string{}},
	}))
	assert.Error(t, m.ValidateConfig())
}

func TestModuleStartDialError(t *testing.T) {
	m := New(WithDialer(func(MQTTConfig, *zap.Logger) (Publisher, error) {
		return nil, errors.New("connection refused")
	}))
	require.NoError(t, m.Init(context.Background(), plugin.Dependencies{
		Bus:    testutil.NewMockBus(),
		Config: mapConfig{values: map[string]string{"mqtt.broker": "tcp://127.0.0.1:1"}},
	}))
	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDialMQTTRequiresBroker(t *testing.T) {
	_, err := DialMQTT(MQTTConfig{}, zap.NewNop())
	require.Error(t, err)
}
