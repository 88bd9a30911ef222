package notify

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/internal/printing"
	"github.com/ordermaster/printbridge/internal/testutil"
	"github.com/ordermaster/printbridge/pkg/plugin"
)

type recordingSink struct {
	mu    sync.Mutex
	rings []Alert
	err   error
}

func (s *recordingSink) Ring(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rings = append(s.rings, a)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rings)
}

func (s *recordingSink) last() Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rings[len(s.rings)-1]
}

func TestAlertRepeatsUntilAcknowledged(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(sink, 10*time.Millisecond, 0, zap.NewNop())
	require.NoError(t, n.Start(context.Background()))
	defer n.Dispose()

	require.NoError(t, n.Alert("ORD-1"))
	require.Eventually(t, func() bool { return sink.count() >= 3 }, time.Second, 5*time.Millisecond)

	ringing, orders := n.Ringing()
	assert.True(t, ringing)
	assert.Equal(t, []string{"ORD-1"}, orders)

	n.Acknowledge()
	ringing, _ = n.Ringing()
	assert.False(t, ringing)

	// Allow an in-flight ring to land, then make sure no more follow.
	time.Sleep(20 * time.Millisecond)
	settled := sink.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, sink.count())
}

func TestAlertJoinsRunningAlert(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(sink, 10*time.Millisecond, 0, zap.NewNop())
	require.NoError(t, n.Start(context.Background()))
	defer n.Dispose()

	require.NoError(t, n.Alert("ORD-1"))
	require.NoError(t, n.Alert("ORD-2"))

	require.Eventually(t, func() bool {
		return len(sink.last().OrderNumbers) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ORD-1", "ORD-2"}, sink.last().OrderNumbers)
	assert.Greater(t, sink.last().Ring, 1)
}

func TestAlertStopsAfterMaxDuration(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(sink, 10*time.Millisecond, 40*time.Millisecond, zap.NewNop())
	require.NoError(t, n.Start(context.Background()))
	defer n.Dispose()

	require.NoError(t, n.Alert("ORD-1"))
	require.Eventually(t, func() bool {
		ringing, _ := n.Ringing()
		return !ringing
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, sink.count(), 1)

	// A new order starts a fresh alert.
	require.NoError(t, n.Alert("ORD-2"))
	ringing, orders := n.Ringing()
	assert.True(t, ringing)
	assert.Equal(t, []string{"ORD-2"}, orders)
}

func TestNotifierLifecycle(t *testing.T) {
	sink := &recordingSink{err: errors.New("speaker unplugged")}
	n := NewNotifier(sink, 10*time.Millisecond, 0, zap.NewNop())

	require.ErrorIs(t, n.Alert("ORD-1"), ErrNotStarted)

	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Alert("ORD-1"))
	require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)

	n.Stop()
	ringing, _ := n.Ringing()
	assert.False(t, ringing)
	require.ErrorIs(t, n.Alert("ORD-2"), ErrNotStarted)

	require.NoError(t, n.Start(context.Background()))
	n.Dispose()
	require.ErrorIs(t, n.Alert("ORD-3"), ErrDisposed)
	require.ErrorIs(t, n.Start(context.Background()), ErrDisposed)
}

func TestAlertEndsWithContext(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(sink, 10*time.Millisecond, 0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))
	defer n.Dispose()

	require.NoError(t, n.Alert("ORD-1"))
	cancel()
	require.Eventually(t, func() bool {
		ringing, _ := n.Ringing()
		return !ringing
	}, time.Second, 5*time.Millisecond)
}

func TestBellSink(t *testing.T) {
	var buf bytes.Buffer
	s := &BellSink{W: &buf}
	require.NoError(t, s.Ring(context.Background(), Alert{}))
	require.NoError(t, s.Ring(context.Background(), Alert{}))
	assert.Equal(t, "\a\a", buf.String())
}

func TestBusSink(t *testing.T) {
	bus := testutil.NewMockBus()
	s := &BusSink{Bus: bus, Source: "notify"}
	require.NoError(t, s.Ring(context.Background(), Alert{OrderNumbers: []string{"A"}, Ring: 3}))

	events := bus.EventsFor(TopicAlert)
	require.Len(t, events, 1)
	a := events[0].Payload.(Alert)
	assert.Equal(t, 3, a.Ring)
	assert.Equal(t, []string{"A"}, a.OrderNumbers)
}

type fakeConfig struct {
	plugin.Config
	values map[string]any
}

func (c fakeConfig) IsSet(key string) bool {
	_, ok := c.values[key]
	return ok
}

func (c fakeConfig) GetString(key string) string {
	s, _ := c.values[key].(string)
	return s
}

func (c fakeConfig) GetDuration(key string) time.Duration {
	d, _ := c.values[key].(time.Duration)
	return d
}

func TestModuleAlertsOnOrderReceived(t *testing.T) {
	bus := testutil.NewMockBus()
	var bell bytes.Buffer
	m := New(WithBellWriter(&bell))

	ctx := context.Background()
	require.NoError(t, m.Init(ctx, plugin.Dependencies{
		Logger: zap.NewNop(),
		Bus:    bus,
		Config: fakeConfig{values: map[string]any{
			"sink":         "bus",
			"interval":     10 * time.Millisecond,
			"max_duration": time.Second,
		}},
	}))
	require.NoError(t, m.ValidateConfig())
	for _, sub := range m.Subscriptions() {
		bus.Subscribe(sub.Topic, sub.Handler)
	}
	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Stop(ctx) }()

	require.NoError(t, bus.Publish(ctx, plugin.Event{
		Topic:   printing.TopicOrderReceived,
		Payload: printing.OrderReceivedEvent{OrderNumber: "ORD-5", Items: 2},
	}))
	require.Eventually(t, func() bool { return len(bus.EventsFor(TopicAlert)) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, bell.String())

	rec := httptest.NewRecorder()
	m.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))
	assert.JSONEq(t, `{"ringing":true,"orders":["ORD-5"]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	m.handleAcknowledge(rec, httptest.NewRequest("POST", "/acknowledge", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "false", m.Health(ctx).Details["ringing"])
}

func TestModuleConfig(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]any
		bus     plugin.EventBus
		initErr bool
		invalid bool
	}{
		{name: "defaults", values: map[string]any{}, bus: testutil.NewMockBus()},
		{name: "bell without bus", values: map[string]any{"sink": "bell"}},
		{name: "bus sink needs bus", values: map[string]any{"sink": "bus"}, initErr: true},
		{name: "unknown sink", values: map[string]any{"sink": "siren"}, bus: testutil.NewMockBus(), initErr: true},
		{
			name:    "max shorter than interval",
			values:  map[string]any{"sink": "both", "interval": 5 * time.Second, "max_duration": time.Second},
			bus:     testutil.NewMockBus(),
			invalid: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := New(WithBellWriter(&bytes.Buffer{}))
			err := m.Init(context.Background(), plugin.Dependencies{
				Logger: zap.NewNop(),
				Bus:    tc.bus,
				Config: fakeConfig{values: tc.values},
			})
			if tc.initErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.invalid {
				assert.Error(t, m.ValidateConfig())
			} else {
				assert.NoError(t, m.ValidateConfig())
			}
		})
	}
}
