package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/internal/printing"
	"github.com/ordermaster/printbridge/pkg/plugin"
)

const moduleName = "notify"

var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
	_ plugin.HTTPProvider    = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
	_ plugin.Validator       = (*Module)(nil)
)

// Module rings an alert whenever an order arrives for printing.
type Module struct {
	logger   *zap.Logger
	bell     io.Writer
	notifier *Notifier
	sinkName string
}

// Option configures a Module.
type Option func(*Module)

// WithBellWriter sends the terminal bell to w instead of stdout.
func WithBellWriter(w io.Writer) Option {
	return func(m *Module) { m.bell = w }
}

// New creates the notify module.
func New(opts ...Option) *Module {
	m := &Module{bell: os.Stdout}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         moduleName,
		Version:      "1.0.0",
		Description:  "Repeating alert for incoming orders",
		Dependencies: []string{"printing"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}

	m.sinkName = "bus"
	interval, maxDuration := defaultInterval, defaultMaxDuration
	if cfg := deps.Config; cfg != nil {
		if cfg.IsSet("sink") {
			m.sinkName = cfg.GetString("sink")
		}
		if d := cfg.GetDuration("interval"); d > 0 {
			interval = d
		}
		if cfg.IsSet("max_duration") {
			maxDuration = cfg.GetDuration("max_duration")
		}
	}

	sink, err := m.buildSink(deps.Bus)
	if err != nil {
		return err
	}
	m.notifier = NewNotifier(sink, interval, maxDuration, m.logger)
	m.logger.Info("notify module initialized",
		zap.String("sink", m.sinkName),
		zap.Duration("interval", interval),
		zap.Duration("max_duration", maxDuration),
	)
	return nil
}

const (
	defaultInterval    = 2 * time.Second
	defaultMaxDuration = 2 * time.Minute
)

func (m *Module) buildSink(bus plugin.EventBus) (Sink, error) {
	busSink := func() (Sink, error) {
		if bus == nil {
			return nil, fmt.Errorf("notify sink %q requires an event bus", m.sinkName)
		}
		return &BusSink{Bus: bus, Source: moduleName}, nil
	}
	switch m.sinkName {
	case "bell":
		return &BellSink{W: m.bell}, nil
	case "bus":
		return busSink()
	case "both":
		bs, err := busSink()
		if err != nil {
			return nil, err
		}
		return MultiSink{&BellSink{W: m.bell}, bs}, nil
	}
	return nil, fmt.Errorf("unknown notify sink %q (want bell, bus, or both)", m.sinkName)
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	if m.notifier == nil {
		return fmt.Errorf("notify: not initialized")
	}
	if m.notifier.maxDuration > 0 && m.notifier.maxDuration < m.notifier.interval {
		return fmt.Errorf("notify: max_duration %s is shorter than interval %s",
			m.notifier.maxDuration, m.notifier.interval)
	}
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	if err := m.notifier.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start notifier: %w", err)
	}
	m.logger.Info("notify module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.notifier.Dispose()
	m.logger.Info("notify module stopped")
	return nil
}

// Notifier returns the module's notifier; nil before Init.
func (m *Module) Notifier() *Notifier { return m.notifier }

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: printing.TopicOrderReceived, Handler: m.handleOrderReceived},
	}
}

func (m *Module) handleOrderReceived(_ context.Context, event plugin.Event) {
	oe, ok := event.Payload.(printing.OrderReceivedEvent)
	if !ok {
		m.logger.Warn("unexpected payload type for order received event")
		return
	}
	if err := m.notifier.Alert(oe.OrderNumber); err != nil {
		m.logger.Debug("order alert skipped",
			zap.String("order_number", oe.OrderNumber),
			zap.Error(err),
		)
	}
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/status", Handler: m.handleStatus},
		{Method: "POST", Path: "/acknowledge", Handler: m.handleAcknowledge},
	}
}

type statusResponse struct {
	Ringing bool     `json:"ringing"`
	Orders  []string `json:"orders"`
}

func (m *Module) handleStatus(w http.ResponseWriter, _ *http.Request) {
	ringing, orders := m.notifier.Ringing()
	if orders == nil {
		orders = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{Ringing: ringing, Orders: orders})
}

func (m *Module) handleAcknowledge(w http.ResponseWriter, _ *http.Request) {
	m.notifier.Acknowledge()
	w.WriteHeader(http.StatusNoContent)
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.notifier == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "not initialized"}
	}
	ringing, orders := m.notifier.Ringing()
	return plugin.HealthStatus{
		Status: "healthy",
		Details: map[string]string{
			"sink":    m.sinkName,
			"ringing": strconv.FormatBool(ringing),
			"orders":  strconv.Itoa(len(orders)),
		},
	}
}
