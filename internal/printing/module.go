package printing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/internal/config"
	"github.com/ordermaster/printbridge/internal/connection"
	"github.com/ordermaster/printbridge/internal/devices"
	"github.com/ordermaster/printbridge/internal/discovery"
	"github.com/ordermaster/printbridge/internal/probe"
	"github.com/ordermaster/printbridge/internal/receipt"
	"github.com/ordermaster/printbridge/pkg/plugin"
)

const moduleName = "printing"

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
)

// Module hosts the print service inside the daemon.
type Module struct {
	logger     *zap.Logger
	bus        plugin.EventBus
	registerer prometheus.Registerer
	prober     probe.Prober
	bluetooth  discovery.BluetoothLister

	svc *Service
	hub *hub

	mu     sync.Mutex
	bg     context.Context
	cancel context.CancelFunc
	unsub  func()
}

// ModuleOption configures a Module.
type ModuleOption func(*Module)

// WithRegisterer registers the module's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) ModuleOption {
	return func(m *Module) { m.registerer = reg }
}

// WithProber replaces the TCP prober, mainly for tests.
func WithProber(p probe.Prober) ModuleOption {
	return func(m *Module) { m.prober = p }
}

// WithBluetoothLister enables bluetooth discovery through l.
func WithBluetoothLister(l discovery.BluetoothLister) ModuleOption {
	return func(m *Module) { m.bluetooth = l }
}

// New creates the printing module.
func New(opts ...ModuleOption) *Module {
	m := &Module{}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Service returns the print service; nil before Init.
func (m *Module) Service() *Service { return m.svc }

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        moduleName,
		Version:     "1.0.0",
		Description: "Receipt printer discovery, connections, and print jobs",
		Required:    true,
		APIVersion:  plugin.APIVersionCurrent,
	}
}

// Init builds the service from the plugins.printing configuration subtree.
func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.bus = deps.Bus
	if deps.Store == nil {
		return errors.New("printing requires a store")
	}

	cfg := deps.Config
	if cfg == nil {
		v := viper.New()
		config.SetDefaults(v)
		cfg = config.New(v).Sub("plugins." + moduleName)
	}

	capability, err := connection.ParseCapability(cfg.GetString("transport.mode"))
	if err != nil {
		return err
	}
	bridge, err := connection.NewBridge(capability, connection.BridgeConfig{
		BridgeURL:   cfg.GetString("transport.bridge_url"),
		SendTimeout: cfg.GetDuration("transport.send_timeout"),
	})
	if err != nil {
		return fmt.Errorf("configure transport: %w", err)
	}

	reg, err := devices.New(ctx, deps.Store)
	if err != nil {
		return fmt.Errorf("open device registry: %w", err)
	}

	prober := m.prober
	if prober == nil {
		prober = &probe.TCPProber{}
	}
	conn := connection.NewManager(reg, prober, connection.Config{
		Capability:   capability,
		Bridge:       bridge,
		ProbeTimeout: cfg.GetDuration("probe.timeout"),
	}, m.logger.Named("connection"))

	scanCfg := discovery.ScanConfig{
		Targets:       cfg.GetStringSlice("discovery.targets"),
		Ports:         cfg.GetIntSlice("discovery.ports"),
		Concurrency:   cfg.GetInt("discovery.concurrency"),
		ProbeTimeout:  cfg.GetDuration("discovery.probe_timeout"),
		Deadline:      cfg.GetDuration("discovery.deadline"),
		RatePerSecond: floatSetting(cfg, "discovery.rate_per_second"),
	}
	var scanOpts []discovery.Option
	if cfg.GetBool("discovery.ping_first") {
		scanOpts = append(scanOpts, discovery.WithPinger(probe.NewICMPChecker(scanCfg.ProbeTimeout, 1)))
	}
	if community := cfg.GetString("discovery.snmp_community"); community != "" {
		scanOpts = append(scanOpts, discovery.WithEnricher(probe.NewSNMPEnricher(community, scanCfg.ProbeTimeout)))
	}
	if m.bluetooth != nil {
		scanOpts = append(scanOpts, discovery.WithBluetooth(m.bluetooth))
	}
	scanner := discovery.NewScanner(prober, m.logger.Named("discovery"), scanOpts...)

	svcOpts := []Option{WithMetrics(NewMetrics(m.registerer))}
	if cfg.GetBool("mdns.enabled") {
		svcOpts = append(svcOpts, WithBrowser(discovery.NewMDNSBrowser(m.logger.Named("mdns"), cfg.GetDuration("mdns.timeout"))))
	}

	m.svc = NewService(Config{
		Receipt: receipt.BuildOptions{
			Header: cfg.GetString("receipt.header"),
			Footer: cfg.GetString("receipt.footer"),
		},
		Encode: receipt.EncodeOptions{
			NameWidth: cfg.GetInt("receipt.name_width"),
			Currency:  cfg.GetString("receipt.currency"),
		},
		Scan:             scanCfg,
		QueueWhenOffline: cfg.GetBool("queue_when_offline"),
		StaleAfter:       cfg.GetDuration("registry.stale_after"),
	}, reg, conn, scanner, m.bus, m.logger, svcOpts...)
	m.hub = newHub(cfg.GetStringSlice("events.origins"), m.logger.Named("events"))

	m.logger.Info("printing module initialized",
		zap.String("transport", string(capability)),
		zap.Bool("mdns", cfg.GetBool("mdns.enabled")),
	)
	return nil
}

// floatSetting reads a number that viper may hold as int, float, or string.
func floatSetting(cfg plugin.Config, key string) float64 {
	f, err := strconv.ParseFloat(cfg.GetString(key), 64)
	if err != nil {
		return 0
	}
	return f
}

// Start restores known printers and begins streaming events.
func (m *Module) Start(ctx context.Context) error {
	m.mu.Lock()
	m.bg, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if m.bus != nil {
		m.unsub = m.bus.SubscribeAll(m.hub.broadcast)
	}
	m.mu.Unlock()

	if err := m.svc.Start(ctx); err != nil {
		return fmt.Errorf("start print service: %w", err)
	}
	m.logger.Info("printing module started")
	return nil
}

// Stop ends background scans and closes event streams.
func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.hub.closeAll()
	err := m.svc.Stop(ctx)
	m.logger.Info("printing module stopped")
	return err
}

// backgroundContext outlives a single request but ends with the module.
func (m *Module) backgroundContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bg == nil {
		return context.Background()
	}
	return m.bg
}

// Health reports degraded when this environment cannot deliver print jobs.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.svc == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "not initialized"}
	}
	details := map[string]string{
		"transport":   string(m.svc.Capability()),
		"connected":   strconv.Itoa(len(m.svc.Connected())),
		"queue_depth": strconv.Itoa(len(m.svc.Queue())),
		"ws_clients":  strconv.Itoa(m.hub.size()),
	}
	if m.svc.Capability() == connection.CapabilityNone {
		return plugin.HealthStatus{
			Status:  "degraded",
			Message: "transport mode none: print jobs cannot be delivered",
			Details: details,
		}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}
