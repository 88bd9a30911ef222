// Package connection tracks which printers the daemon is connected to and
// delivers print jobs through the configured transport capability.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/internal/devices"
	"github.com/ordermaster/printbridge/internal/probe"
	"github.com/ordermaster/printbridge/pkg/models"
)

// Registry is the part of the device registry the Manager writes through.
type Registry interface {
	Get(ctx context.Context, id string) (*models.Device, error)
	Upsert(ctx context.Context, d *models.Device) error
	MarkConnected(ctx context.Context, id string, connected bool) error
	SetStatus(ctx context.Context, id string, status models.DeviceStatus) error
}

// Reporter receives connection events. The printing service publishes them
// on the event bus. Methods may run while the Manager holds its commit lock
// and must not call back into the Manager.
type Reporter interface {
	Connected(ctx context.Context, d models.Device)
	Disconnected(ctx context.Context, d models.Device)
	Failed(ctx context.Context, deviceID string, err error)
}

type nopReporter struct{}

func (nopReporter) Connected(context.Context, models.Device)    {}
func (nopReporter) Disconnected(context.Context, models.Device) {}
func (nopReporter) Failed(context.Context, string, error)       {}

// Config wires a Manager.
type Config struct {
	Capability   Capability
	Bridge       Bridge // nil when Capability is none.
	ProbeTimeout time.Duration
	Reporter     Reporter
}

// transitions lists the allowed state changes. Any state may move to
// disconnected.
var transitions = map[models.ConnectionState][]models.ConnectionState{
	models.StateDisconnected: {models.StateConnecting},
	models.StateConnecting:   {models.StateConnected, models.StateFailed},
	models.StateConnected:    {},
	models.StateFailed:       {models.StateConnecting},
}

func canTransition(from, to models.ConnectionState) bool {
	if to == models.StateDisconnected {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Manager owns the per-device connection state machine.
type Manager struct {
	registry     Registry
	prober       probe.Prober
	capability   Capability
	bridge       Bridge
	probeTimeout time.Duration
	reporter     Reporter
	logger       *zap.Logger

	mu       sync.Mutex
	states   map[string]models.ConnectionState
	inFlight map[string]struct{}

	// commit orders registry writes and events that follow a state change,
	// so a Disconnect racing a Connect cannot leave them disagreeing.
	commit sync.Mutex
}

// NewManager creates a Manager. All devices start disconnected.
func NewManager(reg Registry, prober probe.Prober, cfg Config, logger *zap.Logger) *Manager {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 1500 * time.Millisecond
	}
	if cfg.Reporter == nil {
		cfg.Reporter = nopReporter{}
	}
	if cfg.Capability == "" {
		cfg.Capability = CapabilityDirect
	}
	return &Manager{
		registry:     reg,
		prober:       prober,
		capability:   cfg.Capability,
		bridge:       cfg.Bridge,
		probeTimeout: cfg.ProbeTimeout,
		reporter:     cfg.Reporter,
		logger:       logger,
		states:       make(map[string]models.ConnectionState),
		inFlight:     make(map[string]struct{}),
	}
}

// Capability returns the transport capability resolved at startup.
func (m *Manager) Capability() Capability { return m.capability }

// SetReporter replaces the event reporter. It must be called before the
// Manager is used concurrently.
func (m *Manager) SetReporter(r Reporter) {
	if r == nil {
		r = nopReporter{}
	}
	m.reporter = r
}

// State returns the connection state of id.
func (m *Manager) State(id string) models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(id)
}

func (m *Manager) stateLocked(id string) models.ConnectionState {
	if s, ok := m.states[id]; ok {
		return s
	}
	return models.StateDisconnected
}

// setState applies a transition. Invalid transitions are logged and ignored.
func (m *Manager) setState(id string, to models.ConnectionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStateLocked(id, to)
}

func (m *Manager) setStateLocked(id string, to models.ConnectionState) bool {
	from := m.stateLocked(id)
	if !canTransition(from, to) {
		m.logger.Warn("invalid connection transition",
			zap.String("device_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return false
	}
	m.states[id] = to
	return true
}

// Connected returns the IDs of connected devices, sorted.
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.states {
		if s == models.StateConnected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Connect probes d and marks it connected. It is a no-op for a connected
// device and fails with *ConcurrencyError while another Connect for the same
// ID is running. Failures are reported, never retried.
func (m *Manager) Connect(ctx context.Context, d models.Device) (*models.Device, error) {
	m.mu.Lock()
	if m.stateLocked(d.ID) == models.StateConnected {
		m.mu.Unlock()
		return m.registry.Get(ctx, d.ID)
	}
	if _, busy := m.inFlight[d.ID]; busy {
		m.mu.Unlock()
		return nil, &ConcurrencyError{DeviceID: d.ID}
	}
	m.inFlight[d.ID] = struct{}{}
	m.setStateLocked(d.ID, models.StateConnecting)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, d.ID)
		m.mu.Unlock()
	}()

	if _, err := m.registry.Get(ctx, d.ID); errors.Is(err, devices.ErrNotFound) {
		if err := m.registry.Upsert(ctx, &d); err != nil {
			return nil, m.connectFailed(ctx, d.ID, fmt.Errorf("register device: %w", err))
		}
	} else if err != nil {
		return nil, m.connectFailed(ctx, d.ID, fmt.Errorf("load device: %w", err))
	}

	if err := m.reach(ctx, d); err != nil {
		if serr := m.registry.SetStatus(ctx, d.ID, models.DeviceStatusOffline); serr != nil {
			m.logger.Warn("set device status failed", zap.String("device_id", d.ID), zap.Error(serr))
		}
		return nil, m.connectFailed(ctx, d.ID, err)
	}

	return m.commitConnected(ctx, d)
}

// commitConnected records a successful connect unless a Disconnect moved the
// device out of connecting while it was being probed.
func (m *Manager) commitConnected(ctx context.Context, d models.Device) (*models.Device, error) {
	m.commit.Lock()
	defer m.commit.Unlock()

	if s := m.State(d.ID); s != models.StateConnecting {
		m.logger.Info("connect aborted",
			zap.String("device_id", d.ID),
			zap.String("state", string(s)),
		)
		return nil, fmt.Errorf("connect to %s: %w", d.ID, ErrConnectAborted)
	}

	if err := m.registry.MarkConnected(ctx, d.ID, true); err != nil {
		return nil, m.connectFailed(ctx, d.ID, fmt.Errorf("mark connected: %w", err))
	}
	if err := m.registry.SetStatus(ctx, d.ID, models.DeviceStatusIdle); err != nil {
		m.logger.Warn("set device status failed", zap.String("device_id", d.ID), zap.Error(err))
	}
	m.setState(d.ID, models.StateConnected)

	got, err := m.registry.Get(ctx, d.ID)
	if err != nil {
		m.logger.Warn("reload connected device failed", zap.String("device_id", d.ID), zap.Error(err))
		d.IsConnected = true
		d.Status = models.DeviceStatusIdle
		got = &d
	}
	m.logger.Info("printer connected", zap.String("device_id", d.ID), zap.String("endpoint", d.Endpoint()))
	m.reporter.Connected(ctx, *got)
	return got, nil
}

// connectFailed moves id to failed and reports err.
func (m *Manager) connectFailed(ctx context.Context, id string, err error) error {
	m.setState(id, models.StateFailed)
	m.logger.Info("connect failed", zap.String("device_id", id), zap.Error(err))
	m.reporter.Failed(ctx, id, err)
	return err
}

// reach checks that the device can be talked to. Network devices are
// probed; bluetooth links are owned by the host bridge.
func (m *Manager) reach(ctx context.Context, d models.Device) error {
	if d.Transport == models.TransportBluetooth {
		if m.capability != CapabilityBridge {
			return &UnsupportedEnvironmentError{Capability: m.capability, Transport: d.Transport}
		}
		return nil
	}
	res := m.prober.Probe(ctx, d.Address, d.Port, m.probeTimeout)
	if !res.Reachable {
		return unreachable(d.Address, d.Port, res)
	}
	return nil
}

// unreachable returns the probe error, filling one in for probers that
// report a failure without saying why.
func unreachable(address string, port int, res probe.Result) error {
	if res.Err != nil {
		return res.Err
	}
	return &probe.UnreachableError{Address: address, Port: port, Err: errNoResponse}
}

// Disconnect moves id to disconnected from any state and reports it. Calling
// it repeatedly is safe.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.commit.Lock()
	defer m.commit.Unlock()

	m.setState(id, models.StateDisconnected)

	d, err := m.registry.Get(ctx, id)
	if errors.Is(err, devices.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.registry.MarkConnected(ctx, id, false); err != nil {
		return fmt.Errorf("mark disconnected: %w", err)
	}
	d.IsConnected = false
	m.reporter.Disconnected(ctx, *d)
	return nil
}

// Forget drops all state for id, e.g. after the device is removed.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
}

// Send delivers data to a connected device. A transport failure drops the
// connection; an unsupported environment does not.
func (m *Manager) Send(ctx context.Context, id string, data []byte) error {
	if m.State(id) != models.StateConnected {
		return fmt.Errorf("send to %s: %w", id, ErrNotConnected)
	}
	d, err := m.registry.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("send to %s: %w", id, err)
	}
	if m.bridge == nil {
		return &UnsupportedEnvironmentError{Capability: m.capability, Transport: d.Transport}
	}

	if err := m.registry.SetStatus(ctx, id, models.DeviceStatusPrinting); err != nil {
		m.logger.Warn("set device status failed", zap.String("device_id", id), zap.Error(err))
	}

	err = m.bridge.Send(ctx, *d, data)
	var unsupported *UnsupportedEnvironmentError
	switch {
	case err == nil:
		_ = m.registry.SetStatus(ctx, id, models.DeviceStatusIdle)
		m.logger.Debug("job sent", zap.String("device_id", id), zap.Int("bytes", len(data)))
		return nil
	case errors.As(err, &unsupported):
		_ = m.registry.SetStatus(ctx, id, models.DeviceStatusIdle)
		return err
	}

	m.logger.Warn("send failed, dropping connection", zap.String("device_id", id), zap.Error(err))
	m.commit.Lock()
	defer m.commit.Unlock()
	m.setState(id, models.StateDisconnected)
	_ = m.registry.SetStatus(ctx, id, models.DeviceStatusError)
	if merr := m.registry.MarkConnected(ctx, id, false); merr != nil {
		m.logger.Warn("mark disconnected failed", zap.String("device_id", id), zap.Error(merr))
	}
	m.reporter.Failed(ctx, id, err)
	d.IsConnected = false
	d.Status = models.DeviceStatusError
	m.reporter.Disconnected(ctx, *d)
	return &SendError{DeviceID: id, Err: err}
}

// ForceAdd registers address:port unconditionally and probes it right away.
// The device is kept even when unreachable; the returned error is then a
// *probe.UnreachableError.
func (m *Manager) ForceAdd(ctx context.Context, address string, port int, name string) (*models.Device, error) {
	if address == "" {
		return nil, fmt.Errorf("force add: empty address")
	}
	if port <= 0 {
		port = models.PortRaw
	}

	d := models.NewNetworkDevice(address, port, name)
	d.DiscoveryMethod = models.DiscoveryManual
	if existing, err := m.registry.Get(ctx, d.ID); err == nil {
		d = *existing
		if name != "" {
			d.Name = name
		}
	} else if !errors.Is(err, devices.ErrNotFound) {
		return nil, err
	}

	res := m.prober.Probe(ctx, address, port, m.probeTimeout)
	d.Status = models.DeviceStatusOffline
	if res.Reachable {
		d.Status = models.DeviceStatusIdle
	}
	if m.State(d.ID) != models.StateConnected {
		d.IsConnected = false
	}
	if err := m.registry.Upsert(ctx, &d); err != nil {
		return nil, fmt.Errorf("force add %s: %w", d.ID, err)
	}

	if !res.Reachable {
		return &d, unreachable(address, port, res)
	}
	return &d, nil
}

// Refresh re-probes a network device and updates its status. A connected
// device that stops answering is dropped and reported as disconnected.
func (m *Manager) Refresh(ctx context.Context, id string) (*models.Device, error) {
	d, err := m.registry.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", id, err)
	}
	if d.Transport != models.TransportNetwork {
		return d, nil
	}

	res := m.prober.Probe(ctx, d.Address, d.Port, m.probeTimeout)
	connected := m.State(id) == models.StateConnected

	switch {
	case res.Reachable && d.Status != models.DeviceStatusPrinting:
		d.Status = models.DeviceStatusIdle
	case !res.Reachable:
		d.Status = models.DeviceStatusOffline
	}
	if err := m.registry.SetStatus(ctx, id, d.Status); err != nil {
		return nil, fmt.Errorf("refresh %s: %w", id, err)
	}

	if !res.Reachable && connected {
		m.commit.Lock()
		defer m.commit.Unlock()
		m.setState(id, models.StateDisconnected)
		if err := m.registry.MarkConnected(ctx, id, false); err != nil {
			return nil, fmt.Errorf("refresh %s: %w", id, err)
		}
		d.IsConnected = false
		m.logger.Info("printer stopped answering", zap.String("device_id", id), zap.Error(res.Err))
		m.reporter.Disconnected(ctx, *d)
	}
	d.IsConnected = m.State(id) == models.StateConnected
	return d, nil
}
