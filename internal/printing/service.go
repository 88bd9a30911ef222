// Package printing orchestrates printer discovery, connections, and print
// jobs, and exposes them to the application over HTTP and the event bus.
package printing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/internal/connection"
	"github.com/ordermaster/printbridge/internal/devices"
	"github.com/ordermaster/printbridge/internal/discovery"
	"github.com/ordermaster/printbridge/internal/receipt"
	"github.com/ordermaster/printbridge/pkg/models"
	"github.com/ordermaster/printbridge/pkg/plugin"
)

// Sentinel errors.
var (
	ErrNoActivePrinter = errors.New("no active printer")
	ErrQueued          = errors.New("print job queued")
	ErrMDNSUnavailable = errors.New("mdns discovery unavailable")
)

// Config holds the orchestrator's settings.
type Config struct {
	Receipt          receipt.BuildOptions
	Encode           receipt.EncodeOptions
	Scan             discovery.ScanConfig // Defaults for DiscoverNetwork.
	QueueWhenOffline bool
	StaleAfter       time.Duration // Zero keeps every persisted device.
}

// Browser finds printers that announce themselves, e.g. over mDNS.
type Browser interface {
	Browse(ctx context.Context, obs discovery.Observer) ([]models.Device, error)
}

// PrintResult describes an accepted print request.
type PrintResult struct {
	JobID    string   `json:"job_id"`
	DeviceID string   `json:"device_id,omitempty"`
	Bytes    int      `json:"bytes,omitempty"`
	Queued   bool     `json:"queued"`
	Warnings []string `json:"warnings,omitempty"`
}

// Service is the application-facing printer API.
type Service struct {
	cfg      Config
	registry *devices.Registry
	conn     *connection.Manager
	scanner  *discovery.Scanner
	browser  Browser
	events   *publisher
	metrics  *Metrics
	queue    Queue
	logger   *zap.Logger
	now      func() time.Time

	drainMu sync.Mutex // one ProcessQueue at a time

	mu          sync.Mutex
	stopBrowse  context.CancelFunc
	stopStartup context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithBrowser enables DiscoverMDNS.
func WithBrowser(b Browser) Option { return func(s *Service) { s.browser = b } }

// WithMetrics records to m instead of an unregistered set.
func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires the orchestrator and installs it as conn's reporter.
func NewService(
	cfg Config,
	reg *devices.Registry,
	conn *connection.Manager,
	scanner *discovery.Scanner,
	bus plugin.EventBus,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		cfg:      cfg,
		registry: reg,
		conn:     conn,
		scanner:  scanner,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.cfg.Receipt.Now == nil {
		s.cfg.Receipt.Now = s.now
	}
	s.events = &publisher{bus: bus, logger: logger, now: s.now}
	conn.SetReporter(s.events)
	return s
}

// Start restores persisted printers. Stale records are evicted, leftover
// connection flags are cleared, and every network printer is re-registered
// with a fresh probe. When auto-reconnect is on, the last connected printer
// is reconnected in the background.
func (s *Service) Start(ctx context.Context) error {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.stopStartup = cancel
	s.mu.Unlock()

	if n, err := s.registry.ResetConnections(ctx); err != nil {
		return fmt.Errorf("reset connections: %w", err)
	} else if n > 0 {
		s.logger.Info("cleared stale connections", zap.Int64("devices", n))
	}
	if s.cfg.StaleAfter > 0 {
		n, err := s.registry.EvictStale(ctx, s.cfg.StaleAfter)
		if err != nil {
			return fmt.Errorf("evict stale devices: %w", err)
		}
		if n > 0 {
			s.logger.Info("evicted stale devices", zap.Int64("devices", n))
		}
	}

	known, err := s.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	reconnectID := ""
	if auto, err := s.registry.AutoReconnect(ctx); err != nil {
		s.logger.Warn("read auto-reconnect setting failed", zap.Error(err))
	} else if auto {
		if reconnectID, err = s.registry.LastConnected(ctx); err != nil {
			s.logger.Warn("read last connected device failed", zap.Error(err))
		}
	}

	for _, d := range known {
		if d.ID != reconnectID {
			continue
		}
		s.wg.Add(1)
		go func(d models.Device) {
			defer s.wg.Done()
			s.reconnect(bg, d)
		}(d)
	}

	for _, d := range known {
		if d.ID == reconnectID || d.Transport != models.TransportNetwork {
			continue
		}
		if _, err := s.conn.ForceAdd(ctx, d.Address, d.Port, d.Name); err != nil {
			s.logger.Info("restored printer not reachable",
				zap.String("device_id", d.ID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("printing service started",
		zap.Int("known_devices", len(known)),
		zap.String("reconnect", reconnectID),
		zap.String("capability", string(s.conn.Capability())),
	)
	return nil
}

func (s *Service) reconnect(ctx context.Context, d models.Device) {
	if _, err := s.conn.Connect(ctx, d); err != nil {
		s.logger.Info("auto-reconnect failed", zap.String("device_id", d.ID), zap.Error(err))
		return
	}
	s.logger.Info("auto-reconnected printer", zap.String("device_id", d.ID))
}

// Stop cancels discovery and waits for background reconnects.
func (s *Service) Stop(ctx context.Context) error {
	s.StopDiscovery()
	s.mu.Lock()
	if s.stopStartup != nil {
		s.stopStartup()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scanObserver records discovered devices and forwards progress.
type scanObserver struct {
	ctx    context.Context
	s      *Service
	method models.ScanMethod
}

func (o scanObserver) DeviceFound(d models.Device) { o.s.recordFound(o.ctx, o.method, d) }

func (o scanObserver) ScanProgress(p models.ScanProgress) { o.s.events.progress(o.ctx, p) }

// recordFound merges a discovered device into the registry, keeping what
// the user and the connection manager already know about it.
func (s *Service) recordFound(ctx context.Context, method models.ScanMethod, d models.Device) {
	if known, err := s.registry.Get(ctx, d.ID); err == nil {
		d = mergeFound(*known, d)
	}
	if err := s.registry.Upsert(ctx, &d); err != nil {
		s.logger.Warn("store discovered device failed", zap.String("device_id", d.ID), zap.Error(err))
	}
	s.metrics.deviceFound(method)
	s.events.found(ctx, d)
}

func mergeFound(known, found models.Device) models.Device {
	if known.Name == "" {
		known.Name = found.Name
	}
	if found.Protocol != "" {
		known.Protocol = found.Protocol
	}
	if found.Manufacturer != "" {
		known.Manufacturer = found.Manufacturer
	}
	if found.Model != "" {
		known.Model = found.Model
	}
	if len(found.Capabilities) > 0 {
		known.Capabilities = found.Capabilities
	}
	if known.Status == models.DeviceStatusOffline {
		known.Status = models.DeviceStatusIdle
	}
	return known
}

// DiscoverNetwork sweeps the LAN for printers. Zero fields in cfg take the
// service defaults. Found devices are stored and published as they appear.
func (s *Service) DiscoverNetwork(ctx context.Context, cfg discovery.ScanConfig) ([]models.Device, error) {
	s.metrics.scanStarted(models.ScanMethodNetwork)
	obs := scanObserver{ctx: ctx, s: s, method: models.ScanMethodNetwork}
	found, err := s.scanner.ScanNetwork(ctx, mergeScan(s.cfg.Scan, cfg), obs)
	if err != nil && !errors.Is(err, discovery.ErrScanInProgress) {
		s.events.fail(ctx, "", fmt.Errorf("network discovery: %w", err))
	}
	return found, err
}

// DiscoverBluetooth lists paired printers.
func (s *Service) DiscoverBluetooth(ctx context.Context, cfg discovery.ScanConfig) ([]models.Device, error) {
	s.metrics.scanStarted(models.ScanMethodBluetooth)
	obs := scanObserver{ctx: ctx, s: s, method: models.ScanMethodBluetooth}
	found, err := s.scanner.ScanBluetooth(ctx, cfg, obs)
	if err != nil && !errors.Is(err, discovery.ErrScanInProgress) {
		s.events.fail(ctx, "", fmt.Errorf("bluetooth discovery: %w", err))
	}
	return found, err
}

// DiscoverMDNS browses for printers announcing themselves on the LAN.
func (s *Service) DiscoverMDNS(ctx context.Context) ([]models.Device, error) {
	if s.browser == nil {
		return nil, ErrMDNSUnavailable
	}
	s.metrics.scanStarted(models.ScanMethodMDNS)

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stopBrowse = cancel
	s.mu.Unlock()
	defer cancel()

	obs := scanObserver{ctx: ctx, s: s, method: models.ScanMethodMDNS}
	found, err := s.browser.Browse(ctx, obs)
	if err != nil {
		s.events.fail(ctx, "", fmt.Errorf("mdns discovery: %w", err))
	}
	return found, err
}

// StopDiscovery cancels any running scan or browse. Partial results are
// still returned to their callers.
func (s *Service) StopDiscovery() {
	s.scanner.Cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopBrowse != nil {
		s.stopBrowse()
		s.stopBrowse = nil
	}
}

func mergeScan(base, req discovery.ScanConfig) discovery.ScanConfig {
	if len(req.Targets) == 0 {
		req.Targets = base.Targets
	}
	if len(req.Ports) == 0 {
		req.Ports = base.Ports
	}
	if req.Concurrency <= 0 {
		req.Concurrency = base.Concurrency
	}
	if req.ProbeTimeout <= 0 {
		req.ProbeTimeout = base.ProbeTimeout
	}
	if req.Deadline <= 0 {
		req.Deadline = base.Deadline
	}
	if req.RatePerSecond <= 0 {
		req.RatePerSecond = base.RatePerSecond
	}
	return req
}

// Devices lists every known printer, most recently seen first.
func (s *Service) Devices(ctx context.Context) ([]models.Device, error) {
	return s.registry.List(ctx)
}

// Connect opens a connection to a known printer. With sticky default on,
// the first printer connected becomes the default.
func (s *Service) Connect(ctx context.Context, id string) (*models.Device, error) {
	d, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", id, err)
	}
	got, err := s.conn.Connect(ctx, *d)
	if err != nil {
		return nil, err
	}

	sticky, err := s.registry.StickyDefault(ctx)
	if err != nil {
		s.logger.Warn("read sticky default failed", zap.Error(err))
		return got, nil
	}
	if def, _ := s.registry.Default(ctx); sticky && def == "" {
		if err := s.registry.SetDefault(ctx, id); err != nil {
			s.logger.Warn("set default printer failed", zap.String("device_id", id), zap.Error(err))
		}
	}
	return got, nil
}

// Disconnect closes the connection to a printer.
func (s *Service) Disconnect(ctx context.Context, id string) error {
	return s.conn.Disconnect(ctx, id)
}

// AddManual registers a printer by address. The device is kept even when it
// does not answer; the error then explains why.
func (s *Service) AddManual(ctx context.Context, address string, port int, name string) (*models.Device, error) {
	d, err := s.conn.ForceAdd(ctx, address, port, name)
	if d == nil {
		if err != nil {
			s.events.fail(ctx, "", err)
		}
		return nil, err
	}
	s.events.found(ctx, *d)
	if err != nil {
		s.events.fail(ctx, d.ID, err)
	}
	return d, err
}

// Remove forgets a printer, disconnecting it first.
func (s *Service) Remove(ctx context.Context, id string) error {
	if s.conn.State(id) == models.StateConnected {
		if err := s.conn.Disconnect(ctx, id); err != nil {
			return fmt.Errorf("remove %s: %w", id, err)
		}
	}
	if err := s.registry.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	s.conn.Forget(id)
	s.logger.Info("printer removed", zap.String("device_id", id))
	return nil
}

// SetActive selects the printer used for printing. An empty id clears the
// explicit choice.
func (s *Service) SetActive(ctx context.Context, id string) error {
	if err := s.registry.SetActive(ctx, id); err != nil {
		return fmt.Errorf("set active printer: %w", err)
	}
	return nil
}

// Active resolves the printer to print on: the explicit choice, then the
// default, then the last connected printer.
func (s *Service) Active(ctx context.Context) (*models.Device, error) {
	for _, lookup := range []func(context.Context) (string, error){
		s.registry.Active,
		s.registry.Default,
		s.registry.LastConnected,
	} {
		id, err := lookup(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve active printer: %w", err)
		}
		if id == "" {
			continue
		}
		d, err := s.registry.Get(ctx, id)
		if errors.Is(err, devices.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve active printer: %w", err)
		}
		return d, nil
	}
	return nil, ErrNoActivePrinter
}

// RefreshStatus re-probes a printer and returns its updated record.
func (s *Service) RefreshStatus(ctx context.Context, id string) (*models.Device, error) {
	return s.conn.Refresh(ctx, id)
}

// PrintOrder builds a receipt from order and prints it. An invalid receipt
// fails with *receipt.ValidationError before any transport is touched.
func (s *Service) PrintOrder(ctx context.Context, order receipt.Order) (PrintResult, error) {
	r := receipt.Build(order, s.cfg.Receipt)
	v, err := s.validate(ctx, r)
	if err != nil {
		return PrintResult{Warnings: v.Warnings}, err
	}
	s.events.publish(ctx, TopicOrderReceived, OrderReceivedEvent{
		OrderNumber:  r.OrderNumber,
		CustomerName: r.CustomerName,
		Items:        len(r.Items),
	})
	return s.print(ctx, r, v.Warnings)
}

// PrintReceipt prints a prepared receipt on the active printer. Without a
// connected printer the job is queued when queue_when_offline is set, and
// ErrQueued is returned with the job ID.
func (s *Service) PrintReceipt(ctx context.Context, r receipt.Receipt) (PrintResult, error) {
	v, err := s.validate(ctx, r)
	if err != nil {
		return PrintResult{Warnings: v.Warnings}, err
	}
	return s.print(ctx, r, v.Warnings)
}

func (s *Service) validate(ctx context.Context, r receipt.Receipt) (receipt.Validation, error) {
	v := receipt.Validate(r)
	if err := v.Err(); err != nil {
		s.metrics.printed(resultInvalid)
		s.events.fail(ctx, "", err)
		return v, err
	}
	if len(v.Warnings) > 0 {
		s.logger.Debug("receipt warnings",
			zap.String("order_number", r.OrderNumber),
			zap.Strings("warnings", v.Warnings),
		)
	}
	return v, nil
}

func (s *Service) print(ctx context.Context, r receipt.Receipt, warnings []string) (PrintResult, error) {
	target, err := s.Active(ctx)
	if err == nil && s.conn.State(target.ID) != models.StateConnected {
		err = fmt.Errorf("print to %s: %w", target.ID, connection.ErrNotConnected)
	}
	if err != nil {
		if s.cfg.QueueWhenOffline {
			job := newJob("", r, s.now())
			s.queue.Push(job)
			s.metrics.printed(resultQueued)
			s.metrics.setQueueDepth(s.queue.Len())
			s.logger.Info("printer unavailable, job queued",
				zap.String("job_id", job.ID),
				zap.String("order_number", r.OrderNumber),
				zap.Error(err),
			)
			return PrintResult{JobID: job.ID, Queued: true, Warnings: warnings}, ErrQueued
		}
		s.metrics.printed(resultFailure)
		deviceID := ""
		if target != nil {
			deviceID = target.ID
		}
		s.events.fail(ctx, deviceID, err)
		return PrintResult{Warnings: warnings}, err
	}

	res := PrintResult{JobID: uuid.New().String(), DeviceID: target.ID, Warnings: warnings}
	res.Bytes, err = s.deliver(ctx, res.JobID, target.ID, r)
	if err != nil {
		s.events.fail(ctx, target.ID, err)
		return res, err
	}
	return res, nil
}

// deliver encodes and sends one receipt, recording the outcome.
func (s *Service) deliver(ctx context.Context, jobID, deviceID string, r receipt.Receipt) (int, error) {
	data := receipt.Encode(r, s.cfg.Encode)
	if err := s.conn.Send(ctx, deviceID, data); err != nil {
		s.metrics.printed(resultFailure)
		return 0, err
	}
	s.metrics.printed(resultSuccess)
	s.logger.Info("receipt printed",
		zap.String("job_id", jobID),
		zap.String("device_id", deviceID),
		zap.String("order_number", r.OrderNumber),
		zap.Int("bytes", len(data)),
	)
	s.events.publish(ctx, TopicPrintCompleted, PrintCompletedEvent{
		JobID:       jobID,
		DeviceID:    deviceID,
		OrderNumber: r.OrderNumber,
		Bytes:       len(data),
	})
	return len(data), nil
}

// TestPrint sends the fixed self-test receipt to a connected printer.
func (s *Service) TestPrint(ctx context.Context, id string) (PrintResult, error) {
	if _, err := s.registry.Get(ctx, id); err != nil {
		return PrintResult{}, fmt.Errorf("test print %s: %w", id, err)
	}
	res := PrintResult{JobID: uuid.New().String(), DeviceID: id}
	n, err := s.deliver(ctx, res.JobID, id, receipt.TestReceipt(s.now()))
	if err != nil {
		s.events.fail(ctx, id, err)
		return res, err
	}
	res.Bytes = n
	return res, nil
}

// Preview renders a receipt as the plain text the printer would produce.
func (s *Service) Preview(r receipt.Receipt) string {
	return receipt.Preview(r, s.cfg.Encode)
}

// BuildReceipt maps order into a receipt using the configured header and
// footer, and validates it.
func (s *Service) BuildReceipt(order receipt.Order) (receipt.Receipt, receipt.Validation) {
	r := receipt.Build(order, s.cfg.Receipt)
	return r, receipt.Validate(r)
}

// Enqueue appends a validated receipt to the print queue. An empty
// deviceID prints on whichever printer is active when the queue drains.
func (s *Service) Enqueue(ctx context.Context, deviceID string, r receipt.Receipt) (PrintJob, error) {
	if _, err := s.validate(ctx, r); err != nil {
		return PrintJob{}, err
	}
	if deviceID != "" {
		if _, err := s.registry.Get(ctx, deviceID); err != nil {
			return PrintJob{}, fmt.Errorf("enqueue for %s: %w", deviceID, err)
		}
	}
	job := newJob(deviceID, r, s.now())
	s.queue.Push(job)
	s.metrics.setQueueDepth(s.queue.Len())
	return job, nil
}

// ProcessQueue prints queued jobs in order and stops at the first failure.
// The failed job stays at the head and exactly one error is reported.
func (s *Service) ProcessQueue(ctx context.Context) (int, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	sent := 0
	for {
		job, ok := s.queue.Head()
		if !ok {
			return sent, nil
		}

		deviceID, err := s.jobTarget(ctx, job)
		if err == nil {
			_, err = s.deliver(ctx, job.ID, deviceID, job.Receipt)
		}
		if err != nil {
			s.queue.Fail(job.ID, err)
			s.events.fail(ctx, deviceID, err)
			s.logger.Warn("queue drain stopped",
				zap.String("job_id", job.ID),
				zap.Int("sent", sent),
				zap.Int("remaining", s.queue.Len()),
				zap.Error(err),
			)
			return sent, fmt.Errorf("process queue: job %s: %w", job.ID, err)
		}

		s.queue.Pop(job.ID)
		s.metrics.setQueueDepth(s.queue.Len())
		sent++
	}
}

func (s *Service) jobTarget(ctx context.Context, job PrintJob) (string, error) {
	if job.DeviceID != "" {
		return job.DeviceID, nil
	}
	d, err := s.Active(ctx)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// ClearQueue drops every queued job and returns how many were dropped.
func (s *Service) ClearQueue() int {
	n := s.queue.Clear()
	s.metrics.setQueueDepth(0)
	return n
}

// Queue returns the queued jobs in print order.
func (s *Service) Queue() []PrintJob {
	return s.queue.Snapshot()
}

// Subscribe attaches a typed observer to this service's events.
func (s *Service) Subscribe(obs Observer) (unsubscribe func()) {
	if s.events.bus == nil {
		return func() {}
	}
	return Subscribe(s.events.bus, obs)
}

// Capability reports how jobs reach printers in this environment.
func (s *Service) Capability() connection.Capability { return s.conn.Capability() }

// Connected lists the IDs of connected printers.
func (s *Service) Connected() []string { return s.conn.Connected() }

// Settings are the persisted printer preferences.
type Settings struct {
	AutoReconnect   bool   `json:"auto_reconnect"`
	StickyDefault   bool   `json:"sticky_default"`
	DefaultDeviceID string `json:"default_device_id,omitempty"`
	ActiveDeviceID  string `json:"active_device_id,omitempty"`
}

// SettingsUpdate changes the fields that are set.
type SettingsUpdate struct {
	AutoReconnect   *bool   `json:"auto_reconnect,omitempty"`
	StickyDefault   *bool   `json:"sticky_default,omitempty"`
	DefaultDeviceID *string `json:"default_device_id,omitempty"`
}

// Settings reads the persisted preferences.
func (s *Service) Settings(ctx context.Context) (Settings, error) {
	var (
		st  Settings
		err error
	)
	if st.AutoReconnect, err = s.registry.AutoReconnect(ctx); err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	if st.StickyDefault, err = s.registry.StickyDefault(ctx); err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	if st.DefaultDeviceID, err = s.registry.Default(ctx); err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	if st.ActiveDeviceID, err = s.registry.Active(ctx); err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return st, nil
}

// UpdateSettings applies u and returns the resulting preferences.
func (s *Service) UpdateSettings(ctx context.Context, u SettingsUpdate) (Settings, error) {
	if u.AutoReconnect != nil {
		if err := s.registry.SetAutoReconnect(ctx, *u.AutoReconnect); err != nil {
			return Settings{}, fmt.Errorf("update settings: %w", err)
		}
	}
	if u.StickyDefault != nil {
		if err := s.registry.SetStickyDefault(ctx, *u.StickyDefault); err != nil {
			return Settings{}, fmt.Errorf("update settings: %w", err)
		}
	}
	if u.DefaultDeviceID != nil {
		if err := s.registry.SetDefault(ctx, *u.DefaultDeviceID); err != nil {
			return Settings{}, fmt.Errorf("update settings: %w", err)
		}
	}
	return s.Settings(ctx)
}
