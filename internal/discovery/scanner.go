// Package discovery finds printers: a bounded TCP sweep of an address
// range, a paired-bluetooth listing, and mDNS service browsing.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ordermaster/printbridge/internal/probe"
	"github.com/ordermaster/printbridge/pkg/models"
)

// ErrScanInProgress is returned when a scan is started while another one on
// the same Scanner is still running.
var ErrScanInProgress = errors.New("scan already in progress")

// Default scan parameters.
var (
	DefaultPorts        = []int{models.PortRaw, models.PortIPP, models.PortHTTP}
	DefaultConcurrency  = 32
	DefaultProbeTimeout = 300 * time.Millisecond
	DefaultDeadline     = 30 * time.Second
)

// ScanConfig bounds a network scan.
type ScanConfig struct {
	Targets       []string      // CIDR, ranges, IPs. Empty means the local /24.
	Ports         []int         // Probed in preference order.
	Concurrency   int           // Addresses probed at once.
	ProbeTimeout  time.Duration // Per (address, port) probe.
	Deadline      time.Duration // Wall clock for the whole scan.
	RatePerSecond float64       // Probe issue rate; 0 means unlimited.
}

func (c ScanConfig) withDefaults() ScanConfig {
	if len(c.Ports) == 0 {
		c.Ports = DefaultPorts
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	return c
}

// Observer receives scan events. Calls are serialized; a Scanner never
// invokes the same observer from two goroutines at once.
type Observer interface {
	DeviceFound(d models.Device)
	ScanProgress(p models.ScanProgress)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Found    func(models.Device)
	Progress func(models.ScanProgress)
}

func (o ObserverFuncs) DeviceFound(d models.Device) {
	if o.Found != nil {
		o.Found(d)
	}
}

func (o ObserverFuncs) ScanProgress(p models.ScanProgress) {
	if o.Progress != nil {
		o.Progress(p)
	}
}

// Pinger reports whether a host answers ICMP. *probe.ICMPChecker satisfies it.
type Pinger interface {
	Alive(ctx context.Context, address string) (bool, error)
}

// Enricher fills in device metadata after discovery. *probe.SNMPEnricher
// satisfies it.
type Enricher interface {
	Enrich(ctx context.Context, d *models.Device) error
}

// Scanner runs discovery scans. One scan runs at a time; Cancel stops it.
type Scanner struct {
	prober    probe.Prober
	logger    *zap.Logger
	pinger    Pinger
	enricher  Enricher
	bluetooth BluetoothLister
	localNet  func() (string, error)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithPinger skips hosts that do not answer ICMP before probing ports.
func WithPinger(p Pinger) Option { return func(s *Scanner) { s.pinger = p } }

// WithEnricher enriches each found device. Enrichment errors are logged and ignored.
func WithEnricher(e Enricher) Option { return func(s *Scanner) { s.enricher = e } }

// WithBluetooth sets the paired-device lister used by ScanBluetooth.
func WithBluetooth(l BluetoothLister) Option { return func(s *Scanner) { s.bluetooth = l } }

// WithLocalNetwork overrides how the default target is derived.
func WithLocalNetwork(fn func() (string, error)) Option { return func(s *Scanner) { s.localNet = fn } }

// NewScanner creates a Scanner that checks endpoints with prober.
func NewScanner(prober probe.Prober, logger *zap.Logger, opts ...Option) *Scanner {
	s := &Scanner{prober: prober, logger: logger, localNet: LocalSubnet}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether a scan is in progress.
func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Cancel stops the running scan, if any. The scan returns what it found.
func (s *Scanner) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scanner) begin(ctx context.Context, deadline time.Duration) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, nil, ErrScanInProgress
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	s.running = true
	s.cancel = cancel
	return ctx, func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}, nil
}

// ScanNetwork probes every (address, port) pair of cfg. Each address is
// reported at most once, on the first port in cfg.Ports that accepts a
// connection. Cancellation and the deadline end the scan early with a nil
// error and whatever was found so far. Only invalid targets produce an error.
func (s *Scanner) ScanNetwork(ctx context.Context, cfg ScanConfig, obs Observer) ([]models.Device, error) {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = ObserverFuncs{}
	}

	targets := cfg.Targets
	if len(targets) == 0 {
		subnet, err := s.localNet()
		if err != nil {
			return nil, fmt.Errorf("derive scan target: %w", err)
		}
		targets = []string{subnet}
	}
	addrs, err := ExpandTargets(targets)
	if err != nil {
		return nil, err
	}

	ctx, done, err := s.begin(ctx, cfg.Deadline)
	if err != nil {
		return nil, err
	}
	defer done()

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	sc := &sweep{
		scanner: s,
		cfg:     cfg,
		obs:     obs,
		limiter: limiter,
		total:   len(addrs) * len(cfg.Ports),
		found:   []models.Device{},
	}

	s.logger.Info("network scan started",
		zap.Strings("targets", targets),
		zap.Ints("ports", cfg.Ports),
		zap.Int("addresses", len(addrs)),
		zap.Int("concurrency", cfg.Concurrency),
	)
	start := time.Now()

	sem := semaphore.NewWeighted(int64(cfg.Concurrency))
	var wg sync.WaitGroup
	for _, addr := range addrs {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			defer sem.Release(1)
			sc.probeAddress(ctx, addr)
		}(addr)
	}
	wg.Wait()

	sc.mu.Lock()
	defer sc.mu.Unlock()
	s.logger.Info("network scan finished",
		zap.Int("found", len(sc.found)),
		zap.Int("probed", sc.current),
		zap.Int("total", sc.total),
		zap.Bool("interrupted", ctx.Err() != nil),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sc.found, nil
}

// sweep holds the shared state of one network scan.
type sweep struct {
	scanner *Scanner
	cfg     ScanConfig
	obs     Observer
	limiter *rate.Limiter

	mu      sync.Mutex
	current int
	total   int
	found   []models.Device
}

func (sc *sweep) probeAddress(ctx context.Context, addr string) {
	ports := sc.cfg.Ports

	if p := sc.scanner.pinger; p != nil {
		alive, err := p.Alive(ctx, addr)
		if err == nil && !alive {
			sc.advance(len(ports), addr+": no ICMP reply")
			return
		}
	}

	for i, port := range ports {
		if ctx.Err() != nil {
			return
		}
		if sc.limiter != nil {
			if err := sc.limiter.Wait(ctx); err != nil {
				return
			}
		}

		res := sc.scanner.prober.Probe(ctx, addr, port, sc.cfg.ProbeTimeout)
		if !res.Reachable {
			// A probe cut short by cancellation is not a completed probe.
			if ctx.Err() != nil {
				return
			}
			sc.advance(1, fmt.Sprintf("%s:%d", addr, port))
			continue
		}

		d := models.NewNetworkDevice(addr, port, "")
		d.Status = models.DeviceStatusIdle
		d.DiscoveryMethod = models.DiscoveryScan
		if res.Responded {
			d.Capabilities = append(d.Capabilities, "status")
		}
		if e := sc.scanner.enricher; e != nil {
			if err := e.Enrich(ctx, &d); err != nil {
				sc.scanner.logger.Debug("device enrichment failed",
					zap.String("device_id", d.ID), zap.Error(err))
			}
		}

		sc.report(d)
		// Remaining ports of this address are skipped but still count.
		sc.advance(len(ports)-i, fmt.Sprintf("found %s", d.Endpoint()))
		return
	}
}

func (sc *sweep) report(d models.Device) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.found = append(sc.found, d)
	sc.obs.DeviceFound(d)
}

func (sc *sweep) advance(n int, details string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.current += n
	sc.obs.ScanProgress(models.ScanProgress{
		Method:  models.ScanMethodNetwork,
		Current: sc.current,
		Total:   sc.total,
		Details: details,
	})
}
