// Package notify alerts staff about incoming orders until someone
// acknowledges them.
package notify

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/pkg/plugin"
)

// Sentinel errors.
var (
	ErrNotStarted = errors.New("notifier not started")
	ErrDisposed   = errors.New("notifier disposed")
)

// TopicAlert is published by BusSink for every ring.
const TopicAlert = "notify.alert"

// Alert describes one ring of an ongoing alert.
type Alert struct {
	OrderNumbers []string  `json:"order_numbers"`
	Ring         int       `json:"ring"`
	StartedAt    time.Time `json:"started_at"`
}

// Sink makes an alert noticeable, e.g. by sounding a bell.
type Sink interface {
	Ring(ctx context.Context, a Alert) error
}

// Notifier repeats an alert through its sink every interval until the alert
// is acknowledged or maxDuration passes. It is safe for concurrent use.
type Notifier struct {
	sink        Sink
	interval    time.Duration
	maxDuration time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	base     context.Context
	cancel   context.CancelFunc // current alert loop
	gen      uint64
	pending  []string
	started  time.Time
	disposed bool
	wg       sync.WaitGroup
}

// NewNotifier creates a stopped notifier. A zero maxDuration rings until
// acknowledged.
func NewNotifier(sink Sink, interval, maxDuration time.Duration, logger *zap.Logger) *Notifier {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		sink:        sink,
		interval:    interval,
		maxDuration: maxDuration,
		logger:      logger,
		now:         time.Now,
	}
}

// Start enables alerts. Alert loops end when ctx does.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disposed {
		return ErrDisposed
	}
	n.base = ctx
	return nil
}

// Alert starts ringing for orderNumber. While an alert is already ringing
// the order joins it instead of starting a second one.
func (n *Notifier) Alert(orderNumber string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case n.disposed:
		return ErrDisposed
	case n.base == nil:
		return ErrNotStarted
	}

	n.pending = append(n.pending, orderNumber)
	if n.cancel != nil {
		return nil
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if n.maxDuration > 0 {
		ctx, cancel = context.WithTimeout(n.base, n.maxDuration)
	} else {
		ctx, cancel = context.WithCancel(n.base)
	}
	n.cancel = cancel
	n.gen++
	n.started = n.now().UTC()

	n.wg.Add(1)
	go n.loop(ctx, cancel, n.gen)
	n.logger.Info("order alert started", zap.String("order_number", orderNumber))
	return nil
}

func (n *Notifier) loop(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer n.wg.Done()
	defer n.finish(cancel, gen)

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for ring := 1; ; ring++ {
		a, ok := n.snapshot(ctx, ring)
		if !ok {
			return
		}
		if err := n.sink.Ring(ctx, a); err != nil && ctx.Err() == nil {
			n.logger.Warn("alert sink failed", zap.Int("ring", ring), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				n.logger.Info("order alert timed out", zap.Duration("after", n.maxDuration))
			}
			return
		case <-ticker.C:
		}
	}
}

func (n *Notifier) snapshot(ctx context.Context, ring int) (Alert, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ctx.Err() != nil {
		return Alert{}, false
	}
	return Alert{
		OrderNumbers: append([]string(nil), n.pending...),
		Ring:         ring,
		StartedAt:    n.started,
	}, true
}

// finish clears the loop's state unless a newer loop replaced it.
func (n *Notifier) finish(cancel context.CancelFunc, gen uint64) {
	cancel()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gen == gen {
		n.cancel = nil
		n.pending = nil
	}
}

// Acknowledge silences the current alert. It is a no-op when nothing rings.
func (n *Notifier) Acknowledge() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel == nil {
		return
	}
	// Cancel under the lock so the loop cannot ring once more.
	n.cancel()
	n.cancel = nil
	n.pending = nil
	n.logger.Info("order alert acknowledged")
}

// Ringing reports whether an alert is active and which orders it covers.
func (n *Notifier) Ringing() (bool, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancel != nil, append([]string(nil), n.pending...)
}

// Stop silences any alert and waits for its loop to exit. Start may be
// called again afterwards.
func (n *Notifier) Stop() {
	n.Acknowledge()
	n.mu.Lock()
	n.base = nil
	n.mu.Unlock()
	n.wg.Wait()
}

// Dispose stops the notifier for good.
func (n *Notifier) Dispose() {
	n.Stop()
	n.mu.Lock()
	n.disposed = true
	n.mu.Unlock()
	if c, ok := n.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			n.logger.Warn("close alert sink", zap.Error(err))
		}
	}
}

// BellSink writes the terminal bell to W once per ring.
type BellSink struct {
	mu sync.Mutex
	W  io.Writer
}

func (s *BellSink) Ring(_ context.Context, _ Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.W, "\a")
	return err
}

// BusSink republishes every ring as a notify.alert event so connected
// clients can play their own sound.
type BusSink struct {
	Bus    plugin.EventBus
	Source string
}

func (s *BusSink) Ring(ctx context.Context, a Alert) error {
	return s.Bus.Publish(ctx, plugin.Event{
		Topic:     TopicAlert,
		Source:    s.Source,
		Timestamp: time.Now().UTC(),
		Payload:   a,
	})
}

// MultiSink rings every sink and returns the first error.
type MultiSink []Sink

func (m MultiSink) Ring(ctx context.Context, a Alert) error {
	var first error
	for _, s := range m {
		if err := s.Ring(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
