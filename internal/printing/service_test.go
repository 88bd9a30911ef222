package printing

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/internal/connection"
	"github.com/ordermaster/printbridge/internal/devices"
	"github.com/ordermaster/printbridge/internal/discovery"
	"github.com/ordermaster/printbridge/internal/probe"
	"github.com/ordermaster/printbridge/internal/receipt"
	"github.com/ordermaster/printbridge/internal/testutil"
	"github.com/ordermaster/printbridge/pkg/models"
)

// fakeProber answers every endpoint unless down says otherwise.
type fakeProber struct {
	mu     sync.Mutex
	down   map[string]bool
	only   map[string]bool // When set, only these endpoints answer.
	probed []string
}

func (p *fakeProber) Probe(_ context.Context, address string, port int, _ time.Duration) probe.Result {
	key := net.JoinHostPort(address, strconv.Itoa(port))
	p.mu.Lock()
	p.probed = append(p.probed, key)
	reachable := !p.down[key] && (p.only == nil || p.only[key])
	p.mu.Unlock()
	if !reachable {
		return probe.Result{Err: &probe.UnreachableError{Address: address, Port: port, Err: probe.ErrTimeout}}
	}
	return probe.Result{Reachable: true}
}

func (p *fakeProber) setDown(key string, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down == nil {
		p.down = make(map[string]bool)
	}
	p.down[key] = down
}

func (p *fakeProber) probedEndpoints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.probed...)
}

// countingBridge records every transport call.
type countingBridge struct {
	mu    sync.Mutex
	err   error
	calls int
	sent  [][]byte
}

func (b *countingBridge) Send(_ context.Context, _ models.Device, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, data)
	return nil
}

func (b *countingBridge) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *countingBridge) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fixture struct {
	svc      *Service
	registry *devices.Registry
	prober   *fakeProber
	bridge   *countingBridge
	bus      *testutil.MockBus
	metrics  *Metrics
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	reg, err := devices.New(ctx, testutil.NewStore(t))
	require.NoError(t, err)

	f := &fixture{
		registry: reg,
		prober:   &fakeProber{},
		bridge:   &countingBridge{},
		bus:      testutil.NewMockBus(),
		metrics:  NewMetrics(nil),
	}
	conn := connection.NewManager(reg, f.prober, connection.Config{
		Capability: connection.CapabilityDirect,
		Bridge:     f.bridge,
	}, zap.NewNop())
	scanner := discovery.NewScanner(f.prober, zap.NewNop(),
		discovery.WithLocalNetwork(func() (string, error) { return "10.0.0.0/30", nil }))
	clock := testutil.NewClock(time.Date(2025, 7, 6, 12, 30, 0, 0, time.UTC))

	f.svc = NewService(cfg, reg, conn, scanner, f.bus, zap.NewNop(),
		WithMetrics(f.metrics), WithClock(clock.Now))
	return f
}

// addConnected stores a printer and connects it.
func (f *fixture) addConnected(t *testing.T, address string) models.Device {
	t.Helper()
	d := testutil.NewDevice(testutil.WithEndpoint(address, models.PortRaw))
	require.NoError(t, f.registry.Upsert(context.Background(), &d))
	_, err := f.svc.Connect(context.Background(), d.ID)
	require.NoError(t, err)
	return d
}

func validOrder(number string) receipt.Order {
	return receipt.Order{
		OrderNumber:  number,
		CustomerName: "Matti",
		TotalAmount:  decimal.RequireFromString("12.50"),
		Items: []receipt.OrderItem{{
			Name:       "Burger",
			Quantity:   1,
			UnitPrice:  decimal.RequireFromString("12.50"),
			TotalPrice: decimal.RequireFromString("12.50"),
		}},
	}
}

func validReceipt(number string) receipt.Receipt {
	return receipt.Build(validOrder(number), receipt.BuildOptions{})
}

func TestPrintOrderRejectsEmptyOrderBeforeTransport(t *testing.T) {
	f := newFixture(t, Config{QueueWhenOffline: true})
	f.addConnected(t, "192.168.1.50")

	_, err := f.svc.PrintOrder(context.Background(), receipt.Order{OrderNumber: "ORD-1"})

	var verr *receipt.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Errors, "no items")
	assert.Zero(t, f.bridge.callCount())
	assert.Empty(t, f.svc.Queue())
	assert.Len(t, f.bus.EventsFor(TopicError), 1)
	assert.Empty(t, f.bus.EventsFor(TopicOrderReceived))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.prints.WithLabelValues(resultInvalid)))
}

func TestPrintOrderSendsToActivePrinter(t *testing.T) {
	f := newFixture(t, Config{})
	d := f.addConnected(t, "192.168.1.50")

	res, err := f.svc.PrintOrder(context.Background(), validOrder("ORD-7"))
	require.NoError(t, err)

	assert.Equal(t, d.ID, res.DeviceID)
	assert.False(t, res.Queued)
	assert.NotEmpty(t, res.JobID)
	require.Equal(t, 1, f.bridge.callCount())
	assert.Equal(t, len(f.bridge.sent[0]), res.Bytes)
	assert.True(t, bytes.HasPrefix(f.bridge.sent[0], []byte{0x1B, 0x40}), "job starts with ESC @")

	require.Len(t, f.bus.EventsFor(TopicOrderReceived), 1)
	completed := f.bus.EventsFor(TopicPrintCompleted)
	require.Len(t, completed, 1)
	payload := completed[0].Payload.(PrintCompletedEvent)
	assert.Equal(t, "ORD-7", payload.OrderNumber)
	assert.Equal(t, d.ID, payload.DeviceID)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.prints.WithLabelValues(resultSuccess)))
}

func TestPrintQueuesWhenOffline(t *testing.T) {
	f := newFixture(t, Config{QueueWhenOffline: true})

	res, err := f.svc.PrintReceipt(context.Background(), validReceipt("ORD-2"))

	require.ErrorIs(t, err, ErrQueued)
	assert.True(t, res.Queued)
	queued := f.svc.Queue()
	require.Len(t, queued, 1)
	assert.Equal(t, res.JobID, queued[0].ID)
	assert.Empty(t, queued[0].DeviceID)
	assert.Zero(t, f.bridge.callCount())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.queueDepth))
}

func TestPrintWithoutPrinterFails(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.PrintReceipt(context.Background(), validReceipt("ORD-3"))

	require.ErrorIs(t, err, ErrNoActivePrinter)
	assert.Empty(t, f.svc.Queue())
	assert.Len(t, f.bus.EventsFor(TopicError), 1)
}

func TestPrintToDisconnectedPrinterFails(t *testing.T) {
	f := newFixture(t, Config{})
	d := f.addConnected(t, "192.168.1.50")
	require.NoError(t, f.svc.Disconnect(context.Background(), d.ID))

	_, err := f.svc.PrintReceipt(context.Background(), validReceipt("ORD-4"))

	require.ErrorIs(t, err, connection.ErrNotConnected)
	assert.Zero(t, f.bridge.callCount())
	events := f.bus.EventsFor(TopicError)
	require.Len(t, events, 1)
	assert.Equal(t, d.ID, events[0].Payload.(ErrorEvent).DeviceID)
}

func TestProcessQueueStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	d := f.addConnected(t, "192.168.1.50")

	a, err := f.svc.Enqueue(ctx, d.ID, validReceipt("A"))
	require.NoError(t, err)
	b, err := f.svc.Enqueue(ctx, d.ID, validReceipt("B"))
	require.NoError(t, err)

	f.bridge.setErr(errors.New("connection reset by peer"))
	f.bus.Reset()

	sent, err := f.svc.ProcessQueue(ctx)
	require.Error(t, err)
	assert.Zero(t, sent)

	jobs := f.svc.Queue()
	require.Len(t, jobs, 2)
	assert.Equal(t, a.ID, jobs[0].ID)
	assert.Equal(t, b.ID, jobs[1].ID)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Contains(t, jobs[0].LastError, "connection reset")
	assert.Zero(t, jobs[1].Attempts)
	assert.Len(t, f.bus.EventsFor(TopicError), 1)
	assert.Empty(t, f.bus.EventsFor(TopicPrintCompleted))

	// Once the printer is back the queue drains in order.
	f.bridge.setErr(nil)
	_, err = f.svc.Connect(ctx, d.ID)
	require.NoError(t, err)

	sent, err = f.svc.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Empty(t, f.svc.Queue())

	completed := f.bus.EventsFor(TopicPrintCompleted)
	require.Len(t, completed, 2)
	assert.Equal(t, "A", completed[0].Payload.(PrintCompletedEvent).OrderNumber)
	assert.Equal(t, "B", completed[1].Payload.(PrintCompletedEvent).OrderNumber)
}

func TestProcessQueueWithoutPrinterReportsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{QueueWhenOffline: true})

	_, err := f.svc.PrintReceipt(ctx, validReceipt("A"))
	require.ErrorIs(t, err, ErrQueued)
	f.bus.Reset()

	_, err = f.svc.ProcessQueue(ctx)
	require.ErrorIs(t, err, ErrNoActivePrinter)

	jobs := f.svc.Queue()
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Len(t, f.bus.EventsFor(TopicError), 1)
}

func TestQueuedJobPrintsOnLaterActivePrinter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{QueueWhenOffline: true})

	_, err := f.svc.PrintReceipt(ctx, validReceipt("A"))
	require.ErrorIs(t, err, ErrQueued)

	f.addConnected(t, "192.168.1.60")
	sent, err := f.svc.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, f.bridge.callCount())
}

func TestEnqueueUnknownDevice(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.Enqueue(context.Background(), "net:10.9.9.9:9100", validReceipt("A"))
	require.ErrorIs(t, err, devices.ErrNotFound)
	assert.Empty(t, f.svc.Queue())
}

func TestClearQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{QueueWhenOffline: true})
	for _, n := range []string{"A", "B", "C"} {
		_, err := f.svc.PrintReceipt(ctx, validReceipt(n))
		require.ErrorIs(t, err, ErrQueued)
	}
	assert.Equal(t, 3, f.svc.ClearQueue())
	assert.Empty(t, f.svc.Queue())
	assert.Zero(t, promtest.ToFloat64(f.metrics.queueDepth))
}

func TestActiveResolutionOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, err := f.svc.Active(ctx)
	require.ErrorIs(t, err, ErrNoActivePrinter)

	// The first connect with sticky default on makes a the default.
	a := f.addConnected(t, "192.168.1.10")
	b := f.addConnected(t, "192.168.1.11")

	got, err := f.svc.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID, "default wins over last connected")

	require.NoError(t, f.svc.SetActive(ctx, b.ID))
	got, err = f.svc.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID, "explicit choice wins over default")

	require.NoError(t, f.svc.Remove(ctx, b.ID))
	got, err = f.svc.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID, "removed choice falls back to default")
}

func TestConnectWithoutStickyDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	off := false
	_, err := f.svc.UpdateSettings(ctx, SettingsUpdate{StickyDefault: &off})
	require.NoError(t, err)

	d := f.addConnected(t, "192.168.1.10")

	st, err := f.svc.Settings(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.DefaultDeviceID)
	assert.False(t, st.StickyDefault)
	assert.True(t, st.AutoReconnect)

	got, err := f.svc.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID, "last connected is the final fallback")
}

func TestRemoveDisconnectsFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	d := f.addConnected(t, "192.168.1.10")

	require.NoError(t, f.svc.Remove(ctx, d.ID))

	assert.Empty(t, f.svc.Connected())
	assert.Len(t, f.bus.EventsFor(TopicDeviceDisconnected), 1)
	_, err := f.registry.Get(ctx, d.ID)
	require.ErrorIs(t, err, devices.ErrNotFound)

	require.ErrorIs(t, f.svc.Remove(ctx, d.ID), devices.ErrNotFound)
}

func TestStartReregistersPersistedDevices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	last := testutil.NewDevice(testutil.WithEndpoint("192.168.1.10", 9100), testutil.WithConnected(true))
	other := testutil.NewDevice(testutil.WithEndpoint("192.168.1.11", 9100), testutil.WithConnected(true))
	gone := testutil.NewDevice(testutil.WithEndpoint("192.168.1.12", 9100))
	for _, d := range []models.Device{last, other, gone} {
		require.NoError(t, f.registry.Upsert(ctx, &d))
	}
	require.NoError(t, f.registry.MarkConnected(ctx, last.ID, true))
	f.prober.setDown("192.168.1.12:9100", true)

	require.NoError(t, f.svc.Start(ctx))
	require.NoError(t, f.svc.Stop(ctx))

	assert.ElementsMatch(t,
		[]string{"192.168.1.10:9100", "192.168.1.11:9100", "192.168.1.12:9100"},
		f.prober.probedEndpoints())
	assert.Equal(t, []string{last.ID}, f.svc.Connected())

	got, err := f.registry.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.False(t, got.IsConnected, "stale connection flag cleared")
	assert.Equal(t, models.DeviceStatusIdle, got.Status)

	got, err = f.registry.Get(ctx, gone.ID)
	require.NoError(t, err, "unreachable printers are kept")
	assert.Equal(t, models.DeviceStatusOffline, got.Status)

	assert.Len(t, f.bus.EventsFor(TopicDeviceConnected), 1)
}

func TestStartWithoutAutoReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	d := testutil.NewDevice(testutil.WithEndpoint("192.168.1.10", 9100))
	require.NoError(t, f.registry.Upsert(ctx, &d))
	require.NoError(t, f.registry.MarkConnected(ctx, d.ID, true))
	require.NoError(t, f.registry.SetAutoReconnect(ctx, false))

	require.NoError(t, f.svc.Start(ctx))
	require.NoError(t, f.svc.Stop(ctx))

	assert.Empty(t, f.svc.Connected())
	assert.Equal(t, []string{"192.168.1.10:9100"}, f.prober.probedEndpoints())
}

func TestDiscoverNetworkStoresAndPublishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Scan: discovery.ScanConfig{Ports: []int{9100}}})
	f.prober.only = map[string]bool{"10.0.0.1:9100": true}

	found, err := f.svc.DiscoverNetwork(ctx, discovery.ScanConfig{Targets: []string{"10.0.0.1-3"}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "10.0.0.1", found[0].Address)

	stored, err := f.svc.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, found[0].ID, stored[0].ID)

	assert.Len(t, f.bus.EventsFor(TopicDeviceFound), 1)
	progress := f.bus.EventsFor(TopicScanProgress)
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1].Payload.(models.ScanProgress)
	assert.Equal(t, last.Total, last.Current)

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.scans.WithLabelValues(string(models.ScanMethodNetwork))))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.devicesFound.WithLabelValues(string(models.ScanMethodNetwork))))
}

func TestDiscoverMDNSUnavailable(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.DiscoverMDNS(context.Background())
	require.ErrorIs(t, err, ErrMDNSUnavailable)
}

type stubBrowser struct{ devices []models.Device }

func (b stubBrowser) Browse(_ context.Context, obs discovery.Observer) ([]models.Device, error) {
	for _, d := range b.devices {
		obs.DeviceFound(d)
	}
	return b.devices, nil
}

func TestDiscoverMDNSKeepsUserNames(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	known := testutil.NewDevice(testutil.WithEndpoint("192.168.1.30", 9100), testutil.WithName("Kitchen"))
	require.NoError(t, f.registry.Upsert(ctx, &known))

	announced := models.NewNetworkDevice("192.168.1.30", 9100, "EPSON TM-T20")
	announced.Model = "TM-T20"
	f.svc.browser = stubBrowser{devices: []models.Device{announced}}

	_, err := f.svc.DiscoverMDNS(ctx)
	require.NoError(t, err)

	got, err := f.registry.Get(ctx, known.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kitchen", got.Name)
	assert.Equal(t, "TM-T20", got.Model)
}

func TestAddManualUnreachableIsKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.prober.setDown("192.168.1.99:9100", true)

	d, err := f.svc.AddManual(ctx, "192.168.1.99", 9100, "Bar")

	var unreachable *probe.UnreachableError
	require.ErrorAs(t, err, &unreachable)
	require.NotNil(t, d)
	assert.Equal(t, models.DeviceStatusOffline, d.Status)
	assert.Len(t, f.bus.EventsFor(TopicDeviceFound), 1)
	events := f.bus.EventsFor(TopicError)
	require.Len(t, events, 1)
	assert.Equal(t, d.ID, events[0].Payload.(ErrorEvent).DeviceID)
}

func TestRefreshStatusDropsSilentPrinter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	d := f.addConnected(t, "192.168.1.10")
	f.prober.setDown("192.168.1.10:9100", true)

	got, err := f.svc.RefreshStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOffline, got.Status)
	assert.False(t, got.IsConnected)
	assert.Len(t, f.bus.EventsFor(TopicDeviceDisconnected), 1)
}

func TestTestPrint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	d := testutil.NewDevice(testutil.WithEndpoint("192.168.1.10", 9100))
	require.NoError(t, f.registry.Upsert(ctx, &d))

	_, err := f.svc.TestPrint(ctx, d.ID)
	require.ErrorIs(t, err, connection.ErrNotConnected)

	_, err = f.svc.Connect(ctx, d.ID)
	require.NoError(t, err)
	res, err := f.svc.TestPrint(ctx, d.ID)
	require.NoError(t, err)
	assert.Positive(t, res.Bytes)
	require.Len(t, f.bridge.sent, 1)
	assert.Contains(t, string(f.bridge.sent[0]), "TEST")

	_, err = f.svc.TestPrint(ctx, "net:10.1.1.1:9100")
	require.ErrorIs(t, err, devices.ErrNotFound)
}

func TestSubscribeObserver(t *testing.T) {
	f := newFixture(t, Config{})

	var (
		mu        sync.Mutex
		connected []string
		failures  []string
	)
	unsub := f.svc.Subscribe(ObserverFuncs{
		OnDeviceConnected: func(d models.Device) {
			mu.Lock()
			defer mu.Unlock()
			connected = append(connected, d.ID)
		},
		OnError: func(message, _ string) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, message)
		},
	})
	defer unsub()

	d := f.addConnected(t, "192.168.1.10")
	_, err := f.svc.PrintOrder(context.Background(), receipt.Order{OrderNumber: "X"})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{d.ID}, connected)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "no items")
}

func TestUpdateSettingsDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	d := testutil.NewDevice()
	require.NoError(t, f.registry.Upsert(ctx, &d))

	st, err := f.svc.UpdateSettings(ctx, SettingsUpdate{DefaultDeviceID: &d.ID})
	require.NoError(t, err)
	assert.Equal(t, d.ID, st.DefaultDeviceID)

	missing := "net:10.0.0.9:9100"
	_, err = f.svc.UpdateSettings(ctx, SettingsUpdate{DefaultDeviceID: &missing})
	require.Error(t, err)
}
