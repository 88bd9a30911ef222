package devices_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ordermaster/printbridge/internal/devices"
	"github.com/ordermaster/printbridge/internal/testutil"
	"github.com/ordermaster/printbridge/pkg/models"
)

func newRegistry(t *testing.T) (*devices.Registry, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock()
	reg, err := devices.New(context.Background(), testutil.NewStore(t), devices.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("devices.New: %v", err)
	}
	return reg, clock
}

func TestRegistry_UpsertAndGet(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	d := testutil.NewDevice(testutil.WithName("Kitchen"))
	d.Capabilities = []string{"cut", "cp850"}
	if err := reg.Upsert(ctx, &d); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := reg.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Kitchen" {
		t.Errorf("Name = %q, want Kitchen", got.Name)
	}
	if got.Address != "192.168.1.100" || got.Port != 9100 {
		t.Errorf("endpoint = %s, want 192.168.1.100:9100", got.Endpoint())
	}
	if got.Transport != models.TransportNetwork {
		t.Errorf("Transport = %q, want network", got.Transport)
	}
	if len(got.Capabilities) != 2 {
		t.Errorf("Capabilities = %v, want 2 entries", got.Capabilities)
	}
	if got.LastConnectedAt != nil {
		t.Errorf("LastConnectedAt = %v, want nil", got.LastConnectedAt)
	}
}

func TestRegistry_UpsertIsIdempotent(t *testing.T) {
	reg, clock := newRegistry(t)
	ctx := context.Background()

	d := testutil.NewDevice()
	d.FirstSeen = time.Time{}
	if err := reg.Upsert(ctx, &d); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	first := d.FirstSeen

	clock.Advance(time.Hour)
	again := testutil.NewDevice(testutil.WithName("Renamed"))
	again.FirstSeen = time.Time{}
	if err := reg.Upsert(ctx, &again); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	list, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List len = %d, want 1", len(list))
	}
	if list[0].Name != "Renamed" {
		t.Errorf("Name = %q, want Renamed", list[0].Name)
	}
	if !list[0].FirstSeen.Equal(first) {
		t.Errorf("FirstSeen = %v, want %v (preserved)", list[0].FirstSeen, first)
	}
	if !again.FirstSeen.Equal(first) {
		t.Errorf("returned FirstSeen = %v, want %v", again.FirstSeen, first)
	}
	if !list[0].LastSeen.Equal(clock.Now()) {
		t.Errorf("LastSeen = %v, want %v", list[0].LastSeen, clock.Now())
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.Get(context.Background(), "network-10.9.9.9-9100")
	if !errors.Is(err, devices.ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_RemoveClearsReferences(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	d := testutil.NewDevice()
	if err := reg.Upsert(ctx, &d); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := reg.SetDefault(ctx, d.ID); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if err := reg.MarkConnected(ctx, d.ID, true); err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}

	if err := reg.Remove(ctx, d.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := reg.Remove(ctx, d.ID); !errors.Is(err, devices.ErrNotFound) {
		t.Errorf("second Remove error = %v, want ErrNotFound", err)
	}

	def, _ := reg.Default(ctx)
	last, _ := reg.LastConnected(ctx)
	if def != "" || last != "" {
		t.Errorf("Default=%q LastConnected=%q, want both empty", def, last)
	}
}

func TestRegistry_MarkConnected(t *testing.T) {
	reg, clock := newRegistry(t)
	ctx := context.Background()

	d := testutil.NewDevice()
	if err := reg.Upsert(ctx, &d); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	clock.Advance(time.Minute)
	if err := reg.MarkConnected(ctx, d.ID, true); err != nil {
		t.Fatalf("MarkConnected(true): %v", err)
	}

	got, _ := reg.Get(ctx, d.ID)
	if !got.IsConnected {
		t.Error("IsConnected = false, want true")
	}
	if got.LastConnectedAt == nil || !got.LastConnectedAt.Equal(clock.Now()) {
		t.Errorf("LastConnectedAt = %v, want %v", got.LastConnectedAt, clock.Now())
	}
	if last, _ := reg.LastConnected(ctx); last != d.ID {
		t.Errorf("LastConnected = %q, want %q", last, d.ID)
	}

	if err := reg.MarkConnected(ctx, d.ID, false); err != nil {
		t.Fatalf("MarkConnected(false): %v", err)
	}
	got, _ = reg.Get(ctx, d.ID)
	if got.IsConnected {
		t.Error("IsConnected = true after disconnect")
	}
	if got.LastConnectedAt == nil {
		t.Error("LastConnectedAt cleared by disconnect, want kept")
	}
	if last, _ := reg.LastConnected(ctx); last != d.ID {
		t.Errorf("LastConnected = %q after disconnect, want kept", last)
	}

	if err := reg.MarkConnected(ctx, "missing", true); !errors.Is(err, devices.ErrNotFound) {
		t.Errorf("MarkConnected(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_SetDefaultRequiresDevice(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	if err := reg.SetDefault(ctx, "missing"); !errors.Is(err, devices.ErrNotFound) {
		t.Errorf("SetDefault(missing) error = %v, want ErrNotFound", err)
	}

	d := testutil.NewDevice()
	_ = reg.Upsert(ctx, &d)
	if err := reg.SetDefault(ctx, d.ID); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if got, _ := reg.Default(ctx); got != d.ID {
		t.Errorf("Default = %q, want %q", got, d.ID)
	}
	if err := reg.SetDefault(ctx, ""); err != nil {
		t.Fatalf("SetDefault(clear): %v", err)
	}
	if got, _ := reg.Default(ctx); got != "" {
		t.Errorf("Default = %q after clear, want empty", got)
	}
}

func TestRegistry_Policies(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name string
		get  func(context.Context) (bool, error)
		set  func(context.Context, bool) error
	}{
		{"auto reconnect", reg.AutoReconnect, reg.SetAutoReconnect},
		{"sticky default", reg.StickyDefault, reg.SetStickyDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			on, err := tt.get(ctx)
			if err != nil || !on {
				t.Fatalf("default = %v, %v; want true, nil", on, err)
			}
			if err := tt.set(ctx, false); err != nil {
				t.Fatalf("set(false): %v", err)
			}
			if on, _ := tt.get(ctx); on {
				t.Error("value = true after set(false)")
			}
		})
	}
}

func TestRegistry_SetStatusAndReset(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	printing := testutil.NewDevice(testutil.WithEndpoint("10.0.0.1", 9100))
	connected := testutil.NewDevice(testutil.WithEndpoint("10.0.0.2", 9100), testutil.WithConnected(true))
	idle := testutil.NewDevice(testutil.WithEndpoint("10.0.0.3", 9100))
	for _, d := range []*models.Device{&printing, &connected, &idle} {
		if err := reg.Upsert(ctx, d); err != nil {
			t.Fatalf("Upsert(%s): %v", d.ID, err)
		}
	}
	if err := reg.SetStatus(ctx, printing.ID, models.DeviceStatusPrinting); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	n, err := reg.ResetConnections(ctx)
	if err != nil {
		t.Fatalf("ResetConnections: %v", err)
	}
	if n != 2 {
		t.Errorf("ResetConnections touched %d rows, want 2", n)
	}

	for _, id := range []string{printing.ID, connected.ID} {
		got, _ := reg.Get(ctx, id)
		if got.IsConnected || got.Status != models.DeviceStatusOffline {
			t.Errorf("%s: connected=%v status=%q, want false/offline", id, got.IsConnected, got.Status)
		}
	}
	got, _ := reg.Get(ctx, idle.ID)
	if got.Status != models.DeviceStatusIdle {
		t.Errorf("untouched device status = %q, want idle", got.Status)
	}
}

func TestRegistry_EvictStale(t *testing.T) {
	reg, clock := newRegistry(t)
	ctx := context.Background()

	old := testutil.NewDevice(testutil.WithEndpoint("10.0.0.1", 9100))
	def := testutil.NewDevice(testutil.WithEndpoint("10.0.0.2", 9100))
	for _, d := range []*models.Device{&old, &def} {
		if err := reg.Upsert(ctx, d); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if err := reg.SetDefault(ctx, def.ID); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}

	clock.Advance(48 * time.Hour)
	fresh := testutil.NewDevice(testutil.WithEndpoint("10.0.0.3", 9100))
	if err := reg.Upsert(ctx, &fresh); err != nil {
		t.Fatalf("Upsert fresh: %v", err)
	}

	n, err := reg.EvictStale(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("EvictStale: %v", err)
	}
	if n != 1 {
		t.Errorf("evicted %d, want 1", n)
	}
	if _, err := reg.Get(ctx, old.ID); !errors.Is(err, devices.ErrNotFound) {
		t.Errorf("stale device still present: %v", err)
	}
	if _, err := reg.Get(ctx, def.ID); err != nil {
		t.Errorf("default device evicted: %v", err)
	}
	if _, err := reg.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh device evicted: %v", err)
	}
}

func TestRegistry_ActivePersists(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()

	reg, err := devices.New(ctx, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := testutil.NewDevice()
	_ = reg.Upsert(ctx, &d)
	if err := reg.SetActive(ctx, d.ID); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	// A second registry over the same store sees the persisted value.
	reopened, err := devices.New(ctx, store)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	if got, _ := reopened.Active(ctx); got != d.ID {
		t.Errorf("Active = %q, want %q", got, d.ID)
	}
}
