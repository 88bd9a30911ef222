package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/pkg/models"
)

// ErrBluetoothUnavailable is returned when no bluetooth lister is configured
// or the host reports the adapter as missing.
var ErrBluetoothUnavailable = errors.New("bluetooth unavailable")

// BluetoothDevice is one paired device reported by the host.
type BluetoothDevice struct {
	Handle string // Host-specific address, usually the MAC.
	Name   string
	Class  string // Optional device class label, e.g. "printer".
}

// BluetoothLister lists devices already paired with the host. Pairing and
// the bluetooth transport itself belong to the host platform.
type BluetoothLister interface {
	PairedDevices(ctx context.Context) ([]BluetoothDevice, error)
}

// ScanBluetooth reports paired devices through obs with the same shape as
// ScanNetwork. Only cfg.Deadline is used.
func (s *Scanner) ScanBluetooth(ctx context.Context, cfg ScanConfig, obs Observer) ([]models.Device, error) {
	if s.bluetooth == nil {
		return nil, ErrBluetoothUnavailable
	}
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = ObserverFuncs{}
	}

	ctx, done, err := s.begin(ctx, cfg.Deadline)
	if err != nil {
		return nil, err
	}
	defer done()

	paired, err := s.bluetooth.PairedDevices(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return []models.Device{}, nil
		}
		return nil, fmt.Errorf("list paired devices: %w", err)
	}

	found := []models.Device{}
	now := time.Now().UTC()
	for i, bd := range paired {
		if ctx.Err() != nil {
			break
		}
		if bd.Handle == "" {
			continue
		}
		name := bd.Name
		if name == "" {
			name = "Bluetooth " + bd.Handle
		}
		d := models.Device{
			ID:              models.BluetoothDeviceID(bd.Handle),
			Name:            name,
			Transport:       models.TransportBluetooth,
			Address:         bd.Handle,
			Status:          models.DeviceStatusOffline,
			DiscoveryMethod: models.DiscoveryBluetooth,
			FirstSeen:       now,
			LastSeen:        now,
		}
		if bd.Class != "" {
			d.Capabilities = []string{bd.Class}
		}
		found = append(found, d)
		obs.DeviceFound(d)
		obs.ScanProgress(models.ScanProgress{
			Method:  models.ScanMethodBluetooth,
			Current: i + 1,
			Total:   len(paired),
			Details: name,
		})
	}

	s.logger.Info("bluetooth scan finished", zap.Int("found", len(found)))
	return found, nil
}
