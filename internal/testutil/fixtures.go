package testutil

import (
	"time"

	"github.com/ordermaster/printbridge/pkg/models"
)

// NewDevice returns a network printer on 192.168.1.100:9100 with sensible
// defaults. Options run after the ID is derived, so WithEndpoint recomputes it.
func NewDevice(opts ...func(*models.Device)) models.Device {
	d := models.NewNetworkDevice("192.168.1.100", models.PortRaw, "Test Printer")
	d.Status = models.DeviceStatusIdle
	d.DiscoveryMethod = models.DiscoveryScan
	d.FirstSeen = time.Now().UTC()
	d.LastSeen = d.FirstSeen
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithName sets the display name.
func WithName(name string) func(*models.Device) {
	return func(d *models.Device) { d.Name = name }
}

// WithEndpoint sets address and port and re-derives the network ID.
func WithEndpoint(address string, port int) func(*models.Device) {
	return func(d *models.Device) {
		d.Address = address
		d.Port = port
		d.Protocol = models.ProtocolForPort(port)
		d.ID = models.NetworkDeviceID(address, port)
	}
}

// WithBluetooth turns the fixture into a paired bluetooth printer.
func WithBluetooth(handle string) func(*models.Device) {
	return func(d *models.Device) {
		d.Transport = models.TransportBluetooth
		d.Address = handle
		d.Port = 0
		d.Protocol = ""
		d.DiscoveryMethod = models.DiscoveryBluetooth
		d.ID = models.BluetoothDeviceID(handle)
	}
}

// WithStatus sets the device status.
func WithStatus(s models.DeviceStatus) func(*models.Device) {
	return func(d *models.Device) { d.Status = s }
}

// WithConnected sets the connection flag.
func WithConnected(connected bool) func(*models.Device) {
	return func(d *models.Device) { d.IsConnected = connected }
}

// WithLastSeen sets the device's last_seen timestamp.
func WithLastSeen(t time.Time) func(*models.Device) {
	return func(d *models.Device) { d.LastSeen = t }
}
