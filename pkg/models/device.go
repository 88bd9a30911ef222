package models

import (
	"fmt"
	"time"
)

// Transport identifies how the daemon reaches a printer.
type Transport string

const (
	TransportNetwork   Transport = "network"
	TransportBluetooth Transport = "bluetooth"
)

// DeviceStatus represents what the printer is doing right now.
type DeviceStatus string

const (
	DeviceStatusIdle     DeviceStatus = "idle"
	DeviceStatusPrinting DeviceStatus = "printing"
	DeviceStatusError    DeviceStatus = "error"
	DeviceStatusOffline  DeviceStatus = "offline"
)

// ConnectionState is the connection manager's view of a device.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
)

// DiscoveryMethod indicates how a device entered the registry.
type DiscoveryMethod string

const (
	DiscoveryScan      DiscoveryMethod = "scan"
	DiscoverymDNS      DiscoveryMethod = "mdns"
	DiscoveryManual    DiscoveryMethod = "manual"
	DiscoveryBluetooth DiscoveryMethod = "bluetooth"
	DiscoveryRestored  DiscoveryMethod = "restored"
)

// Well-known printer ports.
const (
	PortRaw  = 9100
	PortIPP  = 631
	PortHTTP = 80
)

// Device represents one printer endpoint tracked by the registry.
type Device struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Transport       Transport       `json:"transport"`
	Address         string          `json:"address"`
	Port            int             `json:"port,omitempty"`
	Status          DeviceStatus    `json:"status"`
	IsConnected     bool            `json:"is_connected"`
	Protocol        string          `json:"protocol,omitempty"`
	Manufacturer    string          `json:"manufacturer,omitempty"`
	Model           string          `json:"model,omitempty"`
	Capabilities    []string        `json:"capabilities,omitempty"`
	DiscoveryMethod DiscoveryMethod `json:"discovery_method"`
	FirstSeen       time.Time       `json:"first_seen"`
	LastSeen        time.Time       `json:"last_seen"`
	LastConnectedAt *time.Time      `json:"last_connected_at,omitempty"`
}

// NetworkDeviceID returns the stable identifier for a network printer.
func NetworkDeviceID(address string, port int) string {
	return fmt.Sprintf("network-%s-%d", address, port)
}

// BluetoothDeviceID returns the stable identifier for a paired bluetooth printer.
func BluetoothDeviceID(handle string) string {
	return "bluetooth-" + handle
}

// ProtocolForPort names the print protocol conventionally served on port.
func ProtocolForPort(port int) string {
	switch port {
	case PortRaw:
		return "raw"
	case PortIPP:
		return "ipp"
	case PortHTTP:
		return "http"
	default:
		return ""
	}
}

// NewNetworkDevice returns a network Device with its ID derived from the address.
func NewNetworkDevice(address string, port int, name string) Device {
	if name == "" {
		name = fmt.Sprintf("Printer %s:%d", address, port)
	}
	return Device{
		ID:        NetworkDeviceID(address, port),
		Name:      name,
		Transport: TransportNetwork,
		Address:   address,
		Port:      port,
		Status:    DeviceStatusOffline,
		Protocol:  ProtocolForPort(port),
	}
}

// Endpoint returns host:port for network devices and the handle otherwise.
func (d Device) Endpoint() string {
	if d.Transport == TransportNetwork {
		return fmt.Sprintf("%s:%d", d.Address, d.Port)
	}
	return d.Address
}
