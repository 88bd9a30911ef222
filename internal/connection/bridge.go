package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ordermaster/printbridge/internal/probe"
	"github.com/ordermaster/printbridge/internal/version"
	"github.com/ordermaster/printbridge/pkg/models"
)

// Capability is how this process can deliver bytes to a printer. It is
// resolved once at startup from configuration.
type Capability string

const (
	// CapabilityDirect dials printers over TCP from the daemon.
	CapabilityDirect Capability = "direct"
	// CapabilityBridge forwards bytes to a native bridge over HTTP.
	CapabilityBridge Capability = "bridge"
	// CapabilityNone cannot send at all; probing still works.
	CapabilityNone Capability = "none"
)

// ParseCapability validates a transport mode from configuration.
func ParseCapability(s string) (Capability, error) {
	switch c := Capability(s); c {
	case CapabilityDirect, CapabilityBridge, CapabilityNone:
		return c, nil
	case "":
		return CapabilityDirect, nil
	default:
		return "", fmt.Errorf("unknown transport mode %q", s)
	}
}

// Bridge delivers a complete print job to a device.
type Bridge interface {
	Send(ctx context.Context, d models.Device, data []byte) error
}

// BridgeConfig holds the settings NewBridge needs.
type BridgeConfig struct {
	BridgeURL   string
	SendTimeout time.Duration
}

// NewBridge returns the Bridge for capability. CapabilityNone yields a nil
// Bridge, which the Manager reports as UnsupportedEnvironmentError.
func NewBridge(capability Capability, cfg BridgeConfig) (Bridge, error) {
	switch capability {
	case CapabilityDirect:
		return &TCPBridge{Timeout: cfg.SendTimeout}, nil
	case CapabilityBridge:
		if cfg.BridgeURL == "" {
			return nil, fmt.Errorf("transport mode bridge requires a bridge URL")
		}
		return &HTTPBridge{URL: cfg.BridgeURL, Client: &http.Client{Timeout: cfg.SendTimeout}}, nil
	case CapabilityNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", capability)
	}
}

// TCPBridge writes the job to the printer's raw port in one connection.
type TCPBridge struct {
	Timeout time.Duration // Dial and write deadline. Default 5s.
	Dial    probe.DialFunc
}

// Send implements Bridge.
func (b *TCPBridge) Send(ctx context.Context, d models.Device, data []byte) error {
	if d.Transport != models.TransportNetwork {
		return &UnsupportedEnvironmentError{Capability: CapabilityDirect, Transport: d.Transport}
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dial := b.Dial
	if dial == nil {
		var nd net.Dialer
		dial = nd.DialContext
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dial(ctx, "tcp", net.JoinHostPort(d.Address, strconv.Itoa(d.Port)))
	if err != nil {
		return fmt.Errorf("dial printer: %w", err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	return nil
}

// HTTPBridge posts jobs to the native bridge endpoint of a host shell.
type HTTPBridge struct {
	URL    string
	Client *http.Client
}

// bridgeRequest is the JSON body accepted by the native bridge. Data is
// base64-encoded by encoding/json.
type bridgeRequest struct {
	Transport models.Transport `json:"transport"`
	Address   string           `json:"address"`
	Port      int              `json:"port,omitempty"`
	Data      []byte           `json:"data"`
}

// Send implements Bridge.
func (b *HTTPBridge) Send(ctx context.Context, d models.Device, data []byte) error {
	body, err := json.Marshal(bridgeRequest{
		Transport: d.Transport,
		Address:   d.Address,
		Port:      d.Port,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("encode bridge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotImplemented:
		return &UnsupportedEnvironmentError{Capability: CapabilityBridge, Transport: d.Transport}
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
