package connection

import (
	"errors"
	"fmt"

	"github.com/ordermaster/printbridge/pkg/models"
)

// Sentinel errors.
var (
	ErrConnectInFlight = errors.New("connect already in progress")
	ErrNotConnected    = errors.New("printer not connected")
	ErrConnectAborted  = errors.New("connect aborted by disconnect")

	errNoResponse = errors.New("no response")
)

// ConcurrencyError rejects a connect while another one for the same device
// is still running. It matches ErrConnectInFlight with errors.Is.
type ConcurrencyError struct {
	DeviceID string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.DeviceID, ErrConnectInFlight)
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConnectInFlight }

// UnsupportedEnvironmentError reports that the running environment has no
// way to deliver bytes to the device.
type UnsupportedEnvironmentError struct {
	Capability Capability
	Transport  models.Transport
}

func (e *UnsupportedEnvironmentError) Error() string {
	return fmt.Sprintf("sending to %s printers is not supported with transport mode %q", e.Transport, e.Capability)
}

// SendError is a transport failure while delivering a job. The manager has
// already dropped the connection and reported it when this is returned.
type SendError struct {
	DeviceID string
	Err      error
}

func (e *SendError) Error() string { return fmt.Sprintf("send to %s: %v", e.DeviceID, e.Err) }

func (e *SendError) Unwrap() error { return e.Err }
