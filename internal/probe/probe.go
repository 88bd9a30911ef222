// Package probe answers one question for the rest of the daemon: does a
// printer answer at address:port within a bounded time?
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ordermaster/printbridge/internal/receipt"
	"github.com/ordermaster/printbridge/pkg/models"
)

// ErrTimeout is wrapped by UnreachableError when the probe deadline elapsed.
var ErrTimeout = errors.New("probe timed out")

// UnreachableError reports that nothing accepted a connection at the
// endpoint. A timeout is reported the same way.
type UnreachableError struct {
	Address string
	Port    int
	Err     error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("printer %s unreachable: %v", net.JoinHostPort(e.Address, strconv.Itoa(e.Port)), e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// Result is the outcome of a single probe.
type Result struct {
	Reachable bool          // A TCP connection was accepted.
	Responded bool          // The device answered the liveness exchange.
	Latency   time.Duration // Time to connect.
	Err       error         // *UnreachableError when not reachable.
}

// Prober checks a single endpoint. Implementations must be safe for
// concurrent use and must return within timeout.
type Prober interface {
	Probe(ctx context.Context, address string, port int, timeout time.Duration) Result
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DefaultExchangeWait caps how long a reachable device is given to answer
// the liveness exchange.
const DefaultExchangeWait = 250 * time.Millisecond

var httpHead = []byte("HEAD / HTTP/1.0\r\n\r\n")

// TCPProber probes by opening a TCP connection. Raw ports get an ESC/POS
// real-time status request, HTTP and IPP ports a HEAD request.
type TCPProber struct {
	Dial         DialFunc      // Defaults to a zero net.Dialer.
	ExchangeWait time.Duration // Defaults to DefaultExchangeWait.
}

// Compile-time interface guard.
var _ Prober = (*TCPProber)(nil)

// Probe implements Prober.
func (p *TCPProber) Probe(ctx context.Context, address string, port int, timeout time.Duration) Result {
	dial := p.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := dial(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return Result{Err: &UnreachableError{Address: address, Port: port, Err: classify(ctx, err, timeout)}}
	}
	defer conn.Close()

	res := Result{Reachable: true, Latency: time.Since(start)}
	res.Responded = p.exchange(ctx, conn, port)
	return res
}

func (p *TCPProber) exchange(ctx context.Context, conn net.Conn, port int) bool {
	var req []byte
	switch models.ProtocolForPort(port) {
	case "raw":
		req = receipt.StatusRequest
	case "http", "ipp":
		req = httpHead
	default:
		return false
	}

	wait := p.ExchangeWait
	if wait <= 0 {
		wait = DefaultExchangeWait
	}
	deadline := time.Now().Add(wait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false
	}

	if _, err := conn.Write(req); err != nil {
		return false
	}
	buf := make([]byte, 16)
	n, _ := conn.Read(buf)
	return n > 0
}

func classify(ctx context.Context, err error, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return err
}
