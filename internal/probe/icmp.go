package probe

import (
	"context"
	"fmt"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// ICMPChecker pings hosts using pro-bing. Discovery uses it to skip hosts
// that do not answer before spending port probes on them.
type ICMPChecker struct {
	timeout time.Duration
	count   int
}

// NewICMPChecker creates a checker that sends count echo requests and waits
// at most timeout for replies.
func NewICMPChecker(timeout time.Duration, count int) *ICMPChecker {
	if count <= 0 {
		count = 1
	}
	return &ICMPChecker{timeout: timeout, count: count}
}

// Alive reports whether address answered at least one echo request. An
// error means the check itself could not run (bad address, no permission).
func (c *ICMPChecker) Alive(ctx context.Context, address string) (bool, error) {
	pinger, err := probing.NewPinger(address)
	if err != nil {
		return false, fmt.Errorf("create pinger: %w", err)
	}

	pinger.Count = c.count
	pinger.Timeout = c.timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case runErr := <-done:
		if runErr != nil {
			return false, fmt.Errorf("ping %s: %w", address, runErr)
		}
		return pinger.Statistics().PacketsRecv > 0, nil
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return false, ctx.Err()
	}
}
