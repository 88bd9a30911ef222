//go:build windows

package discovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/pkg/models"
)

// MDNSBrowser is a no-op stub on Windows where multicast DNS is not
// reliably supported.
type MDNSBrowser struct{}

// NewMDNSBrowser returns a no-op browser on Windows.
func NewMDNSBrowser(_ *zap.Logger, _ time.Duration) *MDNSBrowser {
	return &MDNSBrowser{}
}

// Browse reports no devices on Windows.
func (b *MDNSBrowser) Browse(_ context.Context, _ Observer) ([]models.Device, error) {
	return []models.Device{}, nil
}
