//go:build !windows

package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/pkg/models"
)

// PrinterServices lists the mDNS service types printers announce.
var PrinterServices = []string{
	"_pdl-datastream._tcp",
	"_ipp._tcp",
	"_printer._tcp",
}

// MDNSBrowser discovers printers from mDNS/Bonjour announcements.
type MDNSBrowser struct {
	logger   *zap.Logger
	timeout  time.Duration
	services []string
	query    func(ctx context.Context, params *mdns.QueryParam) error
}

// NewMDNSBrowser creates a browser that waits timeout per service type.
func NewMDNSBrowser(logger *zap.Logger, timeout time.Duration) *MDNSBrowser {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MDNSBrowser{
		logger:   logger,
		timeout:  timeout,
		services: PrinterServices,
		query:    mdns.QueryContext,
	}
}

// Browse queries each printer service type in turn and reports every new
// address once. It returns early with what it has when ctx ends.
func (b *MDNSBrowser) Browse(ctx context.Context, obs Observer) ([]models.Device, error) {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	seen := make(map[string]struct{})
	found := []models.Device{}

	for i, svc := range b.services {
		if ctx.Err() != nil {
			break
		}
		for _, d := range b.queryService(ctx, svc) {
			if _, ok := seen[d.Address]; ok {
				continue
			}
			seen[d.Address] = struct{}{}
			found = append(found, d)
			obs.DeviceFound(d)
		}
		obs.ScanProgress(models.ScanProgress{
			Method:  models.ScanMethodMDNS,
			Current: i + 1,
			Total:   len(b.services),
			Details: svc,
		})
	}

	b.logger.Debug("mDNS browse complete", zap.Int("devices_found", len(found)))
	return found, nil
}

func (b *MDNSBrowser) queryService(ctx context.Context, service string) []models.Device {
	entries := make(chan *mdns.ServiceEntry, 16)

	var devices []models.Device
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if d, ok := deviceFromEntry(entry); ok {
				devices = append(devices, d)
			}
		}
	}()

	params := mdns.DefaultParams(service)
	params.Timeout = b.timeout
	params.Entries = entries
	params.DisableIPv6 = true

	if err := b.query(ctx, params); err != nil {
		b.logger.Debug("mDNS query failed",
			zap.String("service", service),
			zap.Error(err),
		)
	}
	close(entries)
	wg.Wait()
	return devices
}

// deviceFromEntry converts a service entry into a network printer.
func deviceFromEntry(entry *mdns.ServiceEntry) (models.Device, bool) {
	if entry == nil || entry.Port == 0 {
		return models.Device{}, false
	}
	ip := extractIP(entry)
	if ip == "" {
		return models.Device{}, false
	}

	d := models.NewNetworkDevice(ip, entry.Port, instanceName(entry))
	d.Status = models.DeviceStatusIdle
	d.DiscoveryMethod = models.DiscoverymDNS

	txt := txtFields(entry.InfoFields)
	d.Manufacturer = txt["usb_mfg"]
	d.Model = txt["usb_mdl"]
	if d.Model == "" {
		d.Model = txt["ty"]
	}
	if pdl := txt["pdl"]; pdl != "" {
		d.Capabilities = strings.Split(pdl, ",")
	}
	return d, true
}

// extractIP returns the best IP address from an mDNS service entry.
func extractIP(entry *mdns.ServiceEntry) string {
	if entry.AddrV4 != nil && !entry.AddrV4.IsUnspecified() {
		return entry.AddrV4.String()
	}
	// Fallback to deprecated Addr field for older mDNS implementations.
	if entry.Addr != nil && !entry.Addr.IsUnspecified() && entry.Addr.To4() != nil {
		return entry.Addr.String()
	}
	return ""
}

// instanceName strips the service suffix: "Kitchen._ipp._tcp.local." -> "Kitchen".
func instanceName(entry *mdns.ServiceEntry) string {
	name := entry.Name
	if i := strings.Index(name, "._"); i > 0 {
		name = name[:i]
	}
	name = strings.ReplaceAll(name, `\ `, " ")
	if name == "" {
		name = strings.TrimSuffix(entry.Host, ".")
	}
	return name
}

// txtFields parses "key=value" TXT records into a lower-cased key map.
func txtFields(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}
