package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/ordermaster/printbridge/pkg/models"
)

const (
	oidSysDescr      = "1.3.6.1.2.1.1.1.0"
	oidHrDeviceDescr = "1.3.6.1.2.1.25.3.2.1.3.1"
)

// SNMPEnricher fills in manufacturer and model for network printers that
// expose SNMP. Results are informational; callers ignore failures.
type SNMPEnricher struct {
	Community string
	Port      uint16
	Timeout   time.Duration
}

// NewSNMPEnricher returns an enricher using SNMP v2c on port 161.
func NewSNMPEnricher(community string, timeout time.Duration) *SNMPEnricher {
	return &SNMPEnricher{Community: community, Port: 161, Timeout: timeout}
}

// Enrich queries the device's description OIDs and updates d in place.
func (e *SNMPEnricher) Enrich(ctx context.Context, d *models.Device) error {
	if d.Transport != models.TransportNetwork {
		return nil
	}

	g := &gosnmp.GoSNMP{
		Target:    d.Address,
		Port:      e.Port,
		Community: e.Community,
		Version:   gosnmp.Version2c,
		Timeout:   e.Timeout,
		Retries:   0,
		Context:   ctx,
	}
	if err := g.Connect(); err != nil {
		return fmt.Errorf("snmp connect %s: %w", d.Address, err)
	}
	defer g.Conn.Close()

	pkt, err := g.Get([]string{oidHrDeviceDescr, oidSysDescr})
	if err != nil {
		return fmt.Errorf("snmp get %s: %w", d.Address, err)
	}

	var hrDescr, sysDescr string
	for _, v := range pkt.Variables {
		s := pduString(v)
		switch strings.TrimPrefix(v.Name, ".") {
		case oidHrDeviceDescr:
			hrDescr = s
		case oidSysDescr:
			sysDescr = s
		}
	}

	descr := hrDescr
	if descr == "" {
		descr = sysDescr
	}
	if descr == "" {
		return nil
	}
	manufacturer, model := SplitDescription(descr)
	if d.Manufacturer == "" {
		d.Manufacturer = manufacturer
	}
	if d.Model == "" {
		d.Model = model
	}
	return nil
}

func pduString(v gosnmp.SnmpPDU) string {
	if v.Type != gosnmp.OctetString {
		return ""
	}
	b, ok := v.Value.([]byte)
	if !ok {
		return ""
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(b), ""))
}

// SplitDescription splits an SNMP device description such as
// "EPSON TM-T20III" into manufacturer and model. Descriptions with a
// semicolon-separated tail keep only the first segment.
func SplitDescription(descr string) (manufacturer, model string) {
	descr = strings.TrimSpace(descr)
	if i := strings.IndexAny(descr, ";\r\n"); i >= 0 {
		descr = strings.TrimSpace(descr[:i])
	}
	fields := strings.Fields(descr)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}
