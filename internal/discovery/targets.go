package discovery

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// MaxTargets bounds how many addresses a single scan may enumerate.
const MaxTargets = 4096

// ErrNoLocalNetwork is returned when no target was given and no usable
// IPv4 interface exists to derive one from.
var ErrNoLocalNetwork = errors.New("no local IPv4 network found")

// ExpandTargets turns target specs into a de-duplicated address list, in
// input order. Accepted forms: CIDR ("192.168.1.0/24"), last-octet range
// ("192.168.1.10-20"), full range ("192.168.1.10-192.168.1.20"), a single
// IP, or a hostname.
func ExpandTargets(targets []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(a string) error {
		if _, ok := seen[a]; ok {
			return nil
		}
		if len(out) >= MaxTargets {
			return fmt.Errorf("scan target exceeds %d addresses", MaxTargets)
		}
		seen[a] = struct{}{}
		out = append(out, a)
		return nil
	}

	for _, raw := range targets {
		t := strings.TrimSpace(raw)
		if t == "" {
			continue
		}
		addrs, err := expandTarget(t)
		if err != nil {
			return nil, fmt.Errorf("parse target %q: %w", t, err)
		}
		for _, a := range addrs {
			if err := add(a); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func expandTarget(t string) ([]string, error) {
	switch {
	case strings.Contains(t, "/"):
		prefix, err := netip.ParsePrefix(t)
		if err != nil {
			return nil, err
		}
		return expandPrefix(prefix.Masked())
	case isRange(t):
		return expandRange(t)
	}

	if ip, err := netip.ParseAddr(t); err == nil {
		return []string{ip.String()}, nil
	}
	if !validHostname(t) {
		return nil, fmt.Errorf("not an address or hostname")
	}
	return []string{t}, nil
}

func expandPrefix(p netip.Prefix) ([]string, error) {
	if !p.Addr().Is4() {
		return nil, fmt.Errorf("only IPv4 prefixes are supported")
	}
	hostBits := 32 - p.Bits()
	if hostBits > 12 {
		return nil, fmt.Errorf("prefix /%d too large, at most /20", p.Bits())
	}

	var out []string
	for a := p.Addr(); p.Contains(a); a = a.Next() {
		out = append(out, a.String())
	}
	// Drop network and broadcast addresses except for /31 and /32.
	if hostBits >= 2 {
		out = out[1 : len(out)-1]
	}
	return out, nil
}

func isRange(t string) bool {
	from, _, ok := strings.Cut(t, "-")
	if !ok {
		return false
	}
	_, err := netip.ParseAddr(strings.TrimSpace(from))
	return err == nil
}

func expandRange(t string) ([]string, error) {
	from, to, _ := strings.Cut(t, "-")
	start, err := netip.ParseAddr(strings.TrimSpace(from))
	if err != nil || !start.Is4() {
		return nil, fmt.Errorf("bad range start")
	}

	to = strings.TrimSpace(to)
	var end netip.Addr
	if n, err := strconv.Atoi(to); err == nil {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("bad range end %d", n)
		}
		b := start.As4()
		b[3] = byte(n)
		end = netip.AddrFrom4(b)
	} else if end, err = netip.ParseAddr(to); err != nil || !end.Is4() {
		return nil, fmt.Errorf("bad range end")
	}
	if end.Less(start) {
		return nil, fmt.Errorf("range end before start")
	}

	var out []string
	for a := start; ; a = a.Next() {
		out = append(out, a.String())
		if len(out) > MaxTargets {
			return nil, fmt.Errorf("range exceeds %d addresses", MaxTargets)
		}
		if a == end {
			break
		}
	}
	return out, nil
}

func validHostname(h string) bool {
	if len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(h, "."), ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return false
			}
		}
	}
	return true
}

// LocalSubnet returns the /24 of the first non-loopback IPv4 interface
// address, e.g. "192.168.1.0/24".
func LocalSubnet() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("list interface addresses: %w", err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return fmt.Sprintf("%d.%d.%d.0/24", ip4[0], ip4[1], ip4[2]), nil
		}
	}
	return "", ErrNoLocalNetwork
}
