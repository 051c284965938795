package defense

import (
	"net"
	"strings"
)

// UnknownIP is the shared bucket for requests whose client address cannot be
// determined. Every such request shares one set of counters.
const UnknownIP = "unknown"

// NetList matches addresses against a set of IPs and CIDR ranges.
// It is immutable after construction and safe for concurrent use.
type NetList struct {
	nets []*net.IPNet
}

// NewNetList parses entries as CIDRs or single addresses. Invalid entries are
// skipped; config validation reports them before an engine is built.
func NewNetList(entries []string) *NetList {
	l := &NetList{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			if _, ipNet, err := net.ParseCIDR(entry); err == nil {
				l.nets = append(l.nets, ipNet)
			}
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		l.nets = append(l.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return l
}

// Empty reports whether the list has no entries.
func (l *NetList) Empty() bool {
	return l == nil || len(l.nets) == 0
}

// Contains reports whether addr (with or without a port) is in the list.
func (l *NetList) Contains(addr string) bool {
	if l.Empty() {
		return false
	}
	ip := parseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range l.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseIP accepts "1.2.3.4", "1.2.3.4:80", "[::1]:80" and "::1".
func parseIP(addr string) net.IP {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(strings.Trim(addr, "[]"))
}

// NormalizeIP returns the canonical form of addr without port, or UnknownIP.
func NormalizeIP(addr string) string {
	ip := parseIP(addr)
	if ip == nil {
		return UnknownIP
	}
	return ip.String()
}
