// Package security implements the SEC detector family: auth-log anomalies,
// listening-port changes and file integrity drift.
package security

import (
	"net"

	"github.com/rcourtman/argus/internal/event"
)

// cgnat is not covered by net.IP.IsPrivate but is still not internet-facing.
var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// ipIsLAN reports whether a source address belongs to the local network:
// loopback, RFC1918/ULA private, link-local or CGNAT. Unparseable strings
// are treated as remote.
func ipIsLAN(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || cgnat.Contains(ip)
}

// downgradeForLAN lowers severity one step for findings whose source is on
// the local network. Hostile traffic from the LAN is usually a neighbor's
// misconfiguration rather than an attack.
func downgradeForLAN(sev event.Severity, isLAN bool) event.Severity {
	if !isLAN {
		return sev
	}
	switch sev {
	case event.SeverityCritical:
		return event.SeverityWarning
	default:
		return event.SeverityInfo
	}
}
