// Package addrutil derives the address a node should advertise when
// it registers with the directory.
package addrutil

import (
	"net"
	"strconv"
	"strings"
)

// Advertised picks the registration endpoint for a node.
//
// The STUN-derived publicAddr carries the NAT-mapped host but an
// ephemeral port that other nodes cannot rely on, so the host comes
// from publicAddr when available and the port is always the node's
// configured listen port.
func Advertised(publicAddr, fallbackHost string, port int) (string, int) {
	host := HostFromAddr(publicAddr)
	if host == "" {
		host = fallbackHost
	}
	return host, port
}

// HostFromAddr extracts the host from "host:port", a bare host, or an
// unbracketed IPv6 address with or without a trailing port.
func HostFromAddr(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// Handle unbracketed IPv6 "host:port" by peeling off the last ":port".
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			host := a[:last]
			port := a[last+1:]
			if _, err := strconv.Atoi(port); err == nil {
				return host
			}
		}
	}

	// If there's no port at all, accept raw IPs/hosts.
	if strings.Contains(a, ":") {
		// Likely raw IPv6 without port.
		return strings.Trim(a, "[]")
	}
	return a
}
