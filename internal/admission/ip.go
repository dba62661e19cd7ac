package admission

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// IPExtractor resolves the client IP for a request. Proxy headers are
// honored only when the direct peer falls inside a trusted CIDR range;
// otherwise RemoteAddr wins, so untrusted clients cannot spoof their way
// past per-IP limits with a forged X-Forwarded-For.
type IPExtractor struct {
	trusted []*net.IPNet
	depth   int
}

// NewIPExtractor parses the trusted proxy CIDRs. depth selects which
// X-Forwarded-For entry to use: 0 takes the leftmost, a positive N takes
// the Nth entry from the right (the standard choice when N proxies append
// to the chain).
func NewIPExtractor(trustedCIDRs []string, depth int) (*IPExtractor, error) {
	e := &IPExtractor{depth: depth}
	for _, cidr := range trustedCIDRs {
		_, ipnet, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
		}
		e.trusted = append(e.trusted, ipnet)
	}
	return e, nil
}

// ClientIP returns the client IP for the request.
func (e *IPExtractor) ClientIP(r *http.Request) string {
	peer := remoteIP(r.RemoteAddr)

	if !e.isTrusted(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := e.pickForwarded(xff); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	return peer
}

func (e *IPExtractor) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range e.trusted {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// pickForwarded selects an entry from the X-Forwarded-For chain. Invalid
// entries return "" so the caller falls through to the next source.
func (e *IPExtractor) pickForwarded(xff string) string {
	parts := strings.Split(xff, ",")
	idx := 0
	if e.depth > 0 {
		idx = len(parts) - e.depth
		if idx < 0 {
			idx = 0
		}
	}
	ip := strings.TrimSpace(parts[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

// remoteIP strips the port from a RemoteAddr, tolerating bare addresses.
func remoteIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}
