package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the caller's ip. Forwarding headers are honoured only
// when the direct peer is a trusted proxy; X-Forwarded-For is walked right
// to left until the first address outside the trusted networks.
func ClientIP(r *http.Request, trustedProxies []*net.IPNet) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	remoteIP := net.ParseIP(host)

	if remoteIP != nil && isTrustedProxy(remoteIP, trustedProxies) {
		if forwarded := forwardedClientIP(r.Header.Get("X-Forwarded-For"), trustedProxies); forwarded != nil {
			return forwarded.String()
		}
		if real := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); real != nil && !isTrustedProxy(real, trustedProxies) {
			return real.String()
		}
		return remoteIP.String()
	}
	if remoteIP != nil {
		return remoteIP.String()
	}
	return host
}

func forwardedClientIP(header string, trustedProxies []*net.IPNet) net.IP {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(parts[i])
		if candidate == "" {
			continue
		}
		ip := net.ParseIP(candidate)
		if ip == nil {
			continue
		}
		if !isTrustedProxy(ip, trustedProxies) {
			return ip
		}
	}
	return nil
}

func isTrustedProxy(ip net.IP, trusted []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, network := range trusted {
		if network != nil && network.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseTrustedProxyCIDRs parses the configured trusted proxy networks. Bare
// addresses are widened to single-host networks.
func ParseTrustedProxyCIDRs(entries []string) ([]*net.IPNet, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	proxies := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		token := strings.TrimSpace(entry)
		if token == "" {
			continue
		}
		if strings.Contains(token, "/") {
			_, network, err := net.ParseCIDR(token)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", token, err)
			}
			proxies = append(proxies, network)
			continue
		}
		ip := net.ParseIP(token)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", token)
		}
		if ipv4 := ip.To4(); ipv4 != nil {
			proxies = append(proxies, &net.IPNet{IP: ipv4, Mask: net.CIDRMask(32, 32)})
			continue
		}
		proxies = append(proxies, &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)})
	}
	if len(proxies) == 0 {
		return nil, nil
	}
	return proxies, nil
}
