package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the client IP for rate limiting and audit logs.
//
// With trustProxy disabled the connection's RemoteAddr is used as-is. With it
// enabled, X-Forwarded-For is consulted first and X-Real-IP second; both are
// attacker-controlled unless a trusted reverse proxy overwrites them, which is
// why trustProxy must only be enabled behind one. trustedProxyCount says how
// many proxies stand between this server and the client, counted from the
// right of the X-Forwarded-For list.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedClientIP(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := validIPOrEmpty(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return remoteAddrIP(r.RemoteAddr)
}

// forwardedClientIP picks the client entry out of an X-Forwarded-For list.
// The header reads "client, proxy1, proxy2, ..." with our own proxies
// rightmost, so the client sits trustedProxyCount+1 positions from the end.
// Entries further left were appended by hosts we do not control and cannot be
// believed.
func forwardedClientIP(header string, trustedProxyCount int) string {
	if header == "" {
		return ""
	}

	hops := strings.Split(header, ",")

	proxies := trustedProxyCount
	if proxies == 0 {
		proxies = 1
	}
	idx := len(hops) - proxies - 1
	if idx < 0 {
		idx = 0
	}

	return validIPOrEmpty(strings.TrimSpace(hops[idx]))
}

// validIPOrEmpty returns s when it parses as an IP address, else "".
func validIPOrEmpty(s string) string {
	if s != "" && net.ParseIP(s) != nil {
		return s
	}
	return ""
}

// remoteAddrIP strips the port from a host:port RemoteAddr.
func remoteAddrIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
