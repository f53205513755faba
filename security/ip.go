package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP address from the request.
// X-Forwarded-For and X-Real-IP are only honored when trustProxy is
// set; otherwise a client could spoof the identifier the rate limiter
// and audit log key on. trustedProxyCount is the number of proxies we
// control counted from the right of X-Forwarded-For (0 means 1).
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if xri := r.Header.Get("X-Real-IP"); net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipFromForwardedFor picks the client IP out of an X-Forwarded-For
// list of the form "client, proxy1, proxy2". The rightmost entries are
// the proxies we control, so the client sits trustedProxyCount+1 from
// the end.
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}

	idx := len(ips) - proxyCount - 1
	if idx < 0 {
		idx = 0
	}

	candidate := strings.TrimSpace(ips[idx])
	if net.ParseIP(candidate) != nil {
		return candidate
	}
	return ""
}
