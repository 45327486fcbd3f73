package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client address of a request. Forwarding
// headers are consulted only when trustProxy is set; otherwise a
// client could spoof its address with a forged X-Forwarded-For.
// trustedProxyCount is the number of proxies under our control at the
// right end of the X-Forwarded-For chain (0 is treated as 1).
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedFor picks the client entry out of an X-Forwarded-For chain.
// The chain reads "client, proxy1, proxy2, ..."; everything a trusted
// proxy appended sits at the right, so the client is the entry
// trustedProxyCount+1 positions from the end.
func forwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")

	proxies := trustedProxyCount
	if proxies == 0 {
		proxies = 1
	}
	idx := len(ips) - proxies - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
