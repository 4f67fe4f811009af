package ping

import (
	"net"
	"net/http"
	"strings"
)

// DefaultClientIPHeader is set by the edge proxy to the connecting address.
const DefaultClientIPHeader = "CF-Connecting-IP"

// ClientIP returns the client address of r: the trusted header when it holds
// an IP, then the first valid X-Forwarded-For entry, then the RemoteAddr
// host. If nothing parses, RemoteAddr is returned unchanged.
func ClientIP(r *http.Request, header string) string {
	if header != "" {
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get(header))); ip != nil {
			return ip.String()
		}
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for p := range strings.SplitSeq(xff, ",") {
			if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
				return ip.String()
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String()
		}
	}
	return r.RemoteAddr
}
