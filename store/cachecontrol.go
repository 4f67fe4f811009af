package store

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SharedTTL returns how long a shared cache may keep a response with header h.
// s-maxage takes precedence over max-age; no-store, no-cache and private
// forbid shared caching. The boolean is false when the response must not be stored.
func SharedTTL(h http.Header) (time.Duration, bool) {
	var (
		maxAge  = -1
		sMaxAge = -1
	)

	for _, line := range h.Values("Cache-Control") {
		for _, directive := range strings.Split(line, ",") {
			name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "no-store", "no-cache", "private":
				return 0, false
			case "max-age":
				if n, ok := parseSeconds(value); ok {
					maxAge = n
				}
			case "s-maxage":
				if n, ok := parseSeconds(value); ok {
					sMaxAge = n
				}
			}
		}
	}

	seconds := maxAge
	if sMaxAge >= 0 {
		seconds = sMaxAge
	}
	if seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

func parseSeconds(v string) (int, bool) {
	n, err := strconv.Atoi(strings.Trim(strings.TrimSpace(v), `"`))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
