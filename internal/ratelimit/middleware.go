package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc names the caller a request is charged to. An empty key exempts
// the request.
type KeyFunc func(r *http.Request) string

// Middleware charges each keyed request against limiter. Denied requests
// get a Retry-After header and are handed to reject. Limiter errors fail
// open.
func Middleware(limiter Limiter, retryAfter time.Duration, key KeyFunc, reject http.HandlerFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	seconds := strconv.Itoa(int(math.Max(1, math.Ceil(retryAfter.Seconds()))))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := limiter.Allow(r.Context(), k)
			if err != nil {
				logger.Warn("ratelimit: limiter failed, allowing request", "key", k, "error", err)
				ok = true
			}
			if !ok {
				w.Header().Set("Retry-After", seconds)
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the host part of RemoteAddr. Forwarding headers are
// ignored since hearth listens on loopback only.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
