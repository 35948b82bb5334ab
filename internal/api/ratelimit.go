package api

import (
	"net"
	"net/http"
	"strconv"
	"time"
)

// rateLimitMiddleware rejects clients that exhausted their allowance for
// the current window with 429 and the standard throttling headers.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientID(r)
		if s.deps.Limiter.Allow(client) {
			next.ServeHTTP(w, r)
			return
		}

		th := s.deps.Limiter.Throttle(s.now())
		h := w.Header()
		h.Set("Retry-After", strconv.Itoa(int(th.RetryAfter/time.Second)))
		h.Set("X-RateLimit-Limit", strconv.Itoa(th.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(th.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(th.Reset.Unix(), 10))

		rateLimitRejected.Inc()
		s.logger.Warn("rate limit exceeded", "client", client, "path", r.URL.Path)
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
	})
}

// clientID identifies the caller by remote host.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
