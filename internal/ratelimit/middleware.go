package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/keithlinneman/lookupguard/internal/httpmw"
	"github.com/keithlinneman/lookupguard/internal/log"
)

// Middleware rejects requests over the per-ip limit with 429.
// Keys on the client IP resolved by httpmw.ClientIP, which must run first.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())

		d, err := l.Allow(ip)
		if err != nil {
			// missing client ip is a wiring bug, fail closed rather than let traffic through unlimited
			log.FromContext(r.Context()).Error(r.Context(), err, "rate limit key unavailable, is client ip middleware installed?")
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(RetryAfterSeconds(d), 10))
			// intentionally not including remaining budget or the configured limit
			writeJSONError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RetryAfterSeconds rounds the retry hint up to whole seconds for the
// Retry-After header, never less than 1.
func RetryAfterSeconds(d Decision) int64 {
	return max((d.RetryAfterMs+999)/1000, 1)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
