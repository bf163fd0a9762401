package api

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimit returns a middleware enforcing a global token-bucket limit on
// the API. Requests beyond the burst are rejected immediately rather than
// queued, so a flood can never stack up behind the engine's serialization.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
