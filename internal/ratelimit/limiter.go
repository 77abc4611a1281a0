// Package ratelimit bounds the rate of outbound call placement (C10).
// Unlike a per-client HTTP rate limiter, this gates one thing only:
// how fast this process may ask the telephony provider to place new
// calls, independent of how many control-plane clients are asking.
package ratelimit

import (
	"net/http"

	"golang.org/x/time/rate"
)

// Limiter wraps a single token bucket shared by every caller of the
// outbound-call endpoint.
type Limiter struct {
	limiter *rate.Limiter
}

// New builds a Limiter allowing callsPerMinute steady-state, with up to
// burst requests in total absorbed immediately.
func New(callsPerMinute, burst int) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(callsPerMinute)/60.0, burst),
	}
}

// Allow reports whether a new outbound-call request may proceed now.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Middleware rejects requests exceeding the limit with 429 before they
// reach the handler that would place the call. A rejection here is a
// control-plane outcome, not a provider failure, so it is never
// counted toward errors_total.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limited"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
