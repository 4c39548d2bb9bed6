package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/eniz1806/VaultGallery/internal/ratelimit"
	"github.com/eniz1806/VaultGallery/internal/token"
)

// RateLimit rejects requests over the per-IP budget, and for requests
// carrying a bearer token over the per-token budget, with 429 and a
// Retry-After header. onReject may be nil.
func RateLimit(l *ratelimit.Limiter, onReject func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if raw, err := token.FromAuthorizationHeader(r.Header.Get("Authorization")); err == nil {
				key = token.Fingerprint(raw)
			}
			ok, wait := l.Reserve(clientIP(r), key)
			if !ok {
				if onReject != nil {
					onReject()
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"kind":"Throttled","message":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds wait up to whole seconds, never below 1.
func retryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
