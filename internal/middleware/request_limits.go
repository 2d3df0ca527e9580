package middleware

import (
	"context"
	"net/http"
	"time"
)

// MaxBodyBytes bounds request bodies; JSON bodies on this API are small.
const MaxBodyBytes = 64 << 10

// Limits caps the request body at MaxBodyBytes and gives the request
// context a deadline, so a stalled client or database cannot hold a
// transaction open past timeout.
func Limits(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
			}
			if timeout <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
