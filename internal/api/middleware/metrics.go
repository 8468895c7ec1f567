package middleware

import (
	"net/http"
	"sync/atomic"
)

// CountRequests feeds the /metrics counters. Only 5xx responses count as
// errors: validation and transition rejections are tenant-side outcomes, not
// service failures.
func CountRequests(requests, errors *atomic.Int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)

			sr := record(w)
			next.ServeHTTP(sr, r)

			if sr.status >= http.StatusInternalServerError {
				errors.Add(1)
			}
		})
	}
}
