package gateway

import (
	"net/http"

	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

// BodyLimit rejects bodies over maxBytes: up front when Content-Length
// announces it, otherwise when the handler reads past the limit.
func BodyLimit(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes <= 0 || r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxBytes {
				writeJSON(w, http.StatusRequestEntityTooLarge, limit.ErrorBody{
					Code:    "body_too_large",
					Message: "request body too large",
				})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
