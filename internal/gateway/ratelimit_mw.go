package gateway

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/AlexKimmel/ShardLimit/internal/routing"
	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

const anonKey = "anon"

// Limiter consumes from a named limit. Both the local coordinator and the
// remote client satisfy it.
type Limiter interface {
	Limit(ctx context.Context, name string, args limit.Args) (limit.Decision, error)
}

// RateLimit consumes the matched route's limit for every request. Requests
// without a route, or on a route without a limit, pass through.
func RateLimit(
	lim Limiter,
	skipPaths map[string]struct{},
	onLimited func(routeID string),
	onError func(routeID string),
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			rt, ok := routing.RouteFrom(r)
			if !ok || rt == nil || rt.Limit == "" {
				next.ServeHTTP(w, r)
				return
			}

			key := ""
			if rt.KeyHeader != "" {
				key = r.Header.Get(rt.KeyHeader)
				if key == "" {
					key = anonKey
				}
			}
			count := rt.Count
			if count <= 0 {
				count = 1
			}

			dec, err := lim.Limit(r.Context(), rt.Limit, limit.Args{Key: key, Count: &count})
			if err != nil {
				if onError != nil {
					onError(rt.ID)
				}
				writeJSON(w, http.StatusInternalServerError, limit.ErrorBody{Code: "rate_limiter_error", Message: "internal rate limiter error"})
				return
			}

			if !dec.OK {
				if onLimited != nil {
					onLimited(rt.ID)
				}
				SetRetryHeaders(w.Header(), dec.RetryAfter)
				writeJSON(w, http.StatusTooManyRequests, limit.ErrorBody{
					Code:       limit.CodeRateLimited,
					Message:    "Too many requests",
					Name:       rt.Limit,
					RetryAfter: dec.RetryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetRetryHeaders sets Retry-After in whole seconds, rounded up, and the
// exact delay in X-RateLimit-Retry-After-Ms.
func SetRetryHeaders(h http.Header, retryAfterMS float64) {
	secs := int64(math.Ceil(retryAfterMS / 1000))
	h.Set("Retry-After", strconv.FormatInt(secs, 10))
	h.Set("X-RateLimit-Retry-After-Ms", strconv.FormatInt(int64(math.Ceil(retryAfterMS)), 10))
}

func writeJSON(w http.ResponseWriter, code int, body limit.ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(limit.ErrorResponse{Error: body})
}
