// Package ginlimit guards gin routes with a named rate limit.
package ginlimit

import (
	"context"
	"fmt"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

// Limiter is satisfied by the server coordinator and by *client.Client.
type Limiter interface {
	Limit(ctx context.Context, name string, args limit.Args) (limit.Decision, error)
}

// RateLimiter consumes count units of limit name per request, keyed by
// keyFunc. A nil keyFunc limits all requests as one global instance.
func RateLimiter(lim Limiter, name string, count float64, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var key string
		if keyFunc != nil {
			key = keyFunc(ctx)
		}
		n := count
		dec, err := lim.Limit(ctx.Request.Context(), name, limit.Args{Key: key, Count: &n})
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "rate limiter error"})
			return
		}

		if !dec.OK {
			ctx.Header("Retry-After", fmt.Sprint(int64(math.Ceil(dec.RetryAfter/1000))))
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, limit.ErrorResponse{Error: limit.ErrorBody{
				Code:       limit.CodeRateLimited,
				Message:    "too many requests, try again later",
				Name:       name,
				RetryAfter: dec.RetryAfter,
			}})
			return
		}

		ctx.Next()
	}
}

// ClientIP keys requests by the client address as gin resolves it.
func ClientIP(ctx *gin.Context) string {
	return ctx.ClientIP()
}
