package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimit rejects invocations beyond the token-bucket rate. The rejection
// travels back to the caller as an Exception return frame.
func RateLimit(perSecond float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			if !limiter.Allow() {
				return nil, fmt.Errorf("rate limit exceeded for %s", call.Method)
			}
			return next(ctx, call)
		}
	}
}
