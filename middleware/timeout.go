package middleware

import (
	"context"
	"fmt"
	"time"
)

// Timeout bounds how long one invocation may run. The implementation keeps
// running in its goroutine after expiry (Go cannot kill it), but the caller
// gets its Exception frame immediately.
func Timeout(limit time.Duration) Middleware {
	type outcome struct {
		result any
		err    error
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, limit)
			defer cancel()

			done := make(chan outcome, 1) // buffered so a late finisher never blocks
			go func() {
				result, err := next(ctx, call)
				done <- outcome{result, err}
			}()

			select {
			case out := <-done:
				return out.result, out.err
			case <-ctx.Done():
				return nil, fmt.Errorf("invocation of %s timed out after %s", call.Method, limit)
			}
		}
	}
}
