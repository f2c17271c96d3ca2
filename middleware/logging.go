package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Logging logs each invocation with its method name, duration, and outcome.
func Logging(log zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			start := time.Now()
			result, err := next(ctx, call)
			ev := log.Debug()
			if err != nil {
				ev = log.Warn().Err(err)
			}
			ev.Str("method", call.Method).
				Uint32("method_id", call.MethodID).
				Dur("duration", time.Since(start)).
				Msg("invoke")
			return result, err
		}
	}
}
