// Package middleware provides the interceptor chain wrapped around method
// invocation on the executer side.
//
// Interceptors see the decoded call — method identity plus deserialized
// arguments — not frame bytes. An error returned from the chain is serialized
// into an Exception return frame exactly like an error from the method
// implementation itself.
package middleware

import "context"

// Call is the decoded inbound invocation handed through the chain.
type Call struct {
	MethodID uint32
	Method   string
	Args     []any
}

// HandlerFunc processes one call and produces its result value (nil for
// methods without a declared result) or an error.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Middleware wraps a handler with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, onion style:
// Chain(A, B, C)(h) executes A before B before C before h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
