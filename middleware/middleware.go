// Package middleware provides composable middleware for wire request
// handling. Middleware wraps method dispatch synchronously and can
// modify execution (recover from panics, log, trace, enforce deadlines).
//
// A [Middleware] receives the current context, the call being served,
// and the next handler. Middleware are composed with [Chain] and are
// applied right-to-left: the first middleware in the list is the
// outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting (e.g. rate limiting).
package middleware

import "context"

// Call describes one inbound request as seen by the middleware chain.
type Call struct {
	// Method is the wire method name, e.g. "task.claim".
	Method string
	// FrameID is the request frame identifier, for correlation in logs.
	FrameID string
	// Remote is the address of the calling connection.
	Remote string
}

// Handler is the terminal function that executes the method logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
type Middleware func(ctx context.Context, c *Call, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, c *Call, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, c, prev)
			}
		}
		return h(ctx)
	}
}
