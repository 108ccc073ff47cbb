package middleware

import (
	"context"
	"time"
)

// Timeout returns middleware that enforces a per-request deadline. When
// the deadline is exceeded the context is cancelled and the handler
// should return context.DeadlineExceeded. A zero limit disables the
// middleware.
func Timeout(limit time.Duration) Middleware {
	return func(ctx context.Context, _ *Call, next Handler) error {
		if limit > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		return next(ctx)
	}
}
