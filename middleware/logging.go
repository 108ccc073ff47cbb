package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs request start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, c *Call, next Handler) error {
		logger.Debug("request started",
			slog.String("method", c.Method),
			slog.String("frame_id", c.FrameID),
			slog.String("remote", c.Remote),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("request failed",
				slog.String("method", c.Method),
				slog.String("frame_id", c.FrameID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Debug("request completed",
				slog.String("method", c.Method),
				slog.String("frame_id", c.FrameID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
