package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			start := time.Now()
			result, err := next(ctx, inv)
			fields := []zap.Field{
				zap.String("method", inv.Name),
				zap.String("id", inv.ID),
				zap.Int("args", inv.Args.Len()),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("method failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("method served", fields...)
			}
			return result, err
		}
	}
}
