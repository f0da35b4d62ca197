package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rocket-rpc/message"
)

// Logging logs each dispatched request with its duration and outcome.
func Logging(log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				fields = append(fields,
					zap.Stringer("errKind", resp.ErrKind),
					zap.String("error", resp.Error))
				log.Warn("request failed", fields...)
			} else {
				log.Debug("request served", fields...)
			}
			return resp
		}
	}
}
