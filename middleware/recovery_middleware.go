package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rocket-rpc/message"
	"rocket-rpc/rpcerr"
)

// Recovery converts handler panics into AppUnexpected error responses, so an
// uncaught fault fails one call instead of the whole connection.
func Recovery(log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *message.Envelope) (resp *message.Envelope) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panicked",
						zap.String("method", req.Method),
						zap.Any("panic", r),
						zap.Stack("stack"))
					resp = &message.Envelope{
						Method:  req.Method,
						ErrKind: rpcerr.AppUnexpected,
						Error:   fmt.Sprintf("handler panic: %v", r),
					}
				}
			}()
			return next(ctx, req)
		}
	}
}
