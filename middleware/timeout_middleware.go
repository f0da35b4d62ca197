package middleware

import (
	"context"
	"time"

	"rocket-rpc/message"
	"rocket-rpc/rpcerr"
)

// Timeout bounds handler execution. A handler that overruns keeps running in
// its goroutine, but the response it eventually produces is dropped and the
// client gets a Timeout failure instead.
func Timeout(timeout time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Envelope{
					Method:  req.Method,
					ErrKind: rpcerr.Timeout,
					Error:   "handler exceeded " + timeout.String(),
				}
			}
		}
	}
}
