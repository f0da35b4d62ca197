package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"rocket-rpc/message"
	"rocket-rpc/rpcerr"
)

// RateLimit admits at most r requests per second with the given burst,
// token-bucket style. Over-limit requests fail fast with AdmissionRejected;
// they are never queued behind the bucket.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Handler) Handler {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			if !limiter.Allow() {
				return &message.Envelope{
					Method:  req.Method,
					ErrKind: rpcerr.AdmissionRejected,
					Error:   "rate limit exceeded",
				}
			}
			return next(ctx, req)
		}
	}
}
