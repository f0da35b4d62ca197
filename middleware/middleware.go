// Package middleware provides the server-side dispatch chain. A middleware
// wraps the handler in onion order: Chain(A, B)(h) runs A before B before h.
package middleware

import (
	"context"

	"rocket-rpc/message"
)

// Handler processes one decoded request envelope and returns the response
// envelope. The connection layer owns framing, compression, and checksums;
// handlers see only envelopes.
type Handler func(ctx context.Context, req *message.Envelope) *message.Envelope

type Middleware func(next Handler) Handler

// Chain combines middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
