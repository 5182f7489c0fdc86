package middleware

import (
	"context"

	"postling/message"
)

// Invocation describes one inbound call of a locally exposed method.
type Invocation struct {
	ID   string // correlation id of the request
	Name string
	Args message.Args
}

type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one: Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
