// Package middleware implements the onion-model decorator chain, adapted
// from a request/response RPC wrapper into a decorator over a whole RoC's
// cooperative lifetime — the teacher wraps a single (ctx, *RPCMessage) call;
// a RoC handler instead owns a Fiber for the life of one request, so a
// middleware here wraps the handler's run, not a single message exchange.
package middleware

import (
	"github.com/neoframe/neomux/roc"
)

// Middleware takes a roc.HandlerFunc and returns a new one that wraps it,
// exactly as the teacher's Middleware wraps a message handler.
type Middleware func(next roc.HandlerFunc) roc.HandlerFunc

// Chain composes middlewares so the first one in the list is outermost:
// Chain(A, B, C)(handler) runs A, then B, then C, then handler.
func Chain(middlewares ...Middleware) Middleware {
	return func(next roc.HandlerFunc) roc.HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Wrap applies chain to every handler a reqmap constructor produces,
// suitable for passing straight to reqmap.Map.Register.
func Wrap(chain Middleware, newHandler func(initialArgs []byte) roc.HandlerFunc) func(initialArgs []byte) roc.HandlerFunc {
	return func(initialArgs []byte) roc.HandlerFunc {
		return chain(newHandler(initialArgs))
	}
}
