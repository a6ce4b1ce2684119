// Package kit holds the transport-agnostic plumbing shared by domguard
// surfaces: the Endpoint abstraction, middleware chaining, request-scoped
// context keys, and MCP tool registration.
//
// An operation is written once as an Endpoint and exposed over HTTP and MCP
// without either transport leaking into the service layer.
package kit

import "context"

// Endpoint is a single request/response operation.
type Endpoint func(ctx context.Context, request any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one listed is outermost:
// Chain(a, b, c)(e) runs a(b(c(e))).
func Chain(outer Middleware, others ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(others) - 1; i >= 0; i-- {
			next = others[i](next)
		}
		return outer(next)
	}
}
