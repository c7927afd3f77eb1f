// Package kit provides the transport-agnostic endpoint abstraction shared by
// the MCP and HTTP surfaces: a request/response function type, composable
// middleware, and the MCP tool bridge.
package kit

import "context"

// Endpoint is a single request/response interaction.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first argument is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
