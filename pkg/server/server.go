// Package server wraps the MCP SDK's *mcp.Server with the one piece of
// lifecycle behavior this repo needs beyond it: a registry of shutdown hooks
// so that controller termination can signal every live background session
// before the process exits.
package server

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server is the MCP server plus a set of functions to run on shutdown.
type Server struct {
	mcp.Server

	shutdownHooks []func(context.Context)
}

// NewServer constructs a Server advertising impl.
func NewServer(impl *mcp.Implementation) *Server {
	return &Server{
		Server: *mcp.NewServer(impl, nil),
	}
}

// OnShutdown registers a hook to run when Shutdown is called. Hooks run one
// after another, in registration order, on a single goroutine; Shutdown does
// not wait for them beyond the context deadline the caller supplies.
func (s *Server) OnShutdown(hook func(context.Context)) {
	s.shutdownHooks = append(s.shutdownHooks, hook)
}

// Shutdown runs every registered hook and returns once they have all either
// finished or the context expired.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		for _, hook := range s.shutdownHooks {
			hook(ctx)
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
