// Package tools defines the common interface every tool family (bash,
// fileops, search) implements to register itself on the server.
package tools

import (
	"github.com/tb0hdan/remote-exec-mcp/pkg/server"
)

// Tool registers one or more MCP tools onto srv.
type Tool interface {
	Register(srv *server.Server)
}
