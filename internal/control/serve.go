package control

import (
	"github.com/mark3labs/mcp-go/server"
)

// Transport entry points below block until the transport stops and are
// exercised from the binaries rather than unit tests.

// Serve runs the MCP server over stdio
func (ms *MCPServer) Serve() error {
	ms.logger.Info("Starting MCP server with stdio transport")
	return server.ServeStdio(ms.server)
}

// NewHTTPServer builds the HTTP/SSE transport on addr, rooted at /mcp
func (ms *MCPServer) NewHTTPServer(addr string) *server.SSEServer {
	return server.NewSSEServer(ms.server,
		server.WithBaseURL("http://"+addr),
		server.WithStaticBasePath("/mcp"),
	)
}

// ServeHTTP runs the MCP server over HTTP/SSE on addr
func (ms *MCPServer) ServeHTTP(addr string) error {
	ms.logger.Info("Starting MCP server with HTTP/SSE transport", "address", addr, "base_path", "/mcp")
	return ms.NewHTTPServer(addr).Start(addr)
}
