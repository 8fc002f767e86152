package control

import (
	"context"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolHandlerFunc handles one MCP tool call
type ToolHandlerFunc func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// ToolHandlerRegistry maps tool names to handlers
type ToolHandlerRegistry struct {
	handlers map[string]ToolHandlerFunc
}

// NewToolHandlerRegistry creates a registry seeded with initial
func NewToolHandlerRegistry(initial map[string]ToolHandlerFunc) *ToolHandlerRegistry {
	r := &ToolHandlerRegistry{handlers: make(map[string]ToolHandlerFunc, len(initial))}
	for k, v := range initial {
		r.handlers[k] = v
	}
	return r
}

// Register adds or replaces a handler
func (r *ToolHandlerRegistry) Register(name string, handler ToolHandlerFunc) {
	r.handlers[name] = handler
}

// GetHandler returns the handler for a tool name
func (r *ToolHandlerRegistry) GetHandler(name string) (ToolHandlerFunc, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("no handler registered for tool: %s", name)
	}
	return h, nil
}

// Names lists registered tools in order
func (r *ToolHandlerRegistry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
