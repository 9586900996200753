package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolHandlerFunc is a function that handles a tool call
type ToolHandlerFunc func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// Tool pairs a tool definition with its handler
type Tool struct {
	Definition mcp.Tool
	Handler    ToolHandlerFunc
}

// ToolHandlerRegistry maps tool names to their definitions and handlers
type ToolHandlerRegistry struct {
	tools map[string]Tool
}

// NewToolHandlerRegistry creates a registry holding initial
func NewToolHandlerRegistry(initial ...Tool) *ToolHandlerRegistry {
	r := &ToolHandlerRegistry{
		tools: make(map[string]Tool),
	}
	for _, t := range initial {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool
func (r *ToolHandlerRegistry) Register(tool Tool) {
	r.tools[tool.Definition.Name] = tool
}

// GetHandler returns the handler function for a given tool name
func (r *ToolHandlerRegistry) GetHandler(toolName string) (ToolHandlerFunc, error) {
	t, ok := r.tools[toolName]
	if !ok {
		return nil, fmt.Errorf("no handler registered for tool: %s", toolName)
	}
	return t.Handler, nil
}

// Names returns the registered tool names in order
func (r *ToolHandlerRegistry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered tool ordered by name
func (r *ToolHandlerRegistry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, name := range r.Names() {
		out = append(out, r.tools[name])
	}
	return out
}
