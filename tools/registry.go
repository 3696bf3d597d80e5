// Package tools provides tool executors for the fallback chain: an
// in-process registry and a client for a remote MCP tool server.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidesapp/tidelink/tidelink"
)

// ToolRegistry manages in-process tools and executes them by name.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]tidelink.Tool
}

// NewToolRegistry creates a new tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]tidelink.Tool),
	}
}

// Register adds a tool to the registry.
func (r *ToolRegistry) Register(tool tidelink.Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	if tool.Name() == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("tool '%s' is already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *ToolRegistry) Get(name string) (tidelink.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// List returns all registered tool names in sorted order.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolInfo names a tool and says what it does.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolLister is implemented by executors that can enumerate their tools.
type ToolLister interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
}

// ListTools returns the registered tools sorted by name.
func (r *ToolRegistry) ListTools(ctx context.Context) ([]ToolInfo, error) {
	names := r.List()
	infos := make([]ToolInfo, 0, len(names))
	for _, name := range names {
		if tool, ok := r.Get(name); ok {
			infos = append(infos, ToolInfo{Name: name, Description: tool.Description()})
		}
	}
	return infos, nil
}

// Describe formats tools as a human-readable list.
func Describe(tools []ToolInfo) string {
	if len(tools) == 0 {
		return "No tools available."
	}

	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, tool := range tools {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", tool.Name, tool.Description))
	}
	return sb.String()
}

// ExecuteTool runs the named tool. An unknown tool yields a failed result
// rather than an error so callers can fall through to the next stage.
func (r *ToolRegistry) ExecuteTool(ctx context.Context, name string, params map[string]interface{}) (*tidelink.ToolResult, error) {
	tool, ok := r.Get(name)
	if !ok {
		return tidelink.NewToolError(fmt.Sprintf("tool '%s' not found", name)), nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := tool.Execute(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("tool '%s' failed: %w", name, err)
	}
	if result == nil {
		return tidelink.NewToolError(fmt.Sprintf("tool '%s' returned no result", name)), nil
	}
	return result.WithMetadata("tool", name), nil
}

// FuncTool adapts a function into a tidelink.Tool.
type FuncTool struct {
	name        string
	description string
	fn          func(ctx context.Context, params map[string]interface{}) (*tidelink.ToolResult, error)
}

// NewFuncTool creates a tool backed by fn.
func NewFuncTool(name, description string, fn func(ctx context.Context, params map[string]interface{}) (*tidelink.ToolResult, error)) *FuncTool {
	return &FuncTool{name: name, description: description, fn: fn}
}

// Name returns the tool name.
func (t *FuncTool) Name() string { return t.name }

// Description returns the tool description.
func (t *FuncTool) Description() string { return t.description }

// Execute calls the wrapped function.
func (t *FuncTool) Execute(ctx context.Context, params map[string]interface{}) (*tidelink.ToolResult, error) {
	return t.fn(ctx, params)
}
