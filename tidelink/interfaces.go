// Package tidelink provides the core types shared by the reliability layer:
// endpoints, request priorities, tool results and the tool execution contract.
package tidelink

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EndpointType classifies a configured remote target.
type EndpointType string

const (
	// EndpointPrimary is the preferred agent endpoint.
	EndpointPrimary EndpointType = "primary"
	// EndpointFallback is a backup agent endpoint.
	EndpointFallback EndpointType = "fallback"
	// EndpointWebSocket is a streaming endpoint reached over ws:// or wss://.
	EndpointWebSocket EndpointType = "websocket"
)

// Endpoint is a configured remote agent target.
type Endpoint struct {
	ID   string       `json:"id" koanf:"id"`
	URL  string       `json:"url" koanf:"url"`
	Type EndpointType `json:"type" koanf:"type"`

	// Priority orders endpoints for the weighted strategy. Lower is preferred.
	Priority int `json:"priority" koanf:"priority"`

	// Timeout bounds every request sent to this endpoint.
	// Default: 30s
	Timeout time.Duration `json:"timeout" koanf:"timeout"`

	// MaxConcurrentRequests caps in-flight requests. Zero means unlimited.
	MaxConcurrentRequests int `json:"max_concurrent_requests" koanf:"max_concurrent_requests"`

	Enabled bool `json:"enabled" koanf:"enabled"`
}

// Validate checks the endpoint has the fields needed to reach it.
func (e *Endpoint) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("endpoint id cannot be empty")
	}
	if e.URL == "" {
		return fmt.Errorf("endpoint %q: url cannot be empty", e.ID)
	}
	switch e.Type {
	case EndpointPrimary, EndpointFallback, EndpointWebSocket:
	case "":
		e.Type = EndpointPrimary
	default:
		return fmt.Errorf("endpoint %q: unknown type %q", e.ID, e.Type)
	}
	if e.MaxConcurrentRequests < 0 {
		return fmt.Errorf("endpoint %q: max concurrent requests cannot be negative", e.ID)
	}
	return nil
}

// Priority is the urgency of a request. Higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name. Unknown names become normal.
func (p *Priority) UnmarshalText(text []byte) error {
	*p = ParsePriority(string(text))
	return nil
}

// ParsePriority maps a free-form priority name onto a Priority, defaulting to normal.
func ParsePriority(value string) Priority {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical", "urgent":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Command is a structured tool invocation inferred from a user message.
type Command struct {
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
}

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	Success  bool                   `json:"success"`
	Data     interface{}            `json:"data,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata"`
}

// NewToolResult creates a successful tool result.
func NewToolResult(data interface{}) *ToolResult {
	return &ToolResult{
		Success:  true,
		Data:     data,
		Metadata: make(map[string]interface{}),
	}
}

// NewToolError creates a failed tool result.
func NewToolError(errMsg string) *ToolResult {
	return &ToolResult{
		Success:  false,
		Error:    errMsg,
		Metadata: make(map[string]interface{}),
	}
}

// WithMetadata adds metadata to the result and returns it for chaining.
func (r *ToolResult) WithMetadata(key string, value interface{}) *ToolResult {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
	return r
}

// ToolExecutor runs named tools on behalf of the fallback chain.
type ToolExecutor interface {
	// ExecuteTool runs the named tool with the given parameters.
	ExecuteTool(ctx context.Context, name string, params map[string]interface{}) (*ToolResult, error)
}

// Tool is a single capability that can be registered with an in-process executor.
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what this tool does.
	Description() string

	// Execute runs the tool with the given parameters and returns a result.
	Execute(ctx context.Context, params map[string]interface{}) (*ToolResult, error)
}
