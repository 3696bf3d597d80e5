package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tidesapp/tidelink/tidelink"
)

// MockTool is a test tool that returns predefined results.
type MockTool struct {
	name        string
	description string
	result      *tidelink.ToolResult
	err         error
	callCount   int
	lastParams  map[string]interface{}
}

func (m *MockTool) Name() string {
	return m.name
}

func (m *MockTool) Description() string {
	return m.description
}

func (m *MockTool) Execute(ctx context.Context, params map[string]interface{}) (*tidelink.ToolResult, error) {
	m.callCount++
	m.lastParams = params
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func TestToolRegistryRegister(t *testing.T) {
	registry := NewToolRegistry()

	tool := &MockTool{name: "tide_create", description: "Create a tide"}
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(tool); err == nil {
		t.Error("Expected error registering duplicate tool")
	}
	if err := registry.Register(nil); err == nil {
		t.Error("Expected error registering nil tool")
	}
	if err := registry.Register(&MockTool{}); err == nil {
		t.Error("Expected error registering tool without name")
	}

	got, ok := registry.Get("tide_create")
	if !ok || got != tool {
		t.Fatal("Expected to retrieve registered tool")
	}
}

func TestToolRegistryListTools(t *testing.T) {
	ctx := context.Background()
	registry := NewToolRegistry()
	infos, err := registry.ListTools(ctx)
	if err != nil || len(infos) != 0 {
		t.Fatalf("Expected no tools, got %v (%v)", infos, err)
	}
	if desc := Describe(infos); desc != "No tools available." {
		t.Errorf("Unexpected empty description: %q", desc)
	}

	_ = registry.Register(&MockTool{name: "tide_list", description: "List tides"})
	_ = registry.Register(&MockTool{name: "tide_create", description: "Create a tide"})

	names := registry.List()
	if len(names) != 2 || names[0] != "tide_create" || names[1] != "tide_list" {
		t.Errorf("Expected sorted names, got %v", names)
	}

	infos, err = registry.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(infos) != 2 || infos[0] != (ToolInfo{Name: "tide_create", Description: "Create a tide"}) {
		t.Errorf("Unexpected tools: %+v", infos)
	}

	desc := Describe(infos)
	if !strings.Contains(desc, "- tide_create: Create a tide") || !strings.Contains(desc, "- tide_list: List tides") {
		t.Errorf("Description missing tool: %q", desc)
	}
}

func TestToolRegistryExecuteTool(t *testing.T) {
	registry := NewToolRegistry()
	tool := &MockTool{name: "tide_create", result: tidelink.NewToolResult(map[string]interface{}{"name": "Focus Time"})}
	_ = registry.Register(tool)

	result, err := registry.ExecuteTool(context.Background(), "tide_create", map[string]interface{}{"name": "Focus Time"})
	if err != nil {
		t.Fatalf("ExecuteTool failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("Expected success, got %+v", result)
	}
	if result.Metadata["tool"] != "tide_create" {
		t.Errorf("Expected tool metadata, got %v", result.Metadata)
	}
	if tool.lastParams["name"] != "Focus Time" {
		t.Errorf("Expected params to be passed through, got %v", tool.lastParams)
	}
}

func TestToolRegistryExecuteUnknownTool(t *testing.T) {
	registry := NewToolRegistry()

	result, err := registry.ExecuteTool(context.Background(), "missing", nil)
	if err != nil {
		t.Fatalf("Expected failed result, not error: %v", err)
	}
	if result.Success || !strings.Contains(result.Error, "not found") {
		t.Errorf("Expected not found result, got %+v", result)
	}
}

func TestToolRegistryExecuteToolError(t *testing.T) {
	registry := NewToolRegistry()
	boom := errors.New("boom")
	_ = registry.Register(&MockTool{name: "tide_flow", err: boom})

	_, err := registry.ExecuteTool(context.Background(), "tide_flow", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Expected wrapped error, got %v", err)
	}
}

func TestFuncTool(t *testing.T) {
	tool := NewFuncTool("echo", "Echo params", func(ctx context.Context, params map[string]interface{}) (*tidelink.ToolResult, error) {
		return tidelink.NewToolResult(params["text"]), nil
	})
	registry := NewToolRegistry()
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	result, err := registry.ExecuteTool(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	if err != nil {
		t.Fatalf("ExecuteTool failed: %v", err)
	}
	if result.Data != "hi" {
		t.Errorf("Expected hi, got %v", result.Data)
	}
}
