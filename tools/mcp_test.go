package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type createInput struct {
	Name string `json:"name"`
}

type createOutput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func startTideServer(t *testing.T) mcp.Transport {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{Name: "tides", Version: "0.1.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "tide_create",
		Description: "Create a tide",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args createInput) (*mcp.CallToolResult, createOutput, error) {
		if args.Name == "fail" {
			return nil, createOutput{}, errors.New("tide name rejected")
		}
		return nil, createOutput{ID: "t-1", Name: args.Name}, nil
	})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	session, err := server.Connect(context.Background(), serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect failed: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return clientTransport
}

func TestMCPExecutorExecuteTool(t *testing.T) {
	executor, err := NewMCPExecutor(MCPConfig{Transport: startTideServer(t)}, nil)
	if err != nil {
		t.Fatalf("NewMCPExecutor failed: %v", err)
	}
	defer executor.Close()

	result, err := executor.ExecuteTool(context.Background(), "tide_create", map[string]interface{}{"name": "Focus Time"})
	if err != nil {
		t.Fatalf("ExecuteTool failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("Expected success, got %+v", result)
	}
	data, ok := result.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected structured data, got %T", result.Data)
	}
	if data["name"] != "Focus Time" {
		t.Errorf("Expected name Focus Time, got %v", data["name"])
	}
	if result.Metadata["tool"] != "tide_create" {
		t.Errorf("Expected tool metadata, got %v", result.Metadata)
	}
}

func TestMCPExecutorListTools(t *testing.T) {
	executor, err := NewMCPExecutor(MCPConfig{Transport: startTideServer(t)}, nil)
	if err != nil {
		t.Fatalf("NewMCPExecutor failed: %v", err)
	}
	defer executor.Close()

	var lister ToolLister = executor
	infos, err := lister.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("Expected 1 tool, got %+v", infos)
	}
	if infos[0].Name != "tide_create" || infos[0].Description != "Create a tide" {
		t.Errorf("Unexpected tool: %+v", infos[0])
	}
}

func TestMCPExecutorToolError(t *testing.T) {
	executor, err := NewMCPExecutor(MCPConfig{Transport: startTideServer(t)}, nil)
	if err != nil {
		t.Fatalf("NewMCPExecutor failed: %v", err)
	}
	defer executor.Close()

	result, err := executor.ExecuteTool(context.Background(), "tide_create", map[string]interface{}{"name": "fail"})
	if err != nil {
		t.Fatalf("Expected a failed result, not an error: %v", err)
	}
	if result.Success {
		t.Fatal("Expected failed result")
	}
	if result.Error == "" {
		t.Error("Expected error text")
	}
}

// flakyTransport refuses the first connection attempt.
type flakyTransport struct {
	next     mcp.Transport
	attempts atomic.Int32
}

func (f *flakyTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	if f.attempts.Add(1) == 1 {
		return nil, errors.New("dial tcp: connection refused")
	}
	return f.next.Connect(ctx)
}

func TestMCPExecutorRetriesConnect(t *testing.T) {
	flaky := &flakyTransport{next: startTideServer(t)}
	executor, err := NewMCPExecutor(MCPConfig{Transport: flaky}, nil)
	if err != nil {
		t.Fatalf("NewMCPExecutor failed: %v", err)
	}
	defer executor.Close()
	executor.retry.InitialDelay = 10 * time.Millisecond
	executor.retry.JitterEnabled = false

	result, err := executor.ExecuteTool(context.Background(), "tide_create", map[string]interface{}{"name": "Deep Work"})
	if err != nil {
		t.Fatalf("ExecuteTool failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("Expected success, got %+v", result)
	}
	if got := flaky.attempts.Load(); got != 2 {
		t.Errorf("Expected 2 connect attempts, got %d", got)
	}
}

func TestMCPConfigValidate(t *testing.T) {
	if _, err := NewMCPExecutor(MCPConfig{}, nil); err == nil {
		t.Error("Expected error without url")
	}
}

func TestBearerTransport(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer server.Close()

	client := &http.Client{Transport: &bearerTransport{token: "secret", base: http.DefaultTransport}}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if got != "Bearer secret" {
		t.Errorf("Expected bearer header, got %q", got)
	}
}
