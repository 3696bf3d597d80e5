package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tidesapp/tidelink/middleware"
	"github.com/tidesapp/tidelink/tidelink"
)

// MCPConfig configures the remote MCP tool server.
type MCPConfig struct {
	// URL is the streamable HTTP endpoint of the MCP server.
	URL string `koanf:"url"`

	// APIKey is sent as a Bearer token when set.
	APIKey string `koanf:"api_key"`

	// Timeout bounds a single tool call.
	// Default: 30s
	Timeout time.Duration `koanf:"timeout"`

	// ConnectAttempts is how often opening a session is tried per call.
	// Default: 3
	ConnectAttempts int `koanf:"connect_attempts"`

	// Transport overrides the HTTP transport built from URL.
	Transport mcp.Transport `koanf:"-"`
}

func (c *MCPConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
}

// Validate checks the configuration.
func (c *MCPConfig) Validate() error {
	if c.URL == "" && c.Transport == nil {
		return fmt.Errorf("mcp url cannot be empty")
	}
	return nil
}

// MCPExecutor executes tools on a remote MCP server. The session is opened
// on first use and reopened after a transport failure.
type MCPExecutor struct {
	config MCPConfig
	client *mcp.Client
	retry  middleware.RetryPolicy
	logger *slog.Logger

	mu      sync.Mutex
	session *mcp.ClientSession
}

// NewMCPExecutor creates an executor for the configured server.
func NewMCPExecutor(config MCPConfig, logger *slog.Logger) (*MCPExecutor, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "tidelink", Version: "1.0.0"}, nil)
	return &MCPExecutor{
		config: config,
		client: client,
		retry:  middleware.DefaultRetryPolicy(),
		logger: logger.With("component", "mcp_executor"),
	}, nil
}

func (e *MCPExecutor) transport() mcp.Transport {
	if e.config.Transport != nil {
		return e.config.Transport
	}
	httpClient := &http.Client{}
	if e.config.APIKey != "" {
		httpClient.Transport = &bearerTransport{token: e.config.APIKey, base: http.DefaultTransport}
	}
	return &mcp.StreamableClientTransport{
		Endpoint:   e.config.URL,
		HTTPClient: httpClient,
	}
}

func (e *MCPExecutor) connect(ctx context.Context) (*mcp.ClientSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return e.session, nil
	}
	var session *mcp.ClientSession
	err := middleware.Retry(ctx, e.retry, e.config.ConnectAttempts, func(ctx context.Context) error {
		var err error
		session, err = e.client.Connect(ctx, e.transport(), nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mcp server: %w", err)
	}
	e.session = session
	e.logger.Debug("connected to mcp server", "url", e.config.URL)
	return session, nil
}

func (e *MCPExecutor) reset(session *mcp.ClientSession) {
	e.mu.Lock()
	if e.session == session {
		e.session = nil
	}
	e.mu.Unlock()
	_ = session.Close()
}

// ExecuteTool calls the named tool. A tool-level error becomes a failed
// result; transport failures are returned as errors.
func (e *MCPExecutor) ExecuteTool(ctx context.Context, name string, params map[string]interface{}) (*tidelink.ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	session, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: params})
	if err != nil {
		e.logger.Warn("mcp tool call failed", "tool", name, "error", err)
		e.reset(session)
		return nil, fmt.Errorf("mcp tool '%s' failed: %w", name, err)
	}

	result := convertResult(res)
	return result.WithMetadata("tool", name).WithMetadata("duration", time.Since(start)), nil
}

// ListTools asks the server for every tool it offers.
func (e *MCPExecutor) ListTools(ctx context.Context) ([]ToolInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	session, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}

	var infos []ToolInfo
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			e.logger.Warn("mcp tool listing failed", "error", err)
			e.reset(session)
			return nil, fmt.Errorf("failed to list mcp tools: %w", err)
		}
		for _, tool := range res.Tools {
			infos = append(infos, ToolInfo{Name: tool.Name, Description: tool.Description})
		}
		if res.NextCursor == "" {
			return infos, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// Close ends the current session, if any.
func (e *MCPExecutor) Close() error {
	e.mu.Lock()
	session := e.session
	e.session = nil
	e.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

func convertResult(res *mcp.CallToolResult) *tidelink.ToolResult {
	var texts []string
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	text := strings.Join(texts, "\n")

	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return tidelink.NewToolError(text)
	}
	if res.StructuredContent != nil {
		return tidelink.NewToolResult(res.StructuredContent)
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return tidelink.NewToolResult(decoded)
	}
	return tidelink.NewToolResult(text)
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
