package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidesapp/tidelink/adapter/transport"
	"github.com/tidesapp/tidelink/fallback"
	"github.com/tidesapp/tidelink/health"
	"github.com/tidesapp/tidelink/middleware"
	"github.com/tidesapp/tidelink/pool"
	"github.com/tidesapp/tidelink/queue"
	"github.com/tidesapp/tidelink/tidelink"
	"github.com/tidesapp/tidelink/tools"
)

// agentServer is an httptest agent whose /question handler is swappable.
type agentServer struct {
	*httptest.Server
	questions atomic.Int32
	failing   atomic.Bool
	lastTrace atomic.Value
}

func newAgentServer(t *testing.T, failing bool) *agentServer {
	t.Helper()
	a := &agentServer{}
	a.failing.Store(failing)
	a.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.URL.Path {
		case "/status":
			w.Write([]byte(`{"status":"ok"}`))
		case "/question":
			a.questions.Add(1)
			a.lastTrace.Store(r.Header.Get("traceparent"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"response":"Hello from the agent","agentId":"tides-agent"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(a.Close)
	return a
}

func agentEndpoint(id, url string) tidelink.Endpoint {
	return tidelink.Endpoint{
		ID:      id,
		URL:     url,
		Type:    tidelink.EndpointPrimary,
		Timeout: time.Second,
		Enabled: true,
	}
}

func tideTools(t *testing.T) *tools.ToolRegistry {
	t.Helper()
	registry := tools.NewToolRegistry()
	err := registry.Register(tools.NewFuncTool(fallback.ToolTideCreate, "Create a tide",
		func(ctx context.Context, params map[string]interface{}) (*tidelink.ToolResult, error) {
			return tidelink.NewToolResult(map[string]interface{}{
				"id":   "tide-1",
				"name": params["name"],
			}), nil
		}))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return registry
}

func newPool(t *testing.T, endpoints ...tidelink.Endpoint) *pool.Manager {
	t.Helper()
	p := pool.New(pool.Config{}, transport.NewProberFactory(transport.NewHTTPTransport(transport.HTTPOptions{})), nil)
	for _, ep := range endpoints {
		if err := p.AddEndpoint(ep); err != nil {
			t.Fatalf("AddEndpoint failed: %v", err)
		}
	}
	return p
}

func TestSendMessagePrimarySuccess(t *testing.T) {
	agent := newAgentServer(t, false)
	cache := fallback.NewResponseCache(fallback.CacheConfig{}, nil, nil)
	fb := fallback.New(fallback.DefaultConfig(), fallback.Dependencies{Cache: cache}, nil)

	svc, err := New(DefaultConfig(), Dependencies{
		Pool:     newPool(t, agentEndpoint("primary", agent.URL)),
		Fallback: fb,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result := svc.SendMessage(context.Background(), "How are my tides going?", Options{})
	if !result.Success || result.Kind != KindPrimary {
		t.Fatalf("Expected primary success, got %+v", result)
	}
	if result.Message != "Hello from the agent" {
		t.Errorf("Unexpected message: %q", result.Message)
	}
	if result.AgentID != "tides-agent" {
		t.Errorf("Unexpected agent id: %q", result.AgentID)
	}
	if result.Metadata.ConnectionID != "primary" || result.Metadata.FallbackUsed {
		t.Errorf("Unexpected metadata: %+v", result.Metadata)
	}
	if result.Metadata.ProcessingTime <= 0 {
		t.Error("Expected processing time to be recorded")
	}
	if _, ok := cache.Get("How are my tides going?"); !ok {
		t.Error("Expected primary response to be cached")
	}

	conn, _ := svc.pool.Connection("primary")
	if conn.ActiveRequests != 0 || conn.TotalRequests != 1 {
		t.Errorf("Expected released connection, got %+v", conn)
	}
}

func TestSendMessageFallsBackToToolExecution(t *testing.T) {
	agent := newAgentServer(t, true)
	fb := fallback.New(fallback.DefaultConfig(), fallback.Dependencies{
		Executor: tideTools(t),
		Cache:    fallback.NewResponseCache(fallback.CacheConfig{}, nil, nil),
	}, nil)

	svc, err := New(DefaultConfig(), Dependencies{
		Pool:     newPool(t, agentEndpoint("primary", agent.URL)),
		Fallback: fb,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result := svc.SendMessage(context.Background(), "create a tide called Focus Time", Options{Priority: tidelink.PriorityNormal})
	if !result.Success {
		t.Fatalf("Expected success, got %+v (err %v)", result, result.Err)
	}
	if !result.Metadata.FallbackUsed {
		t.Error("Expected fallback to be used")
	}
	if !strings.Contains(result.Message, "Focus Time") {
		t.Errorf("Expected message to mention Focus Time, got %q", result.Message)
	}
	if result.Kind != KindFallback || result.Metadata.Source != string(fallback.SourceMCPDirect) {
		t.Errorf("Expected mcp_direct fallback, got %s/%s", result.Kind, result.Metadata.Source)
	}
	if len(result.Metadata.Limitations) == 0 {
		t.Error("Expected limitations on a fallback result")
	}
	if result.Metadata.PrimaryAttempts != 1 {
		t.Errorf("Expected 1 primary attempt, got %d", result.Metadata.PrimaryAttempts)
	}
}

func TestSendMessageReroutesToNextConnection(t *testing.T) {
	broken := newAgentServer(t, true)
	healthy := newAgentServer(t, false)

	svc, err := New(Config{PrimaryAttempts: 2}, Dependencies{
		Pool: newPool(t, agentEndpoint("a", broken.URL), agentEndpoint("b", healthy.URL)),
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		result := svc.SendMessage(context.Background(), "hello", Options{})
		if !result.Success || result.Metadata.ConnectionID != "b" {
			t.Fatalf("Expected answer from b, got %+v", result)
		}
	}
}

func TestOpenCircuitSkipsEndpoint(t *testing.T) {
	agent := newAgentServer(t, true)
	var hits atomic.Int32
	counting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		agent.Config.Handler.ServeHTTP(w, r)
	}))
	defer counting.Close()

	breakers := middleware.NewCircuitBreakerRegistry(middleware.CircuitBreakerConfig{
		FailureRateThreshold: 0.5,
		SlidingWindowSize:    2,
		MinimumCalls:         1,
		OpenStateTimeout:     time.Minute,
	})
	svc, err := New(DefaultConfig(), Dependencies{
		Pool:     newPool(t, agentEndpoint("primary", counting.URL)),
		Breakers: breakers,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	first := svc.SendMessage(context.Background(), "hello", Options{})
	if first.Success || first.Kind != KindExhausted {
		t.Fatalf("Expected exhausted result, got %+v", first)
	}
	if !breakers.IsOpen("primary") {
		t.Fatal("Expected circuit to open after failure")
	}

	second := svc.SendMessage(context.Background(), "hello again", Options{})
	if second.Success {
		t.Fatal("Expected failure while circuit is open")
	}
	if hits.Load() != 1 {
		t.Errorf("Expected open circuit to block the request, got %d hits", hits.Load())
	}
	if second.Metadata.PrimaryAttempts != 0 {
		t.Errorf("Expected no primary attempts, got %d", second.Metadata.PrimaryAttempts)
	}
	if !errors.Is(second.Err, fallback.ErrNoStageSucceeded) {
		t.Errorf("Expected exhausted error, got %v", second.Err)
	}
	if second.Message == "" {
		t.Error("Expected a user-facing message even on failure")
	}
}

type recordingDoer struct {
	calls atomic.Int32
}

func (d *recordingDoer) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	d.calls.Add(1)
	return &transport.Response{StatusCode: http.StatusOK, Body: []byte(`{"response":"later"}`)}, nil
}

func queueOnlyFallback(q *queue.Manager) *fallback.Strategy {
	cfg := fallback.DefaultConfig()
	cfg.MCPDirect.Enabled = false
	cfg.Cache.Enabled = false
	cfg.Default.Enabled = false
	return fallback.New(cfg, fallback.Dependencies{
		Queue:         q,
		QueueEndpoint: "http://agent.local",
	}, nil)
}

func TestSendMessageQueuesWhenOnlyQueueRemains(t *testing.T) {
	q := queue.New(queue.Config{}, &recordingDoer{}, nil, nil)
	svc, err := New(DefaultConfig(), Dependencies{
		Pool:     newPool(t),
		Fallback: queueOnlyFallback(q),
		Queue:    q,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result := svc.SendMessage(context.Background(), "summarise my week", Options{Priority: tidelink.PriorityHigh})
	if !result.Success || result.Kind != KindQueued {
		t.Fatalf("Expected queued result, got %+v", result)
	}
	if result.Metadata.QueueID == "" {
		t.Error("Expected queue id in metadata")
	}
	if q.Len() != 1 {
		t.Errorf("Expected 1 queued item, got %d", q.Len())
	}
}

func TestSendMessageExhaustedForLowPriority(t *testing.T) {
	q := queue.New(queue.Config{}, &recordingDoer{}, nil, nil)
	svc, err := New(DefaultConfig(), Dependencies{
		Pool:     newPool(t),
		Fallback: queueOnlyFallback(q),
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result := svc.SendMessage(context.Background(), "summarise my week", Options{Priority: tidelink.PriorityLow})
	if result.Success || result.Kind != KindExhausted {
		t.Fatalf("Expected exhausted result, got %+v", result)
	}
	if !result.Metadata.FallbackUsed {
		t.Error("Expected fallback to have been tried")
	}
	if q.Len() != 0 {
		t.Errorf("Expected nothing queued, got %d", q.Len())
	}
}

func TestSendMessageEmpty(t *testing.T) {
	svc, err := New(DefaultConfig(), Dependencies{Pool: newPool(t)}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result := svc.SendMessage(context.Background(), "   ", Options{})
	if result.Success || !errors.Is(result.Err, ErrEmptyMessage) {
		t.Errorf("Expected empty message error, got %+v", result)
	}
}

func TestNewRequiresPool(t *testing.T) {
	if _, err := New(DefaultConfig(), Dependencies{}, nil); err == nil {
		t.Error("Expected error without a pool")
	}
}

func TestHealthEventsDrivePoolState(t *testing.T) {
	agent := newAgentServer(t, true)
	monitor := health.NewMonitor(health.Config{Timeout: time.Second}, nil, nil)
	p := pool.New(pool.Config{ExternalHealthChecks: true}, nil, nil)

	svc, err := New(DefaultConfig(), Dependencies{Pool: p, Health: monitor}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := svc.AddEndpoint(agentEndpoint("primary", agent.URL)); err != nil {
		t.Fatalf("AddEndpoint failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		monitor.CheckAll(context.Background())
	}
	conn, ok := p.Connection("primary")
	if !ok || conn.Status.State != pool.StateFailed || conn.Status.IsHealthy {
		t.Fatalf("Expected failed connection, got %+v", conn.Status)
	}
	if p.GetHealthyConnection() != nil {
		t.Error("Expected no healthy connection")
	}

	agent.failing.Store(false)
	monitor.CheckAll(context.Background())
	conn, _ = p.Connection("primary")
	if conn.Status.State != pool.StateConnected {
		t.Errorf("Expected recovery, got %s", conn.Status.State)
	}

	if !svc.RemoveEndpoint("primary") {
		t.Error("Expected endpoint to be removed")
	}
	if _, ok := monitor.GetMetrics("primary"); ok {
		t.Error("Expected monitor to forget the endpoint")
	}
}

func TestStatus(t *testing.T) {
	agent := newAgentServer(t, false)
	q := queue.New(queue.Config{}, &recordingDoer{}, nil, nil)
	fb := fallback.New(fallback.DefaultConfig(), fallback.Dependencies{
		Cache: fallback.NewResponseCache(fallback.CacheConfig{}, nil, nil),
	}, nil)
	svc, err := New(DefaultConfig(), Dependencies{
		Pool:     newPool(t, agentEndpoint("primary", agent.URL)),
		Fallback: fb,
		Queue:    q,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	svc.SendMessage(context.Background(), "hello", Options{})

	status := svc.Status()
	if status.Pool.TotalConnections != 1 {
		t.Errorf("Expected 1 connection, got %d", status.Pool.TotalConnections)
	}
	if status.Circuits["primary"] != "closed" {
		t.Errorf("Expected closed circuit, got %v", status.Circuits)
	}
	if status.Queue == nil || status.Cache == nil || status.Fallback == nil {
		t.Errorf("Expected queue, cache and fallback sections, got %+v", status)
	}
	if status.Cache.CurrentLen != 1 {
		t.Errorf("Expected cached primary answer, got %d entries", status.Cache.CurrentLen)
	}
}

func TestStartStop(t *testing.T) {
	agent := newAgentServer(t, false)
	svc, err := New(DefaultConfig(), Dependencies{
		Pool:   newPool(t, agentEndpoint("primary", agent.URL)),
		Health: health.NewMonitor(health.Config{InitialDelay: time.Millisecond, Interval: 10 * time.Millisecond}, nil, nil),
		Queue:  queue.New(queue.Config{ProcessingInterval: 10 * time.Millisecond}, &recordingDoer{}, nil, nil),
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	svc.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	svc.Stop()

	if _, ok := svc.health.GetMetrics("primary"); !ok {
		t.Error("Expected pool endpoints to be monitored after Start")
	}
}
