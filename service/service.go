package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidesapp/tidelink/adapter/codec"
	"github.com/tidesapp/tidelink/adapter/transport"
	"github.com/tidesapp/tidelink/fallback"
	"github.com/tidesapp/tidelink/health"
	"github.com/tidesapp/tidelink/middleware"
	"github.com/tidesapp/tidelink/observability"
	"github.com/tidesapp/tidelink/pool"
	"github.com/tidesapp/tidelink/queue"
	"github.com/tidesapp/tidelink/tidelink"
)

// ResultKind says which path produced a result.
type ResultKind string

const (
	// KindPrimary is an answer from a live agent endpoint.
	KindPrimary ResultKind = "primary"
	// KindFallback is an answer from a fallback stage other than the queue.
	KindFallback ResultKind = "fallback"
	// KindQueued means the request was queued for later delivery.
	KindQueued ResultKind = "queued"
	// KindExhausted means nothing could handle the request.
	KindExhausted ResultKind = "exhausted"
)

// ErrEmptyMessage is reported for blank messages.
var ErrEmptyMessage = errors.New("message cannot be empty")

var errNoHealthyConnection = errors.New("no healthy connection available")

const exhaustedMessage = "I'm unable to process your request right now. " +
	"Please try again in a few minutes."

// Options tune a single SendMessage call.
type Options struct {
	Priority tidelink.Priority

	// Command skips command inference in the fallback chain.
	Command *tidelink.Command

	// Context is forwarded to the agent with the question.
	Context map[string]interface{}
}

// Metadata describes how a result was produced.
type Metadata struct {
	ProcessingTime  time.Duration `json:"processing_time"`
	ConnectionID    string        `json:"connection_id,omitempty"`
	Source          string        `json:"source"`
	FallbackUsed    bool          `json:"fallback_used"`
	PrimaryAttempts int           `json:"primary_attempts"`
	Confidence      float64       `json:"confidence"`
	Limitations     []string      `json:"limitations,omitempty"`
	Suggestions     []string      `json:"suggestions,omitempty"`
	Attempted       []string      `json:"attempted,omitempty"`
	QueueID         string        `json:"queue_id,omitempty"`
}

// Result is the uniform outcome of SendMessage.
type Result struct {
	Success   bool             `json:"success"`
	Kind      ResultKind       `json:"kind"`
	Message   string           `json:"message"`
	Data      interface{}      `json:"data,omitempty"`
	AgentID   string           `json:"agent_id,omitempty"`
	ToolCalls []codec.ToolCall `json:"tool_calls,omitempty"`
	Metadata  Metadata         `json:"metadata"`

	// Err explains a failed result. It is never returned as a Go error.
	Err error `json:"-"`
}

// Dependencies are the components the service routes through. Only Pool is required.
type Dependencies struct {
	Pool     *pool.Manager
	Breakers *middleware.CircuitBreakerRegistry
	Doer     transport.Doer
	Fallback *fallback.Strategy
	Health   *health.Monitor
	Queue    *queue.Manager

	Instruments *observability.Instruments
}

// Service sends messages to the agent with circuit breaking, pooling and fallback.
type Service struct {
	config   Config
	pool     *pool.Manager
	breakers *middleware.CircuitBreakerRegistry
	doer     transport.Doer
	fallback *fallback.Strategy
	health   *health.Monitor
	queue    *queue.Manager
	metrics  *observability.Instruments
	timeout  *middleware.Timeout
	tracer   trace.Tracer
	logger   *slog.Logger

	now func() time.Time
}

// New creates a service and subscribes it to its components' events.
func New(config Config, deps Dependencies, logger *slog.Logger) (*Service, error) {
	if deps.Pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Breakers == nil {
		deps.Breakers = middleware.NewCircuitBreakerRegistry(middleware.DefaultCircuitBreakerConfig())
	}
	if deps.Doer == nil {
		deps.Doer = transport.NewHTTPTransport(transport.HTTPOptions{Timeout: config.RequestTimeout})
	}

	s := &Service{
		config:   config,
		pool:     deps.Pool,
		breakers: deps.Breakers,
		doer:     tracingDoer{next: deps.Doer},
		fallback: deps.Fallback,
		health:   deps.Health,
		queue:    deps.Queue,
		metrics:  deps.Instruments,
		timeout:  middleware.NewTimeout(middleware.TimeoutConfig{Timeout: config.RequestTimeout}),
		tracer:   observability.GetTracer(observability.TracerName),
		logger:   logger.With("component", "service"),
		now:      time.Now,
	}
	s.subscribe()
	return s, nil
}

func (s *Service) subscribe() {
	s.breakers.OnStateChange(func(name string, from, to middleware.CircuitState) {
		s.logger.Info("circuit state changed", "endpoint", name, "from", from.String(), "to", to.String())
		s.metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
	})

	s.pool.OnStateChange(func(id string, from, to pool.ConnectionState) {
		s.logger.Info("connection state changed", "endpoint", id, "from", string(from), "to", string(to))
	})

	if s.health != nil {
		forward := func(ev health.Event) {
			s.pool.UpdateHealth(ev.ConnectionID, ev.Type == health.EventCheckPassed, ev.ResponseTime, ev.Error)
		}
		s.health.On(health.EventCheckPassed, forward)
		s.health.On(health.EventCheckFailed, forward)
		s.health.On(health.EventConnectionLost, func(ev health.Event) {
			s.logger.Warn("agent connection lost", "endpoint", ev.ConnectionID, "error", ev.Error)
		})
		s.health.On(health.EventConnectionRecovered, func(ev health.Event) {
			s.logger.Info("agent connection recovered", "endpoint", ev.ConnectionID)
		})
	}

	if s.fallback != nil {
		s.fallback.OnStage(func(source fallback.Source, success bool, _ time.Duration) {
			s.metrics.RecordFallbackStage(context.Background(), string(source), success)
		})
	}

	if s.queue != nil {
		s.queue.OnResult(func(r queue.Result) {
			s.metrics.RecordQueueOutcome(context.Background(), string(r.Status))
		})
	}
}

// Start restores persisted state and launches the background loops of every component.
func (s *Service) Start(ctx context.Context) {
	if s.queue != nil {
		if n, err := s.queue.Restore(ctx); err != nil {
			s.logger.Error("failed to restore request queue", "error", err)
		} else if n > 0 {
			s.logger.Info("restored request queue", "items", n)
		}
		s.queue.Start(ctx)
	}
	if s.fallback != nil && s.fallback.Cache() != nil {
		if _, err := s.fallback.Cache().Load(ctx); err != nil {
			s.logger.Error("failed to restore fallback cache", "error", err)
		}
	}
	if s.health != nil {
		for _, ep := range s.pool.Endpoints() {
			if err := s.health.RegisterConnection(ep); err != nil {
				s.logger.Warn("failed to monitor endpoint", "endpoint", ep.ID, "error", err)
			}
		}
		s.health.Start(ctx)
	}
	s.pool.Start(ctx)
}

// Stop stops every background loop.
func (s *Service) Stop() {
	s.pool.Stop()
	if s.health != nil {
		s.health.Stop()
	}
	if s.queue != nil {
		s.queue.Stop()
	}
}

// AddEndpoint registers an endpoint with the pool and the health monitor.
func (s *Service) AddEndpoint(endpoint tidelink.Endpoint) error {
	if err := s.pool.AddEndpoint(endpoint); err != nil {
		return err
	}
	if s.health != nil {
		if err := s.health.RegisterConnection(endpoint); err != nil {
			return err
		}
		return s.health.UpdateConnection(endpoint)
	}
	return nil
}

// RemoveEndpoint forgets an endpoint everywhere. It reports whether the pool knew it.
func (s *Service) RemoveEndpoint(id string) bool {
	removed := s.pool.RemoveEndpoint(id)
	if s.health != nil {
		s.health.UnregisterConnection(id)
	}
	s.breakers.Remove(id)
	return removed
}

// CheckHealth runs one round of health checks outside the background loops.
// With a monitor the results reach the pool through its events.
func (s *Service) CheckHealth(ctx context.Context) {
	if s.health != nil {
		s.health.CheckAll(ctx)
		return
	}
	s.pool.CheckHealth(ctx)
}

// SendMessage delivers message to the agent, falling back when no primary
// endpoint answers. It always returns a result; failures are described by
// Result.Success and Result.Err.
func (s *Service) SendMessage(ctx context.Context, message string, opts Options) *Result {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "tidelink.send_message",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("message.priority", opts.Priority.String()),
			attribute.Int("message.length", len(message)),
		))

	result := s.send(ctx, span, message, opts)
	result.Metadata.ProcessingTime = s.now().Sub(start)

	span.SetAttributes(
		attribute.String("result.kind", string(result.Kind)),
		attribute.String("result.source", result.Metadata.Source),
		attribute.Bool("result.fallback_used", result.Metadata.FallbackUsed),
	)
	var spanErr error
	if !result.Success {
		spanErr = result.Err
	}
	observability.EndSpan(span, spanErr)
	s.metrics.RecordRequest(ctx, string(result.Kind), result.Metadata.Source, result.Metadata.ProcessingTime)

	s.logger.Debug("message handled",
		"kind", string(result.Kind),
		"source", result.Metadata.Source,
		"duration", result.Metadata.ProcessingTime)
	return result
}

func (s *Service) send(ctx context.Context, span trace.Span, message string, opts Options) *Result {
	if strings.TrimSpace(message) == "" {
		return &Result{
			Kind:     KindExhausted,
			Message:  "Please enter a message.",
			Metadata: Metadata{Source: "none"},
			Err:      ErrEmptyMessage,
		}
	}

	result, attempts, primaryErr := s.tryPrimary(ctx, message, opts)
	if result != nil {
		return result
	}
	span.AddEvent("primary_failed", trace.WithAttributes(
		attribute.Int("attempts", attempts),
		attribute.String("error", primaryErr.Error()),
	))
	s.logger.Warn("primary unavailable, using fallback", "attempts", attempts, "error", primaryErr)

	if s.fallback == nil {
		return exhaustedResult(attempts, false, nil, primaryErr)
	}

	fb := s.fallback.ExecuteFallback(ctx, message, opts.Command, opts.Priority)
	attempted := make([]string, len(fb.Attempted))
	for i, src := range fb.Attempted {
		attempted[i] = string(src)
	}
	span.AddEvent("fallback", trace.WithAttributes(
		attribute.Bool("success", fb.Success),
		attribute.String("source", string(fb.Source)),
		attribute.StringSlice("attempted", attempted),
	))

	if !fb.Success {
		return exhaustedResult(attempts, true, attempted, errors.Join(primaryErr, fb.Err))
	}

	kind := KindFallback
	var queueID string
	if fb.Source == fallback.SourceQueue {
		kind = KindQueued
		if data, ok := fb.Data.(map[string]interface{}); ok {
			queueID, _ = data["queue_id"].(string)
		}
	}
	return &Result{
		Success: true,
		Kind:    kind,
		Message: fb.Message,
		Data:    fb.Data,
		Metadata: Metadata{
			Source:          string(fb.Source),
			FallbackUsed:    true,
			PrimaryAttempts: attempts,
			Confidence:      fb.Confidence,
			Limitations:     fb.Limitations,
			Suggestions:     fb.Suggestions,
			Attempted:       attempted,
			QueueID:         queueID,
		},
	}
}

// tryPrimary asks up to PrimaryAttempts distinct healthy connections,
// skipping endpoints whose circuit is open.
func (s *Service) tryPrimary(ctx context.Context, message string, opts Options) (*Result, int, error) {
	exclude := make(map[string]bool)
	for _, ep := range s.pool.Endpoints() {
		if s.breakers.IsOpen(ep.ID) {
			exclude[ep.ID] = true
		}
	}

	question := codec.NewQuestionRequest(message, opts.Context)
	lastErr := errNoHealthyConnection
	attempts := 0
	for attempts < s.config.PrimaryAttempts {
		ep := s.pool.GetHealthyConnectionExcluding(exclude)
		if ep == nil {
			break
		}
		exclude[ep.ID] = true
		attempts++

		answer, err := s.ask(ctx, *ep, question)
		if err != nil {
			if errors.Is(err, middleware.ErrCircuitOpen) || ctx.Err() != nil {
				s.pool.ReturnConnection(ep.ID)
			} else {
				s.pool.ReleaseConnection(ep.ID, false)
			}
			s.logger.Warn("primary request failed", "endpoint", ep.ID, "attempt", attempts, "error", err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		s.pool.ReleaseConnection(ep.ID, true)

		text := answer.Text()
		if s.config.CachePrimaryResponses && s.fallback != nil && s.fallback.Cache() != nil {
			s.fallback.Cache().Put(ctx, message, text, answer.Data, "primary")
		}
		return &Result{
			Success:   true,
			Kind:      KindPrimary,
			Message:   text,
			Data:      answer.Data,
			AgentID:   answer.AgentID,
			ToolCalls: answer.ToolCalls,
			Metadata: Metadata{
				ConnectionID:    ep.ID,
				Source:          string(KindPrimary),
				PrimaryAttempts: attempts,
				Confidence:      1,
			},
		}, attempts, nil
	}
	return nil, attempts, lastErr
}

func (s *Service) ask(ctx context.Context, ep tidelink.Endpoint, question *codec.QuestionRequest) (*codec.AgentResponse, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = s.config.RequestTimeout
	}

	var answer *codec.AgentResponse
	err := s.breakers.CallThroughCircuit(ctx, ep.ID, func(ctx context.Context) error {
		return s.timeout.Call(ctx, ep.ID, timeout, func(ctx context.Context) error {
			resp, err := transport.Ask(ctx, s.doer, ep.URL, question, timeout)
			if err != nil {
				return err
			}
			answer = resp
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return answer, nil
}

func exhaustedResult(attempts int, fallbackUsed bool, attempted []string, cause error) *Result {
	return &Result{
		Kind:    KindExhausted,
		Message: exhaustedMessage,
		Metadata: Metadata{
			Source:          "none",
			FallbackUsed:    fallbackUsed,
			PrimaryAttempts: attempts,
			Attempted:       attempted,
		},
		Err: fmt.Errorf("%w: %w", fallback.ErrNoStageSucceeded, cause),
	}
}

// tracingDoer adds W3C trace headers to every outbound request.
type tracingDoer struct {
	next transport.Doer
}

func (d tracingDoer) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	req.Headers = observability.InjectTraceHeaders(ctx, req.Headers)
	return d.next.Do(ctx, req)
}
