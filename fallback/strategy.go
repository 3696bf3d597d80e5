package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidesapp/tidelink/adapter/codec"
	"github.com/tidesapp/tidelink/adapter/transport"
	"github.com/tidesapp/tidelink/queue"
	"github.com/tidesapp/tidelink/tidelink"
)

// Source identifies the stage that produced a result.
type Source string

const (
	SourceMCPDirect Source = "mcp_direct"
	SourceCache     Source = "cache"
	SourceDefault   Source = "default"
	SourceQueue     Source = "queue"
)

// ErrNoStageSucceeded is set on a result when every stage failed.
var ErrNoStageSucceeded = errors.New("all fallback options exhausted")

var (
	errNoCommand  = errors.New("no tool command recognised")
	errNoExecutor = errors.New("no tool executor configured")
	errNoQueue    = errors.New("no request queue configured")
	errLowPrio    = errors.New("low priority requests are not queued")
	errCacheMiss  = errors.New("no similar cached response")
)

// Result is the outcome of the fallback chain.
type Result struct {
	Success     bool        `json:"success"`
	Source      Source      `json:"source,omitempty"`
	Data        interface{} `json:"data,omitempty"`
	Message     string      `json:"message,omitempty"`
	Limitations []string    `json:"limitations,omitempty"`
	Confidence  float64     `json:"confidence"`
	Suggestions []string    `json:"suggestions,omitempty"`
	Err         error       `json:"-"`

	// Attempted lists the stages tried, in order.
	Attempted []Source `json:"attempted,omitempty"`

	catchAll bool
}

// Enqueuer accepts requests for later replay.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.Request) (string, error)
}

// Dependencies are the collaborators of the chain. Any may be nil, which
// disables the stage that needs it.
type Dependencies struct {
	Executor tidelink.ToolExecutor
	Cache    *ResponseCache
	Queue    Enqueuer

	// QueueEndpoint is the agent base URL queued questions are replayed against.
	QueueEndpoint string

	Parser   *CommandParser
	Patterns *PatternResponder
}

// StageFunc is notified after every stage attempt.
type StageFunc func(source Source, success bool, duration time.Duration)

type request struct {
	message  string
	command  *tidelink.Command
	priority tidelink.Priority
}

type stage struct {
	source Source
	config StageConfig
	run    func(ctx context.Context, req request) (*Result, error)
}

type stageStats struct {
	attempts  int64
	successes int64
}

// StageMetrics reports usage of one stage.
type StageMetrics struct {
	Attempts    int64   `json:"attempts"`
	Successes   int64   `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// Strategy runs the fallback chain.
type Strategy struct {
	config Config
	deps   Dependencies
	logger *slog.Logger
	stages []stage

	mu        sync.Mutex
	stats     map[Source]*stageStats
	listeners []StageFunc
}

// New creates a fallback strategy.
func New(config Config, deps Dependencies, logger *slog.Logger) *Strategy {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Parser == nil {
		deps.Parser = NewCommandParser()
	}
	if deps.Patterns == nil {
		deps.Patterns = NewPatternResponder(DefaultPatternRules())
	}

	s := &Strategy{
		config: config,
		deps:   deps,
		logger: logger.With("component", "fallback"),
		stats:  make(map[Source]*stageStats),
	}
	s.stages = []stage{
		{source: SourceMCPDirect, config: config.MCPDirect, run: s.runMCPDirect},
		{source: SourceCache, config: config.Cache.stage(), run: s.runCache},
		{source: SourceDefault, config: config.Default, run: s.runDefault},
		{source: SourceQueue, config: config.Queue, run: s.runQueue},
	}
	for _, st := range s.stages {
		s.stats[st.source] = &stageStats{}
	}
	return s
}

// OnStage subscribes fn to stage outcomes.
func (s *Strategy) OnStage(fn StageFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Cache returns the response cache, or nil.
func (s *Strategy) Cache() *ResponseCache {
	return s.deps.Cache
}

// ExecuteFallback runs the chain for message. command may be nil, in which
// case one is inferred from the message. The returned result is never nil.
func (s *Strategy) ExecuteFallback(ctx context.Context, message string, command *tidelink.Command, priority tidelink.Priority) *Result {
	req := request{message: message, command: command, priority: priority}

	// An exact cache hit answers before anything else runs.
	if s.config.Cache.Enabled && s.deps.Cache != nil {
		if entry, ok := s.deps.Cache.Get(message); ok {
			s.record(SourceCache, true, 0)
			return cachedResult(entry, 1.0)
		}
	}

	var result *Result
	if s.config.Strategy == Parallel {
		result = s.executeParallel(ctx, req)
	} else {
		result = s.executeOrdered(ctx, req, s.orderedStages())
	}

	if result.Success {
		s.logger.Info("fallback succeeded", "source", string(result.Source), "attempted", len(result.Attempted))
	} else {
		s.logger.Warn("fallback exhausted", "attempted", len(result.Attempted))
	}
	return result
}

// orderedStages returns enabled stages for sequential or weighted mode.
func (s *Strategy) orderedStages() []stage {
	enabled := make([]stage, 0, len(s.stages))
	for _, st := range s.stages {
		if st.config.Enabled {
			enabled = append(enabled, st)
		}
	}

	if s.config.Strategy == Weighted {
		scores := make(map[Source]float64, len(enabled))
		s.mu.Lock()
		for _, st := range enabled {
			stats := s.stats[st.source]
			// Laplace smoothing so untried stages start at 0.5
			rate := float64(stats.successes+1) / float64(stats.attempts+2)
			scores[st.source] = rate * st.config.Weight
		}
		s.mu.Unlock()
		sort.SliceStable(enabled, func(i, j int) bool {
			si, sj := scores[enabled[i].source], scores[enabled[j].source]
			if si != sj {
				return si > sj
			}
			return enabled[i].config.Priority < enabled[j].config.Priority
		})
		return enabled
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].config.Priority < enabled[j].config.Priority
	})
	return enabled
}

// executeOrdered tries stages in order. A catch-all default reply is held
// back so later stages still get a chance.
func (s *Strategy) executeOrdered(ctx context.Context, req request, stages []stage) *Result {
	var attempted []Source
	var lastResort *Result

	for _, st := range stages {
		if ctx.Err() != nil {
			break
		}
		attempted = append(attempted, st.source)
		res, err := s.runStage(ctx, st, req)
		if err != nil {
			s.logger.Debug("fallback stage failed", "stage", string(st.source), "error", err)
			continue
		}
		if isLastResort(res) {
			lastResort = res
			continue
		}
		res.Attempted = attempted
		return res
	}

	if lastResort != nil {
		lastResort.Attempted = attempted
		return lastResort
	}
	return exhausted(attempted)
}

// executeParallel races every answering stage. The first non-catch-all
// success wins; otherwise the queue is tried, then the catch-all.
func (s *Strategy) executeParallel(ctx context.Context, req request) *Result {
	var racers []stage
	var queueStage *stage
	for i := range s.stages {
		st := s.stages[i]
		if !st.config.Enabled {
			continue
		}
		if st.source == SourceQueue {
			queueStage = &s.stages[i]
			continue
		}
		racers = append(racers, st)
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		source Source
		res    *Result
		err    error
	}
	outcomes := make(chan outcome, len(racers))
	for _, st := range racers {
		st := st
		go func() {
			res, err := s.runStage(raceCtx, st, req)
			outcomes <- outcome{source: st.source, res: res, err: err}
		}()
	}

	var attempted []Source
	var lastResort *Result
	for range racers {
		o := <-outcomes
		attempted = append(attempted, o.source)
		if o.err != nil {
			continue
		}
		if isLastResort(o.res) {
			lastResort = o.res
			continue
		}
		cancel()
		o.res.Attempted = attempted
		return o.res
	}

	if queueStage != nil && ctx.Err() == nil {
		attempted = append(attempted, SourceQueue)
		if res, err := s.runStage(ctx, *queueStage, req); err == nil {
			res.Attempted = attempted
			return res
		}
	}
	if lastResort != nil {
		lastResort.Attempted = attempted
		return lastResort
	}
	return exhausted(attempted)
}

func (s *Strategy) runStage(ctx context.Context, st stage, req request) (*Result, error) {
	start := time.Now()
	res, err := st.run(ctx, req)
	if err == nil && (res == nil || !res.Success) {
		err = fmt.Errorf("stage %s returned no result", st.source)
	}
	s.record(st.source, err == nil, time.Since(start))
	return res, err
}

func (s *Strategy) record(source Source, success bool, duration time.Duration) {
	s.mu.Lock()
	stats := s.stats[source]
	stats.attempts++
	if success {
		stats.successes++
	}
	listeners := append([]StageFunc(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(source, success, duration)
	}
}

// Metrics returns per-stage usage.
func (s *Strategy) Metrics() map[Source]StageMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Source]StageMetrics, len(s.stats))
	for source, stats := range s.stats {
		m := StageMetrics{Attempts: stats.attempts, Successes: stats.successes}
		if stats.attempts > 0 {
			m.SuccessRate = float64(stats.successes) / float64(stats.attempts)
		}
		out[source] = m
	}
	return out
}

func isLastResort(res *Result) bool {
	return res.catchAll
}

func exhausted(attempted []Source) *Result {
	return &Result{
		Success:   false,
		Message:   ErrNoStageSucceeded.Error(),
		Err:       ErrNoStageSucceeded,
		Attempted: attempted,
	}
}

func cachedResult(entry *CachedResponse, confidence float64) *Result {
	age := time.Since(entry.Timestamp).Round(time.Second)
	return &Result{
		Success:    true,
		Source:     SourceCache,
		Data:       entry.Data,
		Message:    entry.Message,
		Confidence: confidence,
		Limitations: []string{
			"This is a previously saved response; the assistant is currently unavailable",
			fmt.Sprintf("Saved %s ago and may be out of date", age),
		},
	}
}

func (s *Strategy) runMCPDirect(ctx context.Context, req request) (*Result, error) {
	if s.deps.Executor == nil {
		return nil, errNoExecutor
	}
	cmd := req.command
	if cmd == nil {
		parsed, ok := s.deps.Parser.Parse(req.message)
		if !ok {
			return nil, errNoCommand
		}
		cmd = parsed
	}

	toolResult, err := s.deps.Executor.ExecuteTool(ctx, cmd.Tool, cmd.Params)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", cmd.Tool, err)
	}
	if toolResult == nil || !toolResult.Success {
		reason := "unknown error"
		if toolResult != nil && toolResult.Error != "" {
			reason = toolResult.Error
		}
		return nil, fmt.Errorf("tool %s failed: %s", cmd.Tool, reason)
	}

	message := toolMessage(cmd, toolResult)
	if s.deps.Cache != nil && s.config.Cache.Enabled {
		s.deps.Cache.Put(ctx, req.message, message, toolResult.Data, string(SourceMCPDirect))
	}

	return &Result{
		Success:    true,
		Source:     SourceMCPDirect,
		Data:       toolResult.Data,
		Message:    message,
		Confidence: 0.9,
		Limitations: []string{
			"Handled by running " + cmd.Tool + " directly; the assistant is currently unavailable",
			"No conversational follow-up is available for this request",
		},
	}, nil
}

// toolMessage renders a short confirmation for a tool result.
func toolMessage(cmd *tidelink.Command, result *tidelink.ToolResult) string {
	detail := ""
	switch data := result.Data.(type) {
	case string:
		detail = data
	case map[string]interface{}:
		for _, key := range []string{"message", "text", "result"} {
			if v, ok := data[key].(string); ok && v != "" {
				detail = v
				break
			}
		}
	}

	var summary string
	switch cmd.Tool {
	case ToolTideCreate:
		summary = fmt.Sprintf("Created tide %q.", paramString(cmd.Params, "name"))
	case ToolTideList:
		summary = "Here are your tides."
	case ToolTideFlow:
		if paramString(cmd.Params, "action") == "stop" {
			summary = "Flow session stopped."
		} else {
			summary = "Flow session started."
		}
	case ToolTideAddEnergy:
		summary = fmt.Sprintf("Recorded energy level %v.", cmd.Params["energy_level"])
	case ToolTideGetReport:
		summary = fmt.Sprintf("Here is your %s report.", paramString(cmd.Params, "period"))
	case ToolTideLinkTask:
		summary = "Task linked to tide."
	default:
		summary = fmt.Sprintf("Ran %s.", cmd.Tool)
	}

	if detail == "" || strings.Contains(summary, detail) {
		return summary
	}
	return summary + " " + detail
}

func paramString(params map[string]interface{}, key string) string {
	if v, ok := params[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

func (s *Strategy) runCache(ctx context.Context, req request) (*Result, error) {
	if s.deps.Cache == nil {
		return nil, errCacheMiss
	}
	entry, score, ok := s.deps.Cache.FindSimilar(req.message)
	if !ok {
		return nil, errCacheMiss
	}
	return cachedResult(entry, score), nil
}

func (s *Strategy) runDefault(ctx context.Context, req request) (*Result, error) {
	rule, isCatchAll := s.deps.Patterns.Respond(req.message)
	res := &Result{
		Success:     true,
		Source:      SourceDefault,
		Message:     rule.Response,
		Confidence:  rule.Confidence,
		Suggestions: rule.Suggestions,
		Limitations: []string{
			"This is a generic offline reply; the assistant is currently unavailable",
		},
	}
	res.catchAll = isCatchAll
	return res, nil
}

func (s *Strategy) runQueue(ctx context.Context, req request) (*Result, error) {
	if req.priority == tidelink.PriorityLow {
		return nil, errLowPrio
	}
	if s.deps.Queue == nil || s.deps.QueueEndpoint == "" {
		return nil, errNoQueue
	}

	payload, err := codec.EncodeQuestion(codec.NewQuestionRequest(req.message, nil))
	if err != nil {
		return nil, err
	}
	id, err := s.deps.Queue.Enqueue(ctx, queue.Request{
		Method:   http.MethodPost,
		Endpoint: transport.JoinURL(s.deps.QueueEndpoint, "/question"),
		Payload:  payload,
		Priority: req.priority,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Success:    true,
		Source:     SourceQueue,
		Data:       map[string]interface{}{"queue_id": id},
		Message:    "Your request has been queued and will be sent when the assistant is available again.",
		Confidence: 0.3,
		Limitations: []string{
			"The request has not been answered yet",
			"Queued requests expire if the assistant stays unavailable",
		},
	}, nil
}
