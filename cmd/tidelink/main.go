// Package main implements the tidelink CLI: send messages through the
// reliability layer, inspect component status and manage the persisted
// request queue.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tidesapp/tidelink/config"
	"github.com/tidesapp/tidelink/observability"
	"github.com/tidesapp/tidelink/service"
	"github.com/tidesapp/tidelink/tidelink"
	"github.com/tidesapp/tidelink/tools"
)

var (
	// configPath points at an optional YAML config file.
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tidelink",
		Short: "Reliable client for the Tides agent",
		Long: `tidelink sends messages to the Tides agent through a connection pool,
per-endpoint circuit breakers and a fallback chain that ends in a
persistent request queue.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(newSendCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newQueueCmd())
	root.AddCommand(newToolsCmd())
	root.AddCommand(newServeCmd())
	return root
}

func newSendCmd() *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message to the agent",
		Long: `Send a message to the agent and print the result as JSON.

Examples:
  # Ask the agent a question
  tidelink send "How are my tides going?"

  # Mark the message as urgent so it is queued when everything else fails
  tidelink send "create a tide called Focus Time" --priority high`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), cmd.OutOrStdout(), args[0], priority)
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "normal", "request priority: low, normal, high or critical")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe every endpoint and print component status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the direct tool stage can call",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the persisted request queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Replay every queued request that is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(cmd.Context(), cmd.OutOrStdout(), queueProcess)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Reset failed requests to pending and replay them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(cmd.Context(), cmd.OutOrStdout(), queueRetry)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every queued request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(cmd.Context(), cmd.OutOrStdout(), queueClear)
		},
	})
	return cmd
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background loops and expose status, metrics and a send endpoint",
		Long: `Run health checks, queue processing and cache persistence until interrupted.

Endpoints:
  GET  /status    component status as JSON
  GET  /metrics   Prometheus metrics (observability.metrics_enabled)
  POST /messages  {"message": "...", "priority": "high"}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "127.0.0.1:9464", "listen address")
	return cmd
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}

func runSend(ctx context.Context, out io.Writer, message, priority string) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if _, err := a.queue.Restore(ctx); err != nil {
		a.logger.Warn("failed to restore request queue", "error", err)
	}
	if _, err := a.cache.Load(ctx); err != nil {
		a.logger.Warn("failed to restore fallback cache", "error", err)
	}

	result := a.service.SendMessage(ctx, message, service.Options{
		Priority: tidelink.ParsePriority(priority),
	})
	if err := writeJSON(out, newSendOutput(result)); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("request failed: %w", result.Err)
	}
	return nil
}

// sendOutput adds the error text that Result keeps out of its JSON form.
type sendOutput struct {
	*service.Result
	Error string `json:"error,omitempty"`
}

func newSendOutput(result *service.Result) sendOutput {
	out := sendOutput{Result: result}
	if result.Err != nil {
		out.Error = result.Err.Error()
	}
	return out
}

func runStatus(ctx context.Context, out io.Writer) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if _, err := a.queue.Restore(ctx); err != nil {
		a.logger.Warn("failed to restore request queue", "error", err)
	}
	a.service.CheckHealth(ctx)
	return writeJSON(out, a.status(ctx))
}

func runTools(ctx context.Context, out io.Writer) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	lister, ok := a.tools.(tools.ToolLister)
	if !ok {
		return fmt.Errorf("tool executor cannot list tools")
	}
	infos, err := lister.ListTools(ctx)
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, tools.Describe(infos))
	return err
}

type queueAction int

const (
	queueProcess queueAction = iota
	queueRetry
	queueClear
)

type queueOutput struct {
	Action    string `json:"action"`
	Processed int    `json:"processed,omitempty"`
	Reset     int    `json:"reset,omitempty"`
	Remaining int    `json:"remaining"`
}

func runQueue(ctx context.Context, out io.Writer, action queueAction) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if _, err := a.queue.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore request queue: %w", err)
	}

	var result queueOutput
	switch action {
	case queueProcess:
		result.Action = "process"
		result.Processed = a.queue.ProcessQueue(ctx)
	case queueRetry:
		result.Action = "retry"
		result.Reset = a.queue.RetryFailed(ctx)
		result.Processed = a.queue.ProcessQueue(ctx)
	case queueClear:
		result.Action = "clear"
		if err := a.queue.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear request queue: %w", err)
		}
	}
	result.Remaining = a.queue.Len()
	return writeJSON(out, result)
}

type messageRequest struct {
	Message  string `json:"message"`
	Priority string `json:"priority"`
}

func runServe(ctx context.Context, addr string) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	a.service.Start(ctx)
	defer a.service.Stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	a.logger.Info("tidelink serving", "addr", addr, "endpoints", len(a.config.Endpoints))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := writeJSON(w, a.status(r.Context())); err != nil {
			a.logger.Warn("failed to write status", "error", err)
		}
	})
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		ctx := observability.ExtractTraceHeaders(r.Context(), traceHeaders(r.Header))
		result := a.service.SendMessage(ctx, strings.TrimSpace(req.Message), service.Options{
			Priority: tidelink.ParsePriority(req.Priority),
		})
		w.Header().Set("Content-Type", "application/json")
		if result.Kind == service.KindExhausted {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := writeJSON(w, newSendOutput(result)); err != nil {
			a.logger.Warn("failed to write result", "error", err)
		}
	})
	if a.config.Observability.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return mux
}

// traceHeaders flattens request headers into the lowercase keys the trace
// propagator looks up.
func traceHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) > 0 {
			headers[strings.ToLower(key)] = values[0]
		}
	}
	return headers
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
