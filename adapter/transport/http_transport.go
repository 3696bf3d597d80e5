package transport

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidesapp/tidelink/adapter/codec"
	"github.com/tidesapp/tidelink/adapter/errors"
)

// HTTPOptions configures the HTTP transport.
type HTTPOptions struct {
	// Timeout is used for requests that carry no timeout of their own.
	// Default: 30s
	Timeout time.Duration

	// MaxResponseBytes caps how much of a response body is read.
	// Default: 4 MiB
	MaxResponseBytes int64

	// Client overrides the underlying HTTP client.
	Client *http.Client
}

// HTTPTransport implements Doer over net/http.
type HTTPTransport struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

// NewHTTPTransport creates a new HTTP transport.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 4 << 20
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		client:   client,
		timeout:  opts.Timeout,
		maxBytes: opts.MaxResponseBytes,
	}
}

// Do executes req with its own timeout.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, method, req.URL, body)
	if err != nil {
		return nil, errors.NewConnectionError(fmt.Sprintf("failed to create request to %s", req.URL), err)
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		if stderrors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errors.NewAgentTimeoutError(req.URL, timeout)
		}
		return nil, errors.NewConnectionError(fmt.Sprintf("failed to send request to %s", req.URL), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes))
	if err != nil {
		if stderrors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errors.NewAgentTimeoutError(req.URL, timeout)
		}
		return nil, errors.NewConnectionError("failed to read response body", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
		Duration:   time.Since(start),
	}, nil
}

// Status calls GET {baseURL}/status and fails on any non-2xx status.
func Status(ctx context.Context, doer Doer, baseURL string, timeout time.Duration) (*Response, error) {
	resp, err := doer.Do(ctx, &Request{
		Method:  http.MethodGet,
		URL:     JoinURL(baseURL, "/status"),
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return resp, errors.NewStatusError(resp.StatusCode, string(resp.Body))
	}
	return resp, nil
}

// Ask posts a question to {baseURL}/question and decodes the answer.
func Ask(ctx context.Context, doer Doer, baseURL string, question *codec.QuestionRequest, timeout time.Duration) (*codec.AgentResponse, error) {
	body, err := codec.EncodeQuestion(question)
	if err != nil {
		return nil, err
	}
	resp, err := doer.Do(ctx, &Request{
		Method:  http.MethodPost,
		URL:     JoinURL(baseURL, "/question"),
		Body:    body,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, errors.NewStatusError(resp.StatusCode, string(resp.Body))
	}
	return codec.DecodeAgentResponse(resp.Body)
}

// JoinURL appends path to base without doubling slashes.
func JoinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// HTTPProber probes an endpoint with GET {url}/status.
type HTTPProber struct {
	doer    Doer
	baseURL string
	timeout time.Duration
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := Status(ctx, p.doer, p.baseURL, p.timeout); err != nil {
		return time.Since(start), err
	}
	return time.Since(start), nil
}
