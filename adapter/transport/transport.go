// Package transport provides the network calls made to remote agent endpoints:
// request execution over HTTP and lightweight liveness probes per URL scheme.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidesapp/tidelink/tidelink"
)

// Request is a single outbound HTTP request.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`

	// Timeout bounds the call. Zero uses the transport default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Response is the outcome of a request that reached the endpoint.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Doer executes requests. Network failures are returned as errors; any HTTP
// status, including 5xx, is returned as a Response.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Prober checks whether an endpoint is reachable and returns the round-trip latency.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ProberFactory builds the prober for an endpoint.
type ProberFactory func(endpoint tidelink.Endpoint) (Prober, error)

// NewProberFactory returns a factory that picks a prober by URL scheme:
//   - http://, https://: GET {url}/status through doer
//   - ws://, wss://: WebSocket handshake and ping
//   - grpc://: standard gRPC health check
func NewProberFactory(doer Doer) ProberFactory {
	return func(endpoint tidelink.Endpoint) (Prober, error) {
		return NewProber(endpoint, doer)
	}
}

// NewProber returns the prober for endpoint.
func NewProber(endpoint tidelink.Endpoint, doer Doer) (Prober, error) {
	url := endpoint.URL
	if url == "" {
		return nil, fmt.Errorf("empty endpoint url for %q", endpoint.ID)
	}

	switch {
	case strings.HasPrefix(url, "grpc://"):
		return NewGRPCProber(url, endpoint.Timeout)
	case strings.HasPrefix(url, "ws://"), strings.HasPrefix(url, "wss://"):
		return NewWebSocketProber(url, endpoint.Timeout), nil
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		if doer == nil {
			doer = NewHTTPTransport(HTTPOptions{})
		}
		return &HTTPProber{doer: doer, baseURL: url, timeout: endpoint.Timeout}, nil
	default:
		return nil, fmt.Errorf("unsupported endpoint format: %s", url)
	}
}
