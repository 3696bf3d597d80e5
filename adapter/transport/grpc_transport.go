package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tidesapp/tidelink/adapter/errors"
)

// GRPCProber checks an endpoint with the standard gRPC health service.
type GRPCProber struct {
	target  string
	service string
	timeout time.Duration

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewGRPCProber creates a prober for grpc://host:port[/service].
func NewGRPCProber(endpoint string, timeout time.Duration) (*GRPCProber, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid gRPC URL: %w", err)
	}
	if u.Scheme != "grpc" {
		return nil, fmt.Errorf("invalid gRPC URL scheme: %s", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing hostname in gRPC URL: %s", endpoint)
	}

	port := u.Port()
	if port == "" {
		port = "50051" // Default gRPC port
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	service := ""
	if len(u.Path) > 1 {
		service = u.Path[1:]
	}

	return &GRPCProber{
		target:  fmt.Sprintf("%s:%s", u.Hostname(), port),
		service: service,
		timeout: timeout,
	}, nil
}

func (p *GRPCProber) client() (healthpb.HealthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, err := grpc.NewClient(p.target, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, errors.NewConnectionError(fmt.Sprintf("failed to connect to %s", p.target), err)
		}
		p.conn = conn
	}
	return healthpb.NewHealthClient(p.conn), nil
}

// Probe implements Prober.
func (p *GRPCProber) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	client, err := p.client()
	if err != nil {
		return time.Since(start), err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return time.Since(start), errors.NewAgentTimeoutError(p.target, p.timeout)
		}
		return time.Since(start), errors.NewConnectionError(fmt.Sprintf("health check to %s failed", p.target), err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return time.Since(start), errors.NewProtocolError(resp.GetStatus().String(),
			fmt.Sprintf("service at %s is not serving", p.target), nil)
	}
	return time.Since(start), nil
}

// Close releases the underlying connection.
func (p *GRPCProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
