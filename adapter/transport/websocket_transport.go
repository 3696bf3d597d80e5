package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tidesapp/tidelink/adapter/errors"
)

const defaultProbeTimeout = 10 * time.Second

// WebSocketProber checks a streaming endpoint by completing the handshake and sending a ping.
type WebSocketProber struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer
}

// NewWebSocketProber creates a prober for a ws:// or wss:// endpoint.
func NewWebSocketProber(urlStr string, timeout time.Duration) *WebSocketProber {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}

	parsedURL, err := url.Parse(urlStr)
	if err == nil && parsedURL.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &WebSocketProber{
		url:     urlStr,
		timeout: timeout,
		dialer:  dialer,
	}
}

// Probe implements Prober.
func (p *WebSocketProber) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, resp, err := p.dialer.DialContext(dialCtx, p.url, nil)
	if err != nil {
		if resp != nil {
			return time.Since(start), errors.NewStatusError(resp.StatusCode, "websocket handshake rejected")
		}
		return time.Since(start), errors.NewConnectionError(fmt.Sprintf("failed to connect to %s", p.url), err)
	}
	defer conn.Close()

	deadline := time.Now().Add(p.timeout)
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return time.Since(start), errors.NewConnectionError("failed to send ping", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe"), deadline)

	return time.Since(start), nil
}
