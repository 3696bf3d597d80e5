// Package errors defines error types for calls to remote agent endpoints.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ConnectionError represents a connection failure.
type ConnectionError struct {
	Message string
	Cause   error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("connection error: %s", e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{Message: message, Cause: cause}
}

// StatusError is returned when an endpoint answers with an unexpected HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// NewStatusError creates a new status error. Long bodies are truncated.
func NewStatusError(statusCode int, body string) *StatusError {
	if len(body) > 512 {
		body = body[:512]
	}
	return &StatusError{StatusCode: statusCode, Body: body}
}

// InvalidResponseError represents a response that could not be interpreted.
type InvalidResponseError struct {
	Message string
	Details map[string]interface{}
}

func (e *InvalidResponseError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("invalid response: %s (details: %v)", e.Message, e.Details)
	}
	return fmt.Sprintf("invalid response: %s", e.Message)
}

// NewInvalidResponseError creates a new invalid response error.
func NewInvalidResponseError(message string, details map[string]interface{}) *InvalidResponseError {
	return &InvalidResponseError{Message: message, Details: details}
}

// ProtocolError represents an error reported by the remote side of an RPC protocol.
type ProtocolError struct {
	Code    string
	Message string
	Details map[string]interface{}
}

func (e *ProtocolError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("protocol error [%s]: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("protocol error [%s]: %s", e.Code, e.Message)
}

// NewProtocolError creates a new protocol error.
func NewProtocolError(code, message string, details map[string]interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Message: message, Details: details}
}

// AgentTimeoutError represents a timeout waiting for an endpoint response.
type AgentTimeoutError struct {
	EndpointID string
	Timeout    time.Duration
}

func (e *AgentTimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for endpoint '%s' (timeout: %v)", e.EndpointID, e.Timeout)
}

// Unwrap lets errors.Is match context.DeadlineExceeded.
func (e *AgentTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// NewAgentTimeoutError creates a new agent timeout error.
func NewAgentTimeoutError(endpointID string, timeout time.Duration) *AgentTimeoutError {
	return &AgentTimeoutError{EndpointID: endpointID, Timeout: timeout}
}

// IsTransient reports whether err is a network-level failure worth retrying:
// timeouts, refused or dropped connections, 5xx, 408 and 429 responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if stderrors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 ||
			statusErr.StatusCode == http.StatusRequestTimeout ||
			statusErr.StatusCode == http.StatusTooManyRequests
	}

	var invalid *InvalidResponseError
	if stderrors.As(err, &invalid) {
		return false
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var timeoutErr *AgentTimeoutError
	if stderrors.As(err, &timeoutErr) {
		return true
	}

	var connErr *ConnectionError
	if stderrors.As(err, &connErr) {
		return true
	}

	var netErr net.Error
	return stderrors.As(err, &netErr)
}
