// Package codec provides the JSON wire format spoken with remote agent endpoints.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tidesapp/tidelink/adapter/errors"
)

// QuestionRequest is the body of POST {endpoint}/question.
type QuestionRequest struct {
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	UserID    string                 `json:"userId,omitempty"`
	RequestID string                 `json:"requestId"`
	Timestamp string                 `json:"timestamp"`
}

// NewQuestionRequest creates a request stamped with a fresh id and the current time.
func NewQuestionRequest(message string, context map[string]interface{}) *QuestionRequest {
	return &QuestionRequest{
		Message:   message,
		Context:   context,
		RequestID: NewRequestID(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// NewRequestID returns a unique request identifier.
func NewRequestID() string {
	return uuid.New().String()
}

// ToolCall is a tool invocation reported by the agent.
type ToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Result    interface{}            `json:"result,omitempty"`
}

// AgentResponse is the decoded body of an agent answer.
//
// Agents answer in several shapes; Text resolves them in this order:
// data.message, data.response, data.answer, response, message, text, content.
type AgentResponse struct {
	Success   *bool                  `json:"success,omitempty"`
	Response  string                 `json:"response,omitempty"`
	Message   string                 `json:"message,omitempty"`
	TextField string                 `json:"text,omitempty"`
	Content   string                 `json:"content,omitempty"`
	AgentID   string                 `json:"agentId,omitempty"`
	ToolCalls []ToolCall             `json:"toolCalls,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Text returns the answer text, or "" when none of the known fields is set.
func (r *AgentResponse) Text() string {
	if r == nil {
		return ""
	}
	for _, field := range []string{"message", "response", "answer"} {
		if s, ok := r.Data[field].(string); ok && s != "" {
			return s
		}
	}
	for _, s := range []string{r.Response, r.Message, r.TextField, r.Content} {
		if s != "" {
			return s
		}
	}
	return ""
}

// DecodeAgentResponse parses an agent answer and checks it carries text.
func DecodeAgentResponse(body []byte) (*AgentResponse, error) {
	var resp AgentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.NewInvalidResponseError("malformed JSON", map[string]interface{}{
			"error": err.Error(),
			"body":  truncate(string(body), 200),
		})
	}
	if resp.Success != nil && !*resp.Success {
		return nil, errors.NewInvalidResponseError("agent reported failure", map[string]interface{}{
			"body": truncate(string(body), 200),
		})
	}
	if strings.TrimSpace(resp.Text()) == "" {
		return nil, errors.NewInvalidResponseError("no response text", map[string]interface{}{
			"body": truncate(string(body), 200),
		})
	}
	return &resp, nil
}

// EncodeQuestion serializes a question request.
func EncodeQuestion(req *QuestionRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode question: %w", err)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
