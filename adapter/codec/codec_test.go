package codec

import (
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/tidesapp/tidelink/adapter/errors"
)

func TestNewQuestionRequest(t *testing.T) {
	req := NewQuestionRequest("hello", map[string]interface{}{"tideId": "t1"})

	if req.RequestID == "" {
		t.Error("Expected request id")
	}
	if _, err := time.Parse(time.RFC3339Nano, req.Timestamp); err != nil {
		t.Errorf("Expected RFC3339 timestamp, got %q", req.Timestamp)
	}

	data, err := EncodeQuestion(req)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["message"] != "hello" {
		t.Errorf("Expected message field, got %v", decoded)
	}
	if ctx, ok := decoded["context"].(map[string]interface{}); !ok || ctx["tideId"] != "t1" {
		t.Errorf("Expected context field, got %v", decoded["context"])
	}
}

func TestNewRequestIDUnique(t *testing.T) {
	if NewRequestID() == NewRequestID() {
		t.Error("Expected unique request ids")
	}
}

func TestAgentResponseText(t *testing.T) {
	cases := map[string]string{
		`{"success":true,"data":{"message":"from data.message","response":"no"}}`: "from data.message",
		`{"data":{"response":"from data.response"}}`:                              "from data.response",
		`{"data":{"answer":"from data.answer"}}`:                                  "from data.answer",
		`{"response":"top response","message":"no"}`:                             "top response",
		`{"message":"top message"}`:                                               "top message",
		`{"text":"top text"}`:                                                     "top text",
		`{"content":"top content"}`:                                               "top content",
	}

	for body, want := range cases {
		resp, err := DecodeAgentResponse([]byte(body))
		if err != nil {
			t.Errorf("%s: unexpected error %v", body, err)
			continue
		}
		if resp.Text() != want {
			t.Errorf("%s: expected %q, got %q", body, want, resp.Text())
		}
	}
}

func TestAgentResponseMetadata(t *testing.T) {
	body := `{"response":"ok","agentId":"agent-7","toolCalls":[{"name":"tide_list","arguments":{"limit":5}}]}`
	resp, err := DecodeAgentResponse([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.AgentID != "agent-7" {
		t.Errorf("Expected agentId, got %q", resp.AgentID)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "tide_list" {
		t.Errorf("Unexpected tool calls: %+v", resp.ToolCalls)
	}
}

func TestDecodeAgentResponseErrors(t *testing.T) {
	bodies := []string{
		`not json`,
		`{}`,
		`{"data":{"other":"x"}}`,
		`{"success":false,"message":"quota exceeded"}`,
	}
	for _, body := range bodies {
		_, err := DecodeAgentResponse([]byte(body))
		var invalid *errors.InvalidResponseError
		if !stderrors.As(err, &invalid) {
			t.Errorf("%s: expected InvalidResponseError, got %v", body, err)
		}
	}
}
