package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tidesapp/tidelink/adapter/transport"
	"github.com/tidesapp/tidelink/tidelink"
)

// Status is the lifecycle state of a queued item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

var (
	// ErrItemNotFound is returned when no item has the given id.
	ErrItemNotFound = errors.New("queue item not found")

	// ErrItemProcessing is returned when removing an item that is being replayed.
	ErrItemProcessing = errors.New("queue item is processing")
)

// QueueFullError is returned by Enqueue when the queue is at capacity after
// expired items have been purged.
type QueueFullError struct {
	MaxSize int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("request queue is full (max %d items)", e.MaxSize)
}

// Result is delivered to an item's callback when it completes, fails
// permanently or expires.
type Result struct {
	ItemID   string
	Status   Status
	Attempts int
	Response *transport.Response
	Err      error
}

// Callback receives the final outcome of an item. It is not persisted.
type Callback func(Result)

// Request describes a call to replay later.
type Request struct {
	Method   string
	Endpoint string
	Payload  []byte
	Headers  map[string]string
	Priority tidelink.Priority

	// MaxRetries is the number of attempts allowed. Zero uses the queue default.
	MaxRetries int

	Callback Callback
}

// Item is a queued request.
type Item struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	Endpoint   string            `json:"endpoint"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Priority   tidelink.Priority `json:"priority"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	QueuedAt   time.Time         `json:"queued_at"`
	NextRetry  time.Time         `json:"next_retry"`
	Status     Status            `json:"status"`
	LastError  string            `json:"last_error,omitempty"`

	callback Callback
}

func (it *Item) request(timeout time.Duration) *transport.Request {
	method := it.Method
	if method == "" {
		method = http.MethodPost
	}
	return &transport.Request{
		Method:  method,
		URL:     it.Endpoint,
		Headers: it.Headers,
		Body:    it.Payload,
		Timeout: timeout,
	}
}
