package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tidesapp/tidelink/pool"
)

// EventType names a health event.
type EventType string

const (
	EventCheckPassed         EventType = "health_check_passed"
	EventCheckFailed         EventType = "health_check_failed"
	EventConnectionRecovered EventType = "connection_recovered"
	EventConnectionDegraded  EventType = "connection_degraded"
	EventConnectionLost      EventType = "connection_lost"
)

// Event is emitted after a check or a state transition.
type Event struct {
	Type         EventType            `json:"type"`
	ConnectionID string               `json:"connection_id"`
	Timestamp    time.Time            `json:"timestamp"`
	ResponseTime time.Duration        `json:"response_time"`
	Error        string               `json:"error,omitempty"`
	Previous     pool.ConnectionState `json:"previous,omitempty"`
	Current      pool.ConnectionState `json:"current"`
}

// Handler receives events.
type Handler func(Event)

// emitter dispatches events synchronously to every subscriber. A panicking
// handler is logged and does not stop the others.
type emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	logger   *slog.Logger
}

func newEmitter(logger *slog.Logger) *emitter {
	return &emitter{handlers: make(map[EventType][]Handler), logger: logger}
}

func (e *emitter) on(event EventType, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

func (e *emitter) emit(event Event) {
	e.mu.RLock()
	handlers := append([]Handler(nil), e.handlers[event.Type]...)
	e.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("health event handler panicked",
						"event", string(event.Type),
						"connection", event.ConnectionID,
						"panic", r)
				}
			}()
			h(event)
		}()
	}
}
