// Package bus is the in-process event system. The orchestrator publishes
// request phases, conversation snapshots and notifications here; the status
// tracker, websocket feed, CLI renderer and metrics subscribe.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Event represents a system event for internal pub/sub.
type Event struct {
	Type           string // e.g. "phase.changed", "conversation.updated"
	Source         string // originating component
	ConversationID string
	Payload        any
	Timestamp      time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// RetainedEvents are the event types kept in history by default. They are
// small status events a late subscriber needs to catch up; conversation
// snapshots are never kept.
var RetainedEvents = []string{
	EventPhaseChanged,
	EventNotification,
	EventToolExecuted,
	EventToolsReloaded,
}

// EventBus provides a topic-based publish/subscribe event system.
// It supports wildcard subscriptions and replay of retained event types.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	retained   map[string]bool
	history    []Event
	maxHistory int
	nextID     atomic.Uint64
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	eb := &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		retained:   make(map[string]bool),
		maxHistory: 1000,
	}
	eb.Retain(RetainedEvents...)
	return eb
}

// Retain adds event types to the replay history.
func (eb *EventBus) Retain(types ...string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, t := range types {
		eb.retained[t] = true
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	id := eventType + "-" + strconv.FormatUint(eb.nextID.Add(1), 10)
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers.
// Handlers are called synchronously in registration order.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if eb.retained[event.Type] {
		if len(eb.history) >= eb.maxHistory {
			eb.history = eb.history[1:]
		}
		eb.history = append(eb.history, event)
	}

	var handlers []namedHandler
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns retained events matching the given type since the given
// time. Use "*" for all retained types.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// --- Well-known event types ---
const (
	EventPhaseChanged        = "phase.changed"
	EventConversationUpdated = "conversation.updated"
	EventNotification        = "notification"
	EventToolExecuted        = "tool.executed"
	EventContextsRetrieved   = "contexts.retrieved"
	EventStreamFinished      = "stream.finished"
	EventMessageLogged       = "message.logged"
	EventToolsReloaded       = "tools.reloaded"
)
