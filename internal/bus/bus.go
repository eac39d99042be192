package bus

import (
	"log/slog"
	"sync"
	"time"
)

const deliverTimeout = 10 * time.Second

// Subscription is a buffered, channel-based view of an EventBus for
// consumers that run in their own goroutine (websocket clients, the CLI).
type Subscription struct {
	bus    *EventBus
	ch     chan Event
	ids    map[string]string // handler id -> event type
	types  []string
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
}

// Subscribe returns a subscription receiving the given event types ("*" for
// all). Delivery waits up to 10 seconds for a full buffer before dropping.
func (eb *EventBus) Subscribe(bufferSize int, types ...string) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if len(types) == 0 {
		types = []string{"*"}
	}
	s := &Subscription{
		bus:     eb,
		ch:      make(chan Event, bufferSize),
		ids:     make(map[string]string, len(types)),
		types:   types,
		logger:  eb.logger,
		timeout: deliverTimeout,
	}
	for _, t := range types {
		s.ids[eb.On(t, s.deliver)] = t
	}
	return s
}

// C is the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) deliver(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- e:
	default:
		s.logger.Warn("subscription buffer full, waiting...", "event", e.Type)
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		select {
		case s.ch <- e:
		case <-timer.C:
			s.logger.Error("event dropped: subscriber full", "event", e.Type, "wait", s.timeout)
		}
	}
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	for id, t := range s.ids {
		s.bus.Off(t, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
