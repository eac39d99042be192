package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var received int32
	eb.On("test.event", func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: "test.event", Payload: map[string]any{"key": "value"}})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: "event.a"})
	eb.Emit(Event{Type: "event.b"})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	id := eb.On("test.event", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: "test.event"})
	eb.Off("test.event", id)
	eb.Emit(Event{Type: "test.event"})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.Retain("a", "b")

	eb.Emit(Event{Type: "a"})
	eb.Emit(Event{Type: "b"})
	eb.Emit(Event{Type: "a"})

	events := eb.Replay("a", time.Time{})
	if len(events) != 2 {
		t.Errorf("expected 2 'a' events, got %d", len(events))
	}

	allEvents := eb.Replay("*", time.Time{})
	if len(allEvents) != 3 {
		t.Errorf("expected 3 total events, got %d", len(allEvents))
	}
}

func TestEventBus_ReplaySince(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.Retain("old", "new")

	eb.Emit(Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: "new"})

	events := eb.Replay("*", threshold)
	if len(events) != 1 {
		t.Errorf("expected 1 event since threshold, got %d", len(events))
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.Retain("test")
	eb.maxHistory = 5

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: "test"})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_HistorySkipsSnapshots(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var delivered int32
	eb.On(EventConversationUpdated, func(e Event) { atomic.AddInt32(&delivered, 1) })
	for i := 0; i < 500; i++ {
		eb.Emit(Event{Type: EventConversationUpdated, Payload: make([]byte, 1024)})
	}
	eb.Emit(Event{Type: EventPhaseChanged, ConversationID: "c1"})

	if delivered != 500 {
		t.Errorf("expected 500 deliveries, got %d", delivered)
	}
	if eb.HistoryLen() != 1 {
		t.Errorf("expected only the phase event in history, got %d", eb.HistoryLen())
	}
	if got := eb.Replay("*", time.Time{}); len(got) != 1 || got[0].Type != EventPhaseChanged {
		t.Errorf("unexpected replay %+v", got)
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.On("panic", func(e Event) {
		panic("test panic")
	})

	// Should not panic the caller
	eb.Emit(Event{Type: "panic"})
}

func TestEventBus_MultipleHandlers(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On("test", func(e Event) { atomic.AddInt32(&count, 1) })
	eb.On("test", func(e Event) { atomic.AddInt32(&count, 1) })
	eb.On("test", func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: "test"})

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("expected 3 handlers called, got %d", count)
	}
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.Retain("test")

	before := time.Now()
	eb.Emit(Event{Type: "test"})

	events := eb.Replay("test", before.Add(-time.Second))
	if len(events) == 0 {
		t.Fatal("expected at least 1 event")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}

func TestEventBus_OffAfterOffKeepsOtherHandlers(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var a, b int32
	idA := eb.On("x", func(Event) { atomic.AddInt32(&a, 1) })
	eb.On("x", func(Event) { atomic.AddInt32(&b, 1) })
	eb.Off("x", idA)
	idC := eb.On("x", func(Event) {})
	if idC == idA {
		t.Fatalf("handler ids must be unique, got %q twice", idA)
	}

	eb.Emit(Event{Type: "x"})
	if atomic.LoadInt32(&a) != 0 || atomic.LoadInt32(&b) != 1 {
		t.Errorf("unexpected counts a=%d b=%d", a, b)
	}
}

func TestSubscription_ReceivesSelectedTypes(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	sub := eb.Subscribe(4, EventPhaseChanged, EventNotification)

	eb.Emit(Event{Type: EventPhaseChanged, Payload: "loading"})
	eb.Emit(Event{Type: EventConversationUpdated})
	eb.Emit(Event{Type: EventNotification, Payload: "toast"})

	got := []string{(<-sub.C()).Type, (<-sub.C()).Type}
	if got[0] != EventPhaseChanged || got[1] != EventNotification {
		t.Fatalf("unexpected events %v", got)
	}

	sub.Close()
	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed")
	}
	// Emitting after Close must not panic.
	eb.Emit(Event{Type: EventPhaseChanged})
}

func TestSubscription_DropsWhenFull(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	sub := eb.Subscribe(1)
	sub.timeout = 10 * time.Millisecond
	defer sub.Close()

	eb.Emit(Event{Type: "a"})
	eb.Emit(Event{Type: "b"})

	if e := <-sub.C(); e.Type != "a" {
		t.Fatalf("expected a, got %s", e.Type)
	}
	select {
	case e := <-sub.C():
		t.Fatalf("expected b to be dropped, got %s", e.Type)
	default:
	}
}
