package agent

import (
	"sync"

	"coursechat/internal/bus"
)

// Phase is one step of handling a send, published on the event bus as it
// is entered.
type Phase string

const (
	PhaseLoading      Phase = "loading"
	PhaseImageToText  Phase = "image_to_text"
	PhaseRetrieving   Phase = "retrieving"
	PhaseRouting      Phase = "routing"
	PhaseRunningTools Phase = "running_tools"
	PhaseModelLoading Phase = "model_loading"
	PhaseStreaming    Phase = "streaming"
	PhaseCompleted    Phase = "completed"
	PhaseCancelled    Phase = "cancelled"
	PhaseFailed       Phase = "failed"
)

// Terminal reports whether no further phases follow p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseFailed
}

// PhaseEvent is the payload of bus.EventPhaseChanged.
type PhaseEvent struct {
	Phase Phase  `json:"phase"`
	Step  string `json:"step,omitempty"` // the side call that failed, when Phase is failed
	Err   string `json:"error,omitempty"`
}

// Status is the set of flags a presentation layer renders.
type Status struct {
	Phase             Phase
	IsLoading         bool
	IsStreaming       bool
	IsImg2TextLoading bool
	IsRetrieving      bool
	IsRouting         bool
	IsRunningTool     bool
	IsModelLoading    bool
}

// StatusTracker derives Status from phase events for one conversation, or
// for all conversations when the id is empty.
type StatusTracker struct {
	mu             sync.RWMutex
	status         Status
	conversationID string
	bus            *bus.EventBus
	handlerID      string
}

func NewStatusTracker(eb *bus.EventBus, conversationID string) *StatusTracker {
	t := &StatusTracker{bus: eb, conversationID: conversationID}
	t.handlerID = eb.On(bus.EventPhaseChanged, t.observe)
	return t
}

func (t *StatusTracker) observe(e bus.Event) {
	if t.conversationID != "" && e.ConversationID != t.conversationID {
		return
	}
	pe, ok := e.Payload.(PhaseEvent)
	if !ok {
		return
	}
	t.mu.Lock()
	t.status = statusFor(pe.Phase)
	t.mu.Unlock()
}

func statusFor(p Phase) Status {
	s := Status{Phase: p}
	if p.Terminal() {
		return s
	}
	s.IsLoading = p != PhaseStreaming
	switch p {
	case PhaseImageToText:
		s.IsImg2TextLoading = true
	case PhaseRetrieving:
		s.IsRetrieving = true
	case PhaseRouting:
		s.IsRouting = true
	case PhaseRunningTools:
		s.IsRunningTool = true
	case PhaseModelLoading:
		s.IsModelLoading = true
	case PhaseStreaming:
		s.IsStreaming = true
	}
	return s
}

func (t *StatusTracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Close stops tracking.
func (t *StatusTracker) Close() {
	t.bus.Off(bus.EventPhaseChanged, t.handlerID)
}
