package agent

import (
	"coursechat/internal/bus"
)

const errorCallingLLM = "Error calling LLM"

// Notification is a transient, toast-style message for the user.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
	Error   bool   `json:"error"`
}

// Notifier delivers notifications to whoever is presenting the conversation.
type Notifier interface {
	Notify(conversationID string, n Notification)
}

// BusNotifier publishes notifications as bus.EventNotification.
type BusNotifier struct {
	Bus *bus.EventBus
}

func (b BusNotifier) Notify(conversationID string, n Notification) {
	b.Bus.Emit(bus.Event{
		Type:           bus.EventNotification,
		Source:         "agent",
		ConversationID: conversationID,
		Payload:        n,
	})
}
