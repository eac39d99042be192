package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore persists whole conversations.
type ConversationStore interface {
	UpdateConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, courseName string, limit int) ([]Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
}

// MessageLogEntry is what the message loggers record once an answer is complete.
type MessageLogEntry struct {
	ConversationID string    `json:"conversation_id"`
	CourseName     string    `json:"course_name"`
	Model          string    `json:"model"`
	UserMessage    string    `json:"user_message"`
	Answer         string    `json:"answer"`
	ContextCount   int       `json:"context_count"`
	ToolCount      int       `json:"tool_count"`
	LatencyMs      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}
