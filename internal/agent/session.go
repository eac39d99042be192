package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"coursechat/internal/domain"

	"github.com/google/uuid"
)

const defaultTitle = "New conversation"

// SessionManager loads and starts conversations for interactive clients.
type SessionManager struct {
	store  domain.ConversationStore
	logger *slog.Logger
	mu     sync.Mutex
	newID  func() string
}

func NewSessionManager(store domain.ConversationStore, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{store: store, logger: logger, newID: uuid.NewString}
}

// GetOrCreate returns the stored conversation with id, or a new empty one for
// course and model when none exists. A new conversation is not stored until
// its first send completes. An empty id always starts a new conversation.
func (sm *SessionManager) GetOrCreate(ctx context.Context, id, course string, model domain.ModelDescriptor) (domain.Conversation, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if id != "" && sm.store != nil {
		conv, err := sm.store.GetConversation(ctx, id)
		if err == nil {
			return *conv, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Conversation{}, err
		}
	}
	if id == "" {
		id = sm.newID()
	}

	sm.logger.Info("created new conversation", "conversation", id, "course", course, "model", model.ID)
	now := time.Now().UTC()
	return domain.Conversation{
		ID:         id,
		Name:       defaultTitle,
		CourseName: course,
		Model:      model,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// AppendUserMessage adds a user message with optional images to conv and
// names the conversation after its first question.
func (sm *SessionManager) AppendUserMessage(conv *domain.Conversation, text string, images []string) domain.Message {
	msg := domain.Message{
		ID:        sm.newID(),
		Role:      domain.RoleUser,
		CreatedAt: time.Now().UTC(),
	}
	if len(images) == 0 {
		msg.Content = text
	} else {
		if text != "" {
			msg.Parts = append(msg.Parts, domain.ContentPart{Type: domain.ContentText, Text: text})
		}
		for _, img := range images {
			msg.Parts = append(msg.Parts, domain.ContentPart{Type: domain.ContentImageURL, ImageURL: img})
		}
	}
	conv.Messages = append(conv.Messages, msg)
	if conv.Name == "" || conv.Name == defaultTitle {
		conv.Name = generateTitle(text)
	}
	return msg
}

func generateTitle(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return defaultTitle
	}
	if idx := strings.IndexAny(msg, "\n\r"); idx > 0 {
		msg = msg[:idx]
	}
	if len(msg) > 60 {
		cut := strings.LastIndex(msg[:60], " ")
		if cut < 20 {
			cut = 60
		}
		msg = msg[:cut] + "..."
	}
	return msg
}

// Clear deletes a stored conversation so the next GetOrCreate starts fresh.
func (sm *SessionManager) Clear(ctx context.Context, id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.store == nil {
		return
	}
	if err := sm.store.DeleteConversation(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		sm.logger.Warn("failed to clear conversation", "conversation", id, "err", err)
		return
	}
	sm.logger.Info("conversation cleared", "conversation", id)
}

// Recent lists the latest conversations of a course.
func (sm *SessionManager) Recent(ctx context.Context, course string, limit int) ([]domain.Conversation, error) {
	if sm.store == nil {
		return nil, nil
	}
	return sm.store.ListConversations(ctx, course, limit)
}
