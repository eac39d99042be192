package agent

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"coursechat/internal/domain"
)

func TestGenerateTitle_Normal(t *testing.T) {
	title := generateTitle("Hello, how are you doing today?")
	if title == "" || title == "New conversation" {
		t.Fatalf("expected meaningful title, got %q", title)
	}
	if title != "Hello, how are you doing today?" {
		t.Fatalf("short message should be used as-is, got %q", title)
	}
}

func TestGenerateTitle_Empty(t *testing.T) {
	title := generateTitle("")
	if title != "New conversation" {
		t.Fatalf("expected 'New conversation', got %q", title)
	}
}

func TestGenerateTitle_Whitespace(t *testing.T) {
	title := generateTitle("   ")
	if title != "New conversation" {
		t.Fatalf("expected 'New conversation' for whitespace, got %q", title)
	}
}

func TestGenerateTitle_LongMessage(t *testing.T) {
	long := "This is a very long message that exceeds the sixty character limit and should be truncated with an ellipsis"
	title := generateTitle(long)
	if len(title) > 70 {
		t.Fatalf("title too long: %d chars: %q", len(title), title)
	}
	if title[len(title)-3:] != "..." {
		t.Fatalf("expected ellipsis at end, got %q", title)
	}
}

func TestGenerateTitle_Multiline(t *testing.T) {
	title := generateTitle("First line\nSecond line\nThird line")
	if title != "First line" {
		t.Fatalf("expected only first line, got %q", title)
	}
}

func TestGenerateTitle_ExactlyAtLimit(t *testing.T) {
	// 60 characters exactly, should not truncate
	msg := "123456789012345678901234567890123456789012345678901234567890"
	title := generateTitle(msg)
	if title != msg {
		t.Fatalf("60-char message should be kept as-is, got %q (len %d)", title, len(title))
	}
}

func TestGenerateTitle_61Chars(t *testing.T) {
	// 61 chars, should truncate
	msg := "This is exactly sixty one characters long with spaces in it.!"
	title := generateTitle(msg)
	if len(title) > 65 { // some buffer for "..."
		t.Fatalf("61-char message should be truncated, got len=%d: %q", len(title), title)
	}
}

type sessionStore struct {
	memStore
	convs   map[string]domain.Conversation
	deleted []string
}

func (s *sessionStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	c, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	return &c, nil
}

func (s *sessionStore) ListConversations(_ context.Context, course string, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	for _, c := range s.convs {
		if course == "" || c.CourseName == course {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *sessionStore) DeleteConversation(_ context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func TestSessionManager_GetOrCreate(t *testing.T) {
	store := &sessionStore{convs: map[string]domain.Conversation{
		"c1": {ID: "c1", CourseName: "cs101", Name: "Recursion"},
	}}
	sm := NewSessionManager(store, quietLogger())
	ctx := context.Background()

	got, err := sm.GetOrCreate(ctx, "c1", "cs101", domain.ModelDescriptor{ID: "m"})
	if err != nil || got.Name != "Recursion" {
		t.Fatalf("expected stored conversation, got %+v %v", got, err)
	}

	fresh, err := sm.GetOrCreate(ctx, "c2", "ece120", domain.ModelDescriptor{ID: "llama3.1:8b"})
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID != "c2" || fresh.CourseName != "ece120" || fresh.Model.ID != "llama3.1:8b" || fresh.Name != "New conversation" {
		t.Fatalf("unexpected new conversation %+v", fresh)
	}

	anon, _ := sm.GetOrCreate(ctx, "", "cs101", domain.ModelDescriptor{})
	if anon.ID == "" {
		t.Fatal("empty id should get a generated id")
	}

	sm.Clear(ctx, "c1")
	if len(store.deleted) != 1 || store.deleted[0] != "c1" {
		t.Fatalf("expected c1 deleted, got %v", store.deleted)
	}
}

func TestSessionManager_AppendUserMessage(t *testing.T) {
	sm := NewSessionManager(nil, quietLogger())
	conv := domain.Conversation{Name: "New conversation"}

	m := sm.AppendUserMessage(&conv, "What does this circuit do?", []string{"https://img.example.edu/a.png"})
	if len(conv.Messages) != 1 || m.ID == "" || !m.HasImages() || m.Text() != "What does this circuit do?" {
		t.Fatalf("unexpected message %+v", m)
	}
	if conv.Name != "What does this circuit do?" {
		t.Fatalf("title not set: %q", conv.Name)
	}

	sm.AppendUserMessage(&conv, "And this one?", nil)
	if conv.Messages[1].Content != "And this one?" || conv.Name != "What does this circuit do?" {
		t.Fatalf("second message must not rename: %+v", conv)
	}
}
