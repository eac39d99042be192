package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"coursechat/internal/domain"
)

func TestParseCommand(t *testing.T) {
	if ParseCommand("What is recursion?") != nil {
		t.Fatal("plain text is not a command")
	}
	cmd := ParseCommand("  /Groups lectures homework ")
	if cmd == nil || cmd.Name != "groups" || len(cmd.Args) != 2 || cmd.Args[1] != "homework" {
		t.Fatalf("unexpected command %+v", cmd)
	}
}

type fakeLocal struct {
	loaded []string
}

func (f *fakeLocal) Models() []string        { return []string{"llama3.1:8b"} }
func (f *fakeLocal) Known(model string) bool { return model == "llama3.1:8b" }
func (f *fakeLocal) Load(model string) error {
	f.loaded = append(f.loaded, model)
	return nil
}
func (f *fakeLocal) Loading(model string) bool { return len(f.loaded) > 0 }

func TestCommands_StateChanges(t *testing.T) {
	local := &fakeLocal{}
	c := &Commands{
		Sessions: NewSessionManager(nil, quietLogger()),
		Local:    local,
		Tools:    staticDefs{{Name: "course_calendar", Description: "deadlines"}},
	}
	st := &ChatState{Conversation: domain.Conversation{
		ID: "c1", CourseName: "cs101",
		Model:    domain.ModelDescriptor{ID: "gpt-4o-mini"},
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	}}
	ctx := context.Background()
	run := func(text string) CommandResult {
		t.Helper()
		res := c.Handle(ctx, ParseCommand(text), st)
		if !res.Handled {
			t.Fatalf("%s not handled", text)
		}
		return res
	}

	if res := run("/model llama3.1:8b"); !strings.HasSuffix(res.Response, "(loading)") {
		t.Fatalf("local model should start warming, got %q", res.Response)
	}
	if st.Conversation.Model.ID != "llama3.1:8b" || len(local.loaded) != 1 {
		t.Fatalf("model not switched or not warmed: %+v %v", st.Conversation.Model, local.loaded)
	}
	run("/model gpt-4o-mini openai")
	if len(local.loaded) != 1 {
		t.Fatal("hosted models are not warmed locally")
	}
	run("/groups lectures")
	if len(st.DocGroups) != 1 || st.DocGroups[0] != "lectures" {
		t.Fatalf("groups not set: %v", st.DocGroups)
	}
	run("/groups all")
	if st.DocGroups != nil {
		t.Fatalf("groups not cleared: %v", st.DocGroups)
	}
	run("/plugin")
	if st.Mode != ModePlugin {
		t.Fatal("plugin mode not set")
	}
	run("/plugin off")
	if st.Mode != "" {
		t.Fatal("plugin mode not cleared")
	}
	if res := run("/tools"); !strings.Contains(res.Response, "course_calendar") {
		t.Fatalf("unexpected tools text %q", res.Response)
	}
	if res := run("/models"); !strings.Contains(res.Response, "llama3.1:8b (loading)") {
		t.Fatalf("unexpected models text %q", res.Response)
	}

	run("/new")
	if st.Conversation.ID == "c1" || len(st.Conversation.Messages) != 0 || st.Conversation.CourseName != "cs101" {
		t.Fatalf("expected a fresh cs101 conversation, got %+v", st.Conversation)
	}
	if !run("/quit").Quit {
		t.Fatal("quit should end the chat")
	}
	if res := c.Handle(ctx, ParseCommand("/unknown"), st); res.Handled {
		t.Fatal("unknown command should pass through")
	}
}

func TestCommands_HistoryAndResume(t *testing.T) {
	now := time.Now()
	store := &sessionStore{convs: map[string]domain.Conversation{
		"old":   {ID: "old", CourseName: "cs101", Name: "Pointers", UpdatedAt: now.Add(-time.Hour), Messages: []domain.Message{{Role: domain.RoleUser, Content: "q"}, {Role: domain.RoleAssistant, Content: "a"}}},
		"new":   {ID: "new", CourseName: "cs101", Name: "Recursion", UpdatedAt: now, Messages: []domain.Message{{Role: domain.RoleUser, Content: "q"}}},
		"other": {ID: "other", CourseName: "ece120", Name: "Gates", UpdatedAt: now, Messages: []domain.Message{{Role: domain.RoleUser, Content: "q"}}},
	}}
	c := &Commands{Sessions: NewSessionManager(store, quietLogger())}
	st := &ChatState{Conversation: domain.Conversation{ID: "new", CourseName: "cs101", Model: domain.ModelDescriptor{ID: "m"}}}
	ctx := context.Background()

	res := c.Handle(ctx, ParseCommand("/history"), st)
	if !strings.Contains(res.Response, "* new") || !strings.Contains(res.Response, "Pointers (2 messages)") {
		t.Fatalf("unexpected history %q", res.Response)
	}
	if strings.Contains(res.Response, "Gates") {
		t.Fatal("history is per course")
	}
	if res := c.Handle(ctx, ParseCommand("/history 1"), st); strings.Contains(res.Response, "Pointers") {
		t.Fatalf("limit ignored: %q", res.Response)
	}
	if res := c.Handle(ctx, ParseCommand("/history zero"), st); !strings.HasPrefix(res.Response, "Usage") {
		t.Fatalf("bad count should show usage, got %q", res.Response)
	}

	c.Handle(ctx, ParseCommand("/resume old"), st)
	if st.Conversation.ID != "old" || len(st.Conversation.Messages) != 2 {
		t.Fatalf("not resumed: %+v", st.Conversation)
	}
	if res := c.Handle(ctx, ParseCommand("/resume other"), st); !strings.Contains(res.Response, "belongs to ece120") || st.Conversation.ID != "old" {
		t.Fatalf("cross-course resume allowed: %q", res.Response)
	}
	if res := c.Handle(ctx, ParseCommand("/resume missing"), st); !strings.Contains(res.Response, "No stored conversation") {
		t.Fatalf("unexpected %q", res.Response)
	}

	bare := &Commands{Sessions: NewSessionManager(nil, quietLogger())}
	if res := bare.Handle(ctx, ParseCommand("/history"), st); res.Response != "No stored conversations for cs101." {
		t.Fatalf("unexpected %q", res.Response)
	}
}
