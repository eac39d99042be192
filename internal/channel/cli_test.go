package channel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursechat/internal/agent"
	"coursechat/internal/bus"
	"coursechat/internal/domain"
)

// scriptedSender publishes the given answer snapshots the way the
// orchestrator does, then returns.
type scriptedSender struct {
	bus       *bus.EventBus
	snapshots []string
	toast     *agent.Notification
	err       error
	cancelled bool
	got       []agent.SendRequest
}

func (s *scriptedSender) Bus() *bus.EventBus { return s.bus }

func (s *scriptedSender) Send(ctx context.Context, req agent.SendRequest) (agent.SendResult, error) {
	s.got = append(s.got, req)
	conv := req.Conversation.Clone()
	s.bus.Emit(bus.Event{Type: bus.EventPhaseChanged, ConversationID: conv.ID, Payload: agent.PhaseEvent{Phase: agent.PhaseLoading}})
	for _, text := range s.snapshots {
		snap := conv.Clone()
		snap.Messages = append(snap.Messages, domain.Message{ID: "a1", Role: domain.RoleAssistant, Content: text})
		s.bus.Emit(bus.Event{Type: bus.EventConversationUpdated, ConversationID: conv.ID, Payload: snap})
	}
	if s.toast != nil {
		s.bus.Emit(bus.Event{Type: bus.EventNotification, ConversationID: conv.ID, Payload: *s.toast})
	}
	if len(s.snapshots) > 0 {
		conv.Messages = append(conv.Messages, domain.Message{ID: "a1", Role: domain.RoleAssistant, Content: s.snapshots[len(s.snapshots)-1]})
	}
	return agent.SendResult{Conversation: conv, Cancelled: s.cancelled}, s.err
}

func newTestCLI(t *testing.T, sender *scriptedSender, input string) (*CLI, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	state := &agent.ChatState{Conversation: domain.Conversation{ID: "c1", CourseName: "cs101"}}
	cli := NewCLI(CLIConfig{
		Sender:   sender,
		Sessions: agent.NewSessionManager(nil, discardLogger()),
		Commands: &agent.Commands{},
		State:    state,
		Key:      "course-key",
		Logger:   discardLogger(),
		In:       strings.NewReader(input),
		Out:      out,
	})
	return cli, out
}

func TestCLI_PrintsStreamedAnswer(t *testing.T) {
	sender := &scriptedSender{
		bus:       bus.NewEventBus(discardLogger()),
		snapshots: []string{"A stack ", "A stack is LIFO", "A stack is LIFO [1](https://cs101.example.edu/notes.pdf)."},
	}
	cli, out := newTestCLI(t, sender, "what is a stack?\n/groups week3\nand a queue?\n")

	require.NoError(t, cli.Start(context.Background()))

	text := out.String()
	assert.Equal(t, 2, strings.Count(text, "--- answer ---"))
	assert.Contains(t, text, "A stack is LIFO [1](https://cs101.example.edu/notes.pdf).")
	assert.Equal(t, 2, strings.Count(text, "A stack "), "each snapshot should print only its new text")

	require.Len(t, sender.got, 2)
	first := sender.got[0]
	assert.Equal(t, "course-key", first.Key)
	assert.Equal(t, "what is a stack?", first.Conversation.Messages[0].Content)

	second := sender.got[1]
	assert.Equal(t, []string{"week3"}, second.DocGroups)
	require.Len(t, second.Conversation.Messages, 3, "history carries the previous answer")
	assert.Equal(t, "and a queue?", second.Conversation.Messages[2].Content)
}

func TestCLI_RewrittenAnswerIsPrintedAgain(t *testing.T) {
	sender := &scriptedSender{
		bus:       bus.NewEventBus(discardLogger()),
		snapshots: []string{"See 1", "See [1](https://x.edu/a.pdf)"},
	}
	cli, out := newTestCLI(t, sender, "q\n")
	require.NoError(t, cli.Start(context.Background()))
	assert.Contains(t, out.String(), "See [1](https://x.edu/a.pdf)")
}

func TestCLI_ToastsAndOutcomes(t *testing.T) {
	sender := &scriptedSender{
		bus:   bus.NewEventBus(discardLogger()),
		toast: &agent.Notification{Title: "Error calling LLM", Message: "rate limited", Code: 429, Error: true},
		err:   errors.New("routing endpoint: 429"),
	}
	cli, out := newTestCLI(t, sender, "hello\n")
	require.NoError(t, cli.Start(context.Background()))
	assert.Contains(t, out.String(), "! Error calling LLM: rate limited (429)")

	sender = &scriptedSender{bus: bus.NewEventBus(discardLogger()), snapshots: []string{"partial"}, cancelled: true}
	cli, out = newTestCLI(t, sender, "hello\n")
	require.NoError(t, cli.Start(context.Background()))
	assert.Contains(t, out.String(), "(stopped)")
}

func TestCLI_CommandsAndQuit(t *testing.T) {
	sender := &scriptedSender{bus: bus.NewEventBus(discardLogger())}
	cli, out := newTestCLI(t, sender, "/help\n/quit\nnever sent\n")
	require.NoError(t, cli.Start(context.Background()))

	assert.Contains(t, out.String(), "/groups")
	assert.Contains(t, out.String(), "Bye.")
	assert.Empty(t, sender.got)
}

func TestCLI_SpinnerStopsBeforeAnswer(t *testing.T) {
	sender := &scriptedSender{bus: bus.NewEventBus(discardLogger()), snapshots: []string{"done"}}
	cli, out := newTestCLI(t, sender, "q\n")
	cli.spinner = true
	require.NoError(t, cli.Start(context.Background()))

	text := out.String()
	if i := strings.LastIndex(text, "Thinking..."); i >= 0 {
		assert.Less(t, i, strings.Index(text, "done"), "spinner must not draw over the answer")
	}
}
