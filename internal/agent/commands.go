package agent

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"coursechat/internal/domain"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text response to show
	Handled  bool   // true if the command was handled (don't send to the model)
	Quit     bool
}

// ChatState is what an interactive client keeps between sends.
type ChatState struct {
	Conversation domain.Conversation
	DocGroups    []string
	Mode         string
}

// startTime records when the process started for /status.
var startTime = time.Now()

// version is set by the build system. Default fallback.
var version = "0.1.0"

// SetVersion sets the version string used by commands.
func SetVersion(v string) {
	version = v
}

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}
	return &ChatCommand{
		Name: strings.ToLower(strings.TrimPrefix(parts[0], "/")),
		Args: parts[1:],
		Raw:  text,
	}
}

// LocalModels is the part of the local engine chat commands use.
type LocalModels interface {
	Models() []string
	Known(model string) bool
	Load(model string) error
	Loading(model string) bool
}

// Commands handles chat commands for interactive clients.
type Commands struct {
	Sessions *SessionManager
	Status   *StatusTracker
	Local    LocalModels // may be nil
	Tools    ToolCatalog // may be nil
}

// Handle processes cmd against st. Unknown commands come back unhandled so
// the text is sent to the model as a normal message.
func (c *Commands) Handle(ctx context.Context, cmd *ChatCommand, st *ChatState) CommandResult {
	switch cmd.Name {
	case "help":
		return handled(helpText())

	case "new", "clear":
		if c.Sessions != nil {
			c.Sessions.Clear(ctx, st.Conversation.ID)
			conv, err := c.Sessions.GetOrCreate(ctx, "", st.Conversation.CourseName, st.Conversation.Model)
			if err != nil {
				return handled("Could not start a new conversation: " + err.Error())
			}
			st.Conversation = conv
		}
		return handled("Conversation cleared. Starting fresh.")

	case "model":
		if len(cmd.Args) == 0 {
			m := st.Conversation.Model
			if m.Provider != "" {
				return handled(fmt.Sprintf("Current model: %s (%s)", m.ID, m.Provider))
			}
			return handled("Current model: " + m.ID)
		}
		st.Conversation.Model = domain.ModelDescriptor{ID: cmd.Args[0]}
		if len(cmd.Args) > 1 {
			st.Conversation.Model.Provider = cmd.Args[1]
		}
		if c.Local != nil && c.Local.Known(cmd.Args[0]) {
			// warm it now so the next send does not wait for the load
			if err := c.Local.Load(cmd.Args[0]); err != nil {
				return handled(fmt.Sprintf("Model set to %s (warm-up failed: %v)", cmd.Args[0], err))
			}
			return handled("Model set to " + cmd.Args[0] + " (loading)")
		}
		return handled("Model set to " + cmd.Args[0])

	case "models":
		return handled(c.modelsText())

	case "history":
		limit := defaultHistoryItems
		if len(cmd.Args) > 0 {
			n, err := strconv.Atoi(cmd.Args[0])
			if err != nil || n < 1 {
				return handled("Usage: /history [count]")
			}
			limit = n
		}
		return handled(c.historyText(ctx, st, limit))

	case "resume":
		if len(cmd.Args) != 1 {
			return handled("Usage: /resume <conversation id>")
		}
		return handled(c.resume(ctx, cmd.Args[0], st))

	case "groups":
		if len(cmd.Args) == 0 {
			if len(st.DocGroups) == 0 {
				return handled("Searching all document groups.")
			}
			return handled("Document groups: " + strings.Join(st.DocGroups, ", "))
		}
		if len(cmd.Args) == 1 && cmd.Args[0] == "all" {
			st.DocGroups = nil
			return handled("Searching all document groups.")
		}
		st.DocGroups = append([]string(nil), cmd.Args...)
		return handled("Document groups: " + strings.Join(st.DocGroups, ", "))

	case "plugin":
		if len(cmd.Args) > 0 && cmd.Args[0] == "off" {
			st.Mode = ""
			return handled("Streaming answers.")
		}
		st.Mode = ModePlugin
		return handled("Plugin mode: answers arrive in one piece.")

	case "tools":
		return handled(c.toolsText(st.Conversation.CourseName))

	case "status":
		return handled(c.statusText(st))

	case "quit", "exit":
		return CommandResult{Response: "Bye.", Handled: true, Quit: true}

	default:
		return CommandResult{Handled: false}
	}
}

func handled(s string) CommandResult {
	return CommandResult{Response: s, Handled: true}
}

func helpText() string {
	return `Commands

/help              Show this help message
/new               Start a new conversation
/model [id [prov]] Show or change the model
/models            List locally served models
/history [n]       List recent conversations of this course
/resume <id>       Continue a stored conversation
/groups [g ...|all] Restrict retrieval to document groups
/plugin [off]      Toggle single-response mode
/tools             List tools enabled for this course
/status            Show the current send status
/quit              Leave the chat

While an answer streams, press Ctrl+C to stop it.`
}

func (c *Commands) modelsText() string {
	if c.Local == nil {
		return "No local engine configured."
	}
	models := c.Local.Models()
	if len(models) == 0 {
		return "No local models configured."
	}
	var sb strings.Builder
	sb.WriteString("Local models:")
	for _, m := range models {
		sb.WriteString("\n  " + m)
		if c.Local.Loading(m) {
			sb.WriteString(" (loading)")
		}
	}
	return sb.String()
}

const defaultHistoryItems = 10

func (c *Commands) historyText(ctx context.Context, st *ChatState, limit int) string {
	if c.Sessions == nil {
		return "Conversation history is not stored."
	}
	course := st.Conversation.CourseName
	convs, err := c.Sessions.Recent(ctx, course, limit)
	if err != nil {
		return "Could not list conversations: " + err.Error()
	}
	if len(convs) == 0 {
		return "No stored conversations for " + course + "."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Recent conversations for %s\n", course)
	for _, conv := range convs {
		marker := " "
		if conv.ID == st.Conversation.ID {
			marker = "*"
		}
		fmt.Fprintf(&sb, "%s %s  %s  %s (%d messages)\n", marker, conv.ID,
			conv.UpdatedAt.Local().Format("Jan 02 15:04"), conv.Name, len(conv.Messages))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// resume switches st to a stored conversation of the same course.
func (c *Commands) resume(ctx context.Context, id string, st *ChatState) string {
	if c.Sessions == nil || c.Sessions.store == nil {
		return "Conversation history is not stored."
	}
	conv, err := c.Sessions.GetOrCreate(ctx, id, st.Conversation.CourseName, st.Conversation.Model)
	if err != nil {
		return "Could not load conversation: " + err.Error()
	}
	if len(conv.Messages) == 0 {
		return "No stored conversation " + id + "."
	}
	if conv.CourseName != st.Conversation.CourseName {
		return fmt.Sprintf("Conversation %s belongs to %s.", id, conv.CourseName)
	}
	st.Conversation = conv
	return fmt.Sprintf("Resumed %q (%d messages).", conv.Name, len(conv.Messages))
}

func (c *Commands) toolsText(course string) string {
	if c.Tools == nil {
		return "No tools configured."
	}
	defs := c.Tools.Definitions(course)
	if len(defs) == 0 {
		return "No tools enabled for " + course + "."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tools for %s (%d)\n", course, len(defs))
	for _, d := range defs {
		fmt.Fprintf(&sb, "  %s: %s\n", d.Name, d.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (c *Commands) statusText(st *ChatState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "coursechat v%s (%s/%s, Go %s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
	fmt.Fprintf(&sb, "Course: %s\n", st.Conversation.CourseName)
	fmt.Fprintf(&sb, "Conversation: %s (%d messages)\n", st.Conversation.ID, len(st.Conversation.Messages))
	fmt.Fprintf(&sb, "Model: %s\n", st.Conversation.Model.ID)
	if c.Status != nil {
		if p := c.Status.Status().Phase; p != "" {
			fmt.Fprintf(&sb, "Last phase: %s\n", p)
		}
	}
	fmt.Fprintf(&sb, "Uptime: %s", time.Since(startTime).Round(time.Second))
	return sb.String()
}
