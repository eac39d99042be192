package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"coursechat/internal/agent"
	"coursechat/internal/bus"
	"coursechat/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	toastStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	noteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// Sender runs one send. *agent.Orchestrator satisfies it.
type Sender interface {
	Send(ctx context.Context, req agent.SendRequest) (agent.SendResult, error)
	Bus() *bus.EventBus
}

type CLIConfig struct {
	Sender   Sender
	Sessions *agent.SessionManager
	Commands *agent.Commands
	State    *agent.ChatState
	Key      string // course API key for the routing endpoint
	Spinner  bool   // animate while the answer is being prepared
	Logger   *slog.Logger
	In       io.Reader
	Out      io.Writer
}

// CLI is the interactive terminal chat. Answers are printed as they stream
// in; notifications appear as one-line toasts.
type CLI struct {
	sender   Sender
	sessions *agent.SessionManager
	commands *agent.Commands
	state    *agent.ChatState
	key      string
	spinner  bool
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer

	outMu     sync.Mutex
	messageID string // assistant message being printed
	printed   string // what has been printed of it

	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.State == nil {
		cfg.State = &agent.ChatState{}
	}
	return &CLI{
		sender:   cfg.Sender,
		sessions: cfg.Sessions,
		commands: cfg.Commands,
		state:    cfg.State,
		key:      cfg.Key,
		spinner:  cfg.Spinner,
		logger:   cfg.Logger,
		in:       cfg.In,
		out:      cfg.Out,
	}
}

// Start runs the REPL and blocks until EOF, /quit or ctx is cancelled.
func (c *CLI) Start(ctx context.Context) error {
	eb := c.sender.Bus()
	ids := map[string]string{
		eb.On(bus.EventConversationUpdated, c.onConversation): bus.EventConversationUpdated,
		eb.On(bus.EventNotification, c.onNotification):       bus.EventNotification,
		eb.On(bus.EventPhaseChanged, c.onPhase):              bus.EventPhaseChanged,
	}
	defer func() {
		for id, t := range ids {
			eb.Off(t, id)
		}
	}()

	c.printf("coursechat: %s. Type your question and press Enter. /help lists commands.\n", c.state.Conversation.CourseName)
	c.prompt()

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.prompt()
			continue
		}

		if cmd := agent.ParseCommand(line); cmd != nil && c.commands != nil {
			res := c.commands.Handle(ctx, cmd, c.state)
			if res.Handled {
				c.printf("%s\n", res.Response)
				if res.Quit {
					c.logger.Info("user requested quit")
					return nil
				}
				c.prompt()
				continue
			}
		}

		c.send(ctx, line)
		c.prompt()
	}
	return scanner.Err()
}

func (c *CLI) send(ctx context.Context, text string) {
	conv := c.state.Conversation
	if c.sessions != nil {
		c.sessions.AppendUserMessage(&conv, text, nil)
	} else {
		conv.Messages = append(conv.Messages, domain.Message{Role: domain.RoleUser, Content: text, CreatedAt: time.Now().UTC()})
	}

	c.startThinking()
	res, err := c.sender.Send(ctx, agent.SendRequest{
		Conversation: conv,
		Key:          c.key,
		DocGroups:    c.state.DocGroups,
		Mode:         c.state.Mode,
	})
	c.stopThinking()

	if res.Conversation.ID != "" {
		c.state.Conversation = res.Conversation
	} else {
		c.state.Conversation = conv
	}
	c.outMu.Lock()
	if c.printed != "" {
		fmt.Fprintln(c.out)
	}
	c.messageID, c.printed = "", ""
	c.outMu.Unlock()

	switch {
	case err != nil:
		c.logger.Debug("send failed", "err", err)
	case res.Cancelled:
		c.printf("%s\n", noteStyle.Render("(stopped)"))
	}
}

// onConversation prints what was added to the answer since the last
// snapshot. An answer that changed behind the cursor is printed again.
func (c *CLI) onConversation(e bus.Event) {
	conv, ok := e.Payload.(domain.Conversation)
	if !ok || conv.ID != c.state.Conversation.ID || len(conv.Messages) == 0 {
		return
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != domain.RoleAssistant || last.Content == "" {
		return
	}
	c.stopThinking()

	c.outMu.Lock()
	defer c.outMu.Unlock()
	switch {
	case last.ID != c.messageID:
		c.messageID, c.printed = last.ID, ""
		fmt.Fprintf(c.out, "\r\033[K%s\n", headerStyle.Render("--- answer ---"))
	case !strings.HasPrefix(last.Content, c.printed):
		fmt.Fprintln(c.out)
		c.printed = ""
	}
	fmt.Fprint(c.out, last.Content[len(c.printed):])
	c.printed = last.Content
}

func (c *CLI) onNotification(e bus.Event) {
	n, ok := e.Payload.(agent.Notification)
	if !ok {
		return
	}
	c.stopThinking()
	line := n.Title
	if n.Message != "" {
		line += ": " + n.Message
	}
	if n.Code != 0 {
		line += fmt.Sprintf(" (%d)", n.Code)
	}
	if n.Error {
		c.printf("\r\033[K%s\n", toastStyle.Render("! "+line))
		return
	}
	c.printf("\r\033[K%s\n", noteStyle.Render(line))
}

func (c *CLI) onPhase(e bus.Event) {
	if pe, ok := e.Payload.(agent.PhaseEvent); ok && pe.Phase.Terminal() {
		c.stopThinking()
	}
}

func (c *CLI) prompt() { c.printf("You> ") }

func (c *CLI) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinkStop != nil {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	c.thinkStop, c.thinkDone = stop, done
	go func() {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.printf("\r%s Thinking...", frames[i%len(frames)])
				i++
			}
		}
	}()
}

// stopThinking ends the spinner and waits until it has written its last
// frame, so nothing is printed over the answer.
func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	stop, done := c.thinkStop, c.thinkDone
	c.thinkStop, c.thinkDone = nil, nil
	c.thinkMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	c.printf("\r\033[K")
}
