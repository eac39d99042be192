package agent

import (
	"fmt"
	"strings"
	"time"

	"coursechat/internal/domain"
)

const (
	defaultHistoryLimit    = 20
	defaultMaxContextChars = 12000
)

type PromptBuilder struct {
	thinkingLevel     string // "concise" | "normal" | "detailed"
	systemPromptExtra string
	historyLimit      int
	maxContextChars   int
	now               func() time.Time
}

// PromptConfig holds configuration for the prompt builder.
type PromptConfig struct {
	ThinkingLevel     string
	SystemPromptExtra string
	HistoryLimit      int
	MaxContextChars   int
}

func NewPromptBuilder(cfg PromptConfig) *PromptBuilder {
	if cfg.ThinkingLevel == "" {
		cfg.ThinkingLevel = "normal"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = defaultMaxContextChars
	}
	return &PromptBuilder{
		thinkingLevel:     cfg.ThinkingLevel,
		systemPromptExtra: cfg.SystemPromptExtra,
		historyLimit:      cfg.HistoryLimit,
		maxContextChars:   cfg.MaxContextChars,
		now:               time.Now,
	}
}

// BuildSystemPrompt returns the system prompt for conv. A course prompt set on
// the conversation replaces the built-in identity; the citation rules always
// apply.
func (p *PromptBuilder) BuildSystemPrompt(conv domain.Conversation) string {
	var sb strings.Builder
	if conv.Prompt != "" {
		sb.WriteString(conv.Prompt)
	} else {
		fmt.Fprintf(&sb, `# Course assistant

You are a teaching assistant for the course %q. Answer using the course
materials provided with each question. If the materials do not cover the
question, say so and answer from general knowledge.`, conv.CourseName)
	}

	fmt.Fprintf(&sb, `

## Current Time
%s

## Citations
Each course material excerpt is numbered. When a sentence relies on an
excerpt, cite it right after the sentence as [n], or [n, page: p] when the
excerpt has a page number. Cite several excerpts as [1, 3]. Never invent
numbers that were not provided.`, p.now().Format("2006-01-02 15:04 (Monday)"))

	switch p.thinkingLevel {
	case "concise":
		sb.WriteString("\n\n## Thinking Level: Concise\nKeep responses short and direct.")
	case "detailed":
		sb.WriteString("\n\n## Thinking Level: Detailed\nProvide thorough, step-by-step explanations.")
	default:
		sb.WriteString("\n\n## Thinking Level: Normal\nBalance clarity with brevity.")
	}

	if p.systemPromptExtra != "" {
		sb.WriteString("\n\n## Custom Instructions\n")
		sb.WriteString(p.systemPromptExtra)
	}
	return sb.String()
}

// BuildUserPrompt renders the engineered text for user message m: numbered
// excerpts, tool outputs, the image description and the question itself.
func (p *PromptBuilder) BuildUserPrompt(m domain.Message) string {
	var sb strings.Builder

	if len(m.Contexts) > 0 {
		sb.WriteString("Course materials:\n\n")
		budget := p.maxContextChars
		for i, c := range m.Contexts {
			text := c.Text
			if len(text) > budget {
				text = truncateRunes(text, budget)
			}
			budget -= len(text)

			fmt.Fprintf(&sb, "[%d] %s", i+1, c.ReadableFilename)
			if c.PageNumber != "" {
				fmt.Fprintf(&sb, " (page %s)", c.PageNumber)
			}
			sb.WriteString("\n")
			sb.WriteString(text)
			sb.WriteString("\n---\n")
			if budget <= 0 {
				break
			}
		}
		sb.WriteString("\n")
	}

	if len(m.Tools) > 0 {
		sb.WriteString("Tool results:\n\n")
		for _, t := range m.Tools {
			if t.Error != "" {
				fmt.Fprintf(&sb, "%s failed: %s\n", t.Name, t.Error)
				continue
			}
			fmt.Fprintf(&sb, "%s returned:\n%s\n", t.Name, t.Output)
		}
		sb.WriteString("\n")
	}

	if m.ImageDescription != "" {
		sb.WriteString("Description of the attached image:\n")
		sb.WriteString(m.ImageDescription)
		sb.WriteString("\n\n")
	}

	if sb.Len() == 0 {
		return m.Text()
	}
	sb.WriteString("Question: ")
	sb.WriteString(m.Text())
	return sb.String()
}

// BuildMessages constructs [system + recent history] for a model call. The
// last user message is sent as its engineered prompt when one was built.
func (p *PromptBuilder) BuildMessages(conv domain.Conversation) []domain.ChatMessage {
	history := conv.Messages
	if len(history) > p.historyLimit {
		history = history[len(history)-p.historyLimit:]
	}
	last := conv.LastUserIndex() - (len(conv.Messages) - len(history))

	messages := make([]domain.ChatMessage, 0, len(history)+1)
	messages = append(messages, domain.ChatMessage{Role: string(domain.RoleSystem), Content: p.BuildSystemPrompt(conv)})
	for i, m := range history {
		if m.Role == domain.RoleSystem {
			continue
		}
		msg := domain.ChatMessage{Role: string(m.Role), Content: m.Text()}
		if i == last {
			if m.FinalPrompt != "" {
				msg.Content = m.FinalPrompt
			}
			msg.Images = m.ImageURLs()
		}
		messages = append(messages, msg)
	}
	return messages
}

func truncateRunes(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
