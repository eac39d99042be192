package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"coursechat/internal/domain"
)

const routerSystemPrompt = `You decide which course tools to call for the user's latest message.
Call a tool only when its result is needed to answer. If no tool applies,
reply with the single word NONE.`

// Router asks a tool-calling model which of the enabled tools should run
// for the latest user message.
type Router struct {
	provider domain.Provider
	model    string
	logger   *slog.Logger
}

type RouterConfig struct {
	Provider domain.Provider
	Model    string
	Logger   *slog.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{provider: cfg.Provider, model: cfg.Model, logger: cfg.Logger}
}

// Select returns the calls to run. Calls naming tools outside defs are
// dropped. An empty result means no tool applies.
func (r *Router) Select(ctx context.Context, conv domain.Conversation, defs []domain.ToolDefinition) ([]domain.ToolCall, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	user := conv.LastUserMessage()
	if user == nil {
		return nil, nil
	}

	text := user.Text()
	if user.ImageDescription != "" {
		text += "\n\nImage description: " + user.ImageDescription
	}
	resp, err := r.provider.Chat(ctx, domain.ChatRequest{
		Model: r.model,
		Messages: []domain.ChatMessage{
			{Role: string(domain.RoleSystem), Content: routerSystemPrompt},
			{Role: string(domain.RoleUser), Content: text},
		},
		Tools:       defs,
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("tool routing: %w", err)
	}

	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}

	calls := resp.ToolCalls
	if !resp.HasToolCalls() && resp.Content != "" {
		calls = extractCallsFromContent(resp.Content, names)
		if len(calls) > 0 {
			r.logger.Debug("tool calls recovered from content", "count", len(calls))
		}
	}

	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	out := calls[:0:0]
	for _, c := range calls {
		if !allowed[c.Name] {
			r.logger.Warn("router selected unknown tool", "tool", c.Name, "enabled", strings.Join(names, ","))
			continue
		}
		out = append(out, c)
	}
	r.logger.Info("tool routing done", "selected", len(out), "enabled", len(defs))
	return out, nil
}
