// Package vision turns images attached to a user message into text that
// retrieval and the model can use.
package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"coursechat/internal/domain"
)

const describePrompt = `Describe the attached image(s) for a student asking about course material.
Transcribe any visible text, equations, code or diagram labels exactly. Then
state in one sentence what the image shows. Be factual and concise.`

// ErrNoImages is returned when the message carries no image parts.
var ErrNoImages = errors.New("message has no images")

// Result is what image description contributes to a send.
type Result struct {
	SearchQuery string // user text plus the description, for retrieval
	ImgDesc     string
}

// Describer asks a vision-capable provider to describe message images.
type Describer struct {
	provider  domain.Provider
	model     string
	maxTokens int
	logger    *slog.Logger
}

type DescriberConfig struct {
	Provider  domain.Provider
	Model     string
	MaxTokens int
	Logger    *slog.Logger
}

func NewDescriber(cfg DescriberConfig) *Describer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Describer{provider: cfg.Provider, model: cfg.Model, maxTokens: cfg.MaxTokens, logger: cfg.Logger}
}

// Describe returns the image description of msg and a search query built
// from searchQuery (or the message text when empty) and that description.
func (d *Describer) Describe(ctx context.Context, msg domain.Message, courseName, searchQuery string) (Result, error) {
	images := msg.ImageURLs()
	if len(images) == 0 {
		return Result{}, ErrNoImages
	}
	if searchQuery == "" {
		searchQuery = msg.Text()
	}

	prompt := describePrompt
	if courseName != "" {
		prompt += "\nCourse: " + courseName
	}
	if t := strings.TrimSpace(msg.Text()); t != "" {
		prompt += "\nStudent question: " + t
	}

	resp, err := d.provider.Chat(ctx, domain.ChatRequest{
		Model:       d.model,
		Messages:    []domain.ChatMessage{{Role: string(domain.RoleUser), Content: prompt, Images: images}},
		MaxTokens:   d.maxTokens,
		Temperature: 0.1,
	})
	if err != nil {
		return Result{}, fmt.Errorf("describe image: %w", err)
	}
	desc := strings.TrimSpace(resp.Content)
	d.logger.Debug("image described", "images", len(images), "desc_len", len(desc))

	query := strings.TrimSpace(searchQuery)
	if desc != "" {
		if query != "" {
			query += "\n\n"
		}
		query += "Image description: " + desc
	}
	return Result{SearchQuery: query, ImgDesc: desc}, nil
}
