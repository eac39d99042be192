package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImageURL ContentType = "image_url"
)

// ContentPart is one typed element of a multi-part message.
type ContentPart struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL string      `json:"image_url,omitempty"`
}

// ContextItem is a retrieved document snippet attached to a user message.
// Citations [n] in the assistant answer refer to Contexts[n-1].
type ContextItem struct {
	ID               string   `json:"id,omitempty"`
	ReadableFilename string   `json:"readable_filename"`
	CourseName       string   `json:"course_name,omitempty"`
	S3Path           string   `json:"s3_path,omitempty"`
	URL              string   `json:"url,omitempty"`
	BaseURL          string   `json:"base_url,omitempty"`
	PageNumber       string   `json:"pagenumber,omitempty"`
	Text             string   `json:"text"`
	DocGroups        []string `json:"doc_groups,omitempty"`
}

// ToolInvocation records a tool the router selected and what it returned.
type ToolInvocation struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type Feedback struct {
	IsPositive *bool  `json:"is_positive,omitempty"`
	Category   string `json:"category,omitempty"`
	Text       string `json:"text,omitempty"`
}

type Message struct {
	ID               string           `json:"id"`
	Role             Role             `json:"role"`
	Content          string           `json:"content,omitempty"`
	Parts            []ContentPart    `json:"parts,omitempty"`
	Contexts         []ContextItem    `json:"contexts,omitempty"`
	Tools            []ToolInvocation `json:"tools,omitempty"`
	Feedback         *Feedback        `json:"feedback,omitempty"`
	ImageDescription string           `json:"image_description,omitempty"`
	FinalPrompt      string           `json:"final_prompt_engineered_message,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Text returns the plain text of the message, joining text parts when the
// message is in multi-part form.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == ContentText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ImageURLs returns the image references of a multi-part message.
func (m Message) ImageURLs() []string {
	var urls []string
	for _, p := range m.Parts {
		if p.Type == ContentImageURL && p.ImageURL != "" {
			urls = append(urls, p.ImageURL)
		}
	}
	return urls
}

func (m Message) HasImages() bool {
	return len(m.ImageURLs()) > 0
}

type ModelDescriptor struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider,omitempty"`
}

type Conversation struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Model       ModelDescriptor `json:"model"`
	Prompt      string          `json:"prompt,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	CourseName  string          `json:"course_name,omitempty"`
	Messages    []Message       `json:"messages"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a copy whose message slice (and the slices inside each
// message) can be modified without affecting the original.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.Parts = append([]ContentPart(nil), m.Parts...)
		m.Contexts = append([]ContextItem(nil), m.Contexts...)
		m.Tools = append([]ToolInvocation(nil), m.Tools...)
		if m.Feedback != nil {
			fb := *m.Feedback
			m.Feedback = &fb
		}
		out.Messages[i] = m
	}
	return out
}

// LastUserIndex returns the index of the most recent user message, or -1.
func (c Conversation) LastUserIndex() int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// LastUserMessage returns a pointer into Messages for the most recent user
// message, or nil when there is none.
func (c *Conversation) LastUserMessage() *Message {
	if i := c.LastUserIndex(); i >= 0 {
		return &c.Messages[i]
	}
	return nil
}
