package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	defaultWorkflowTimeout = 30 * time.Second
	maxWorkflowOutput      = 16 * 1024
)

// WorkflowDefinition is one YAML file in the tools directory.
//
//	name: course_calendar
//	description: Look up upcoming deadlines for the course
//	webhook_url: https://n8n.example.edu/webhook/calendar
//	courses: [cs101]
//	parameters:
//	  week: {type: integer, description: Week number, required: true}
type WorkflowDefinition struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	WebhookURL  string            `yaml:"webhook_url"`
	Headers     map[string]string `yaml:"headers"`
	Courses     []string          `yaml:"courses"`
	Disabled    bool              `yaml:"disabled"`
	Timeout     time.Duration     `yaml:"timeout"`
	Parameters  map[string]Param  `yaml:"parameters"`
}

func (d WorkflowDefinition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook_url is required")
	}
	if !strings.HasPrefix(d.WebhookURL, "http://") && !strings.HasPrefix(d.WebhookURL, "https://") {
		return fmt.Errorf("webhook_url must be http or https: %q", d.WebhookURL)
	}
	return nil
}

// WorkflowTool runs a workflow by POSTing its arguments to a webhook.
type WorkflowTool struct {
	def    WorkflowDefinition
	client *http.Client
	params map[string]any
}

func NewWorkflowTool(def WorkflowDefinition, client *http.Client) *WorkflowTool {
	if def.Timeout <= 0 {
		def.Timeout = defaultWorkflowTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	var required []string
	for name, p := range def.Parameters {
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return &WorkflowTool{
		def:    def,
		client: client,
		params: ToolParameters(def.Parameters, required),
	}
}

func (w *WorkflowTool) Name() string               { return w.def.Name }
func (w *WorkflowTool) Description() string        { return w.def.Description }
func (w *WorkflowTool) Parameters() map[string]any { return w.params }

// EnabledFor reports whether the workflow is on for course. A workflow
// without a course list is on for every course.
func (w *WorkflowTool) EnabledFor(course string) bool {
	if w.def.Disabled {
		return false
	}
	if len(w.def.Courses) == 0 {
		return true
	}
	for _, c := range w.def.Courses {
		if strings.EqualFold(c, course) {
			return true
		}
	}
	return false
}

func (w *WorkflowTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.def.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{"tool": w.def.Name, "arguments": args})
	if err != nil {
		return "", fmt.Errorf("marshal arguments: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.def.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new workflow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.def.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("workflow %s: %w", w.def.Name, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkflowOutput+1))
	if err != nil {
		return "", fmt.Errorf("read workflow %s output: %w", w.def.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("workflow %s returned %d: %s", w.def.Name, resp.StatusCode, strings.TrimSpace(string(out)))
	}
	if len(out) > maxWorkflowOutput {
		return string(out[:maxWorkflowOutput]) + "\n... (truncated)", nil
	}
	return string(out), nil
}
