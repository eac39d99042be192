// Package engine drives a locally hosted model server (Ollama) through its
// OpenAI-compatible streaming API. Models are warmed up once and awaited
// through Ready; only one completion runs against the server at a time.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL     = "http://localhost:11434"
	defaultKeepAlive   = "30m"
	defaultLoadTimeout = 5 * time.Minute
)

// ErrUnknownModel is returned for a model id the engine was not configured with.
var ErrUnknownModel = errors.New("model not served by local engine")

// Message is one chat turn sent to the engine.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// CompletionRequest is the body of POST /v1/chat/completions.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type Config struct {
	BaseURL     string
	Models      []string
	KeepAlive   string
	LoadTimeout time.Duration
	Client      *http.Client
	Logger      *slog.Logger
}

// Engine is the shared local model server. It is safe for concurrent use.
type Engine struct {
	baseURL     string
	models      map[string]struct{}
	keepAlive   string
	loadTimeout time.Duration
	client      *http.Client
	logger      *slog.Logger

	mu    sync.Mutex
	loads map[string]*loadState

	// slot admits one request (load or completion) at a time.
	slot chan struct{}
}

type loadState struct {
	done chan struct{}
	err  error
}

func New(cfg Config) *Engine {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.KeepAlive == "" {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	if cfg.Client == nil {
		// No client timeout: completions stream for as long as the model talks.
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	models := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m] = struct{}{}
	}
	return &Engine{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		models:      models,
		keepAlive:   cfg.KeepAlive,
		loadTimeout: cfg.LoadTimeout,
		client:      cfg.Client,
		logger:      cfg.Logger,
		loads:       make(map[string]*loadState),
		slot:        make(chan struct{}, 1),
	}
}

// Known reports whether model is served locally.
func (e *Engine) Known(model string) bool {
	_, ok := e.models[model]
	return ok
}

// Models lists the locally served model ids, sorted.
func (e *Engine) Models() []string {
	out := make([]string, 0, len(e.models))
	for m := range e.models {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Load starts warming up model in the background if it is not already
// loaded or loading.
func (e *Engine) Load(model string) error {
	if !e.Known(model) {
		return fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	e.load(model)
	return nil
}

// Loading reports whether a warm-up for model is still running.
func (e *Engine) Loading(model string) bool {
	e.mu.Lock()
	st, ok := e.loads[model]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-st.done:
		return false
	default:
		return true
	}
}

// Ready waits until model has finished loading, starting the load if needed.
// A failed load is forgotten so the next call tries again.
func (e *Engine) Ready(ctx context.Context, model string) error {
	if !e.Known(model) {
		return fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	st := e.load(model)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-st.done:
	}
	if st.err != nil {
		e.mu.Lock()
		if e.loads[model] == st {
			delete(e.loads, model)
		}
		e.mu.Unlock()
		return st.err
	}
	return nil
}

func (e *Engine) load(model string) *loadState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.loads[model]; ok {
		return st
	}
	st := &loadState{done: make(chan struct{})}
	e.loads[model] = st
	go func() {
		defer close(st.done)
		ctx, cancel := context.WithTimeout(context.Background(), e.loadTimeout)
		defer cancel()
		start := time.Now()
		st.err = e.warmUp(ctx, model)
		if st.err != nil {
			e.logger.Error("model load failed", "model", model, "err", st.err)
			return
		}
		e.logger.Info("model loaded", "model", model, "took", time.Since(start).Round(time.Millisecond))
	}()
	return st
}

// warmUp asks the server to load model into memory and keep it resident.
func (e *Engine) warmUp(ctx context.Context, model string) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.releaseSlot()

	body, err := json.Marshal(map[string]any{
		"model":      model,
		"keep_alive": e.keepAlive,
		"stream":     false,
	})
	if err != nil {
		return fmt.Errorf("marshal load request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new load request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("load %s: %w", model, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("load %s: status %d: %s", model, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Completions starts a streaming completion. The returned iterator holds the
// engine slot until it is closed.
func (e *Engine) Completions(ctx context.Context, req CompletionRequest) (*ChunkIterator, error) {
	if !e.Known(req.Model) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, req.Model)
	}
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		e.releaseSlot()
		return nil, fmt.Errorf("new completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		e.releaseSlot()
		return nil, fmt.Errorf("completion request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		e.releaseSlot()
		return nil, fmt.Errorf("engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return newChunkIterator(resp.Body, e.releaseSlot), nil
}

// Healthy pings the server's model list.
func (e *Engine) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("engine not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine returned status %d", resp.StatusCode)
	}
	return nil
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) releaseSlot() { <-e.slot }
