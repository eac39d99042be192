package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"

	"coursechat/internal/domain"
)

// mockProvider implements domain.Provider for testing.
type mockProvider struct {
	name      string
	healthy   bool
	chatErr   error
	chatResp  *domain.ChatResponse
	toolCalls bool
	calls     int
}

func (m *mockProvider) Name() string              { return m.name }
func (m *mockProvider) Models() []string          { return []string{"test-model"} }
func (m *mockProvider) SupportsToolCalling() bool { return m.toolCalls }

func (m *mockProvider) Healthy(ctx context.Context) error {
	if !m.healthy {
		return errors.New("unhealthy")
	}
	return nil
}

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.calls++
	if m.chatErr != nil {
		return nil, m.chatErr
	}
	return m.chatResp, nil
}

// mockStreamProvider streams tokens, then fails with streamErr if set.
type mockStreamProvider struct {
	mockProvider
	tokens    []string
	streamErr error
}

func (m *mockStreamProvider) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)
	m.calls++
	var full string
	for _, tok := range m.tokens {
		full += tok
		out <- domain.StreamEvent{Type: domain.StreamToken, Content: tok}
	}
	if m.streamErr != nil {
		return m.streamErr
	}
	out <- domain.StreamEvent{Type: domain.StreamDone, Content: full}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func answered(content string) *domain.ChatResponse {
	return &domain.ChatResponse{Content: content}
}

func TestFailoverProvider_Chat(t *testing.T) {
	unauthorized := &APIError{Provider: "campus", Status: http.StatusUnauthorized, Body: "bad key"}

	tests := []struct {
		name       string
		first      error
		wantAnswer string
		wantStatus int // expected *APIError status when the chain fails
		wantSecond int // calls reaching the second provider
	}{
		{name: "first answers", wantAnswer: "primary", wantSecond: 0},
		{name: "transport error", first: errors.New("connection refused"), wantAnswer: "secondary", wantSecond: 1},
		{name: "server error", first: &APIError{Status: http.StatusBadGateway}, wantAnswer: "secondary", wantSecond: 1},
		{name: "throttled", first: &APIError{Status: http.StatusTooManyRequests}, wantAnswer: "secondary", wantSecond: 1},
		{name: "timeout status", first: &APIError{Status: http.StatusRequestTimeout}, wantAnswer: "secondary", wantSecond: 1},
		{name: "bad upstream key", first: unauthorized, wantStatus: http.StatusUnauthorized, wantSecond: 0},
		{name: "bad request", first: &APIError{Status: http.StatusBadRequest}, wantStatus: http.StatusBadRequest, wantSecond: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p1 := &mockProvider{name: "primary", chatErr: tt.first, chatResp: answered("primary")}
			p2 := &mockProvider{name: "secondary", chatResp: answered("secondary")}
			fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

			resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
			if p2.calls != tt.wantSecond {
				t.Fatalf("second provider called %d times, want %d", p2.calls, tt.wantSecond)
			}
			if tt.wantStatus != 0 {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.Status != tt.wantStatus {
					t.Fatalf("expected APIError %d, got %v", tt.wantStatus, err)
				}
				if err != tt.first {
					t.Fatalf("request errors are returned unchanged, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Content != tt.wantAnswer {
				t.Fatalf("expected %q, got %q", tt.wantAnswer, resp.Content)
			}
		})
	}
}

func TestFailoverProvider_Chat_AllFailKeepsLastStatus(t *testing.T) {
	p1 := &mockProvider{name: "p1", chatErr: errors.New("dial tcp: refused")}
	p2 := &mockProvider{name: "p2", chatErr: &APIError{Provider: "p2", Status: http.StatusServiceUnavailable}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	_, err := fp.Chat(context.Background(), domain.ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected wrapped 503, got %v", err)
	}
}

func TestFailoverProvider_Chat_CancelledContextStopsChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p1 := &mockProvider{name: "p1", chatErr: context.Canceled}
	p2 := &mockProvider{name: "p2", chatResp: answered("late")}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	if _, err := fp.Chat(ctx, domain.ChatRequest{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if p2.calls != 0 {
		t.Fatal("a cancelled request must not reach the next provider")
	}
}

func collect(out <-chan domain.StreamEvent) (tokens string, done string) {
	for evt := range out {
		switch evt.Type {
		case domain.StreamToken:
			tokens += evt.Content
		case domain.StreamDone:
			done = evt.Content
		}
	}
	return tokens, done
}

func TestFailoverProvider_ChatStream_FailsOverBeforeFirstToken(t *testing.T) {
	p1 := &mockStreamProvider{
		mockProvider: mockProvider{name: "down"},
		streamErr:    &APIError{Status: http.StatusBadGateway},
	}
	p2 := &mockStreamProvider{mockProvider: mockProvider{name: "up"}, tokens: []string{"Ray", "leigh"}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	out := make(chan domain.StreamEvent, 64)
	if err := fp.ChatStream(context.Background(), domain.ChatRequest{}, out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tokens, done := collect(out)
	if tokens != "Rayleigh" || done != "Rayleigh" {
		t.Fatalf("got tokens=%q done=%q", tokens, done)
	}
}

func TestFailoverProvider_ChatStream_CommittedAfterFirstToken(t *testing.T) {
	midStream := errors.New("connection reset")
	p1 := &mockStreamProvider{
		mockProvider: mockProvider{name: "flaky"},
		tokens:       []string{"partial "},
		streamErr:    midStream,
	}
	p2 := &mockStreamProvider{mockProvider: mockProvider{name: "backup"}, tokens: []string{"other answer"}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	out := make(chan domain.StreamEvent, 64)
	err := fp.ChatStream(context.Background(), domain.ChatRequest{}, out)
	if !errors.Is(err, midStream) {
		t.Fatalf("expected the mid-stream error, got %v", err)
	}
	if tokens, _ := collect(out); tokens != "partial " {
		t.Fatalf("answers must not be mixed, got %q", tokens)
	}
	if p2.calls != 0 {
		t.Fatal("backup must not start after tokens were sent")
	}
}

func TestFailoverProvider_ChatStream_RequestErrorEndsChain(t *testing.T) {
	forbidden := &APIError{Provider: "campus", Status: http.StatusForbidden}
	p1 := &mockStreamProvider{mockProvider: mockProvider{name: "campus"}, streamErr: forbidden}
	p2 := &mockStreamProvider{mockProvider: mockProvider{name: "backup"}, tokens: []string{"x"}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	out := make(chan domain.StreamEvent, 64)
	if err := fp.ChatStream(context.Background(), domain.ChatRequest{}, out); err != forbidden {
		t.Fatalf("expected the 403 unchanged, got %v", err)
	}
	if _, ok := <-out; ok {
		t.Fatal("out should be closed and empty")
	}
}

func TestFailoverProvider_ChatStream_NonStreamingBackend(t *testing.T) {
	p1 := &mockStreamProvider{mockProvider: mockProvider{name: "down"}, streamErr: errors.New("refused")}
	p2 := &mockProvider{name: "batch", chatResp: answered("whole answer")}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	out := make(chan domain.StreamEvent, 64)
	if err := fp.ChatStream(context.Background(), domain.ChatRequest{}, out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens, done := collect(out); tokens != "whole answer" || done != "whole answer" {
		t.Fatalf("got tokens=%q done=%q", tokens, done)
	}
}

func TestFailoverProvider_Healthy(t *testing.T) {
	sick := &mockProvider{name: "sick"}
	well := &mockProvider{name: "well", healthy: true}

	if err := NewFailoverProvider([]domain.Provider{sick, well}, testLogger()).Healthy(context.Background()); err != nil {
		t.Fatalf("expected healthy, got: %v", err)
	}
	if err := NewFailoverProvider([]domain.Provider{sick, sick}, testLogger()).Healthy(context.Background()); err == nil {
		t.Fatal("expected unhealthy error")
	}
}

func TestFailoverProvider_Describe(t *testing.T) {
	p1 := &mockProvider{name: "ollama"}
	p2 := &mockProvider{name: "openai", toolCalls: true}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, nil)

	if name := fp.Name(); name != "failover(ollama,openai)" {
		t.Fatalf("unexpected name %q", name)
	}
	if !fp.SupportsToolCalling() {
		t.Fatal("one tool-calling backend is enough")
	}
	if models := fp.Models(); len(models) != 1 {
		t.Fatalf("expected deduplicated models, got %v", models)
	}
}
