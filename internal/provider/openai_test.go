package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"coursechat/internal/domain"
)

func drain(out <-chan domain.StreamEvent) (tokens []string, done domain.StreamEvent) {
	for evt := range out {
		switch evt.Type {
		case domain.StreamToken:
			tokens = append(tokens, evt.Content)
		case domain.StreamDone:
			done = evt
		}
	}
	return tokens, done
}

func fastRetries(t *testing.T) {
	t.Helper()
	old := retryBase
	retryBase = time.Millisecond
	t.Cleanup(func() { retryBase = old })
}

func TestOpenAI_ChatSendsImagePartsAndParsesToolCalls(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"course_calendar","arguments":"{\"week\":3}"}}]},
			"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`)
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: srv.URL + "/v1", Logger: testLogger()})
	resp, err := o.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "what is this?", Images: []string{"https://img.example.edu/a.png"}},
		},
		Tools: []domain.ToolDefinition{{Name: "course_calendar", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "course_calendar" || resp.ToolCalls[0].Arguments["week"] != float64(3) {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}

	msgs := body["messages"].([]any)
	if _, ok := msgs[0].(map[string]any)["content"].(string); !ok {
		t.Fatal("text-only message should keep string content")
	}
	parts, ok := msgs[1].(map[string]any)["content"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("image message should be sent as parts, got %#v", msgs[1])
	}
	img := parts[1].(map[string]any)
	if img["type"] != "image_url" || img["image_url"].(map[string]any)["url"] != "https://img.example.edu/a.png" {
		t.Fatalf("unexpected image part %#v", img)
	}
	if body["model"] != "gpt-4o-mini" || body["stream"] != false {
		t.Fatalf("unexpected request %#v", body)
	}
}

func TestOpenAI_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req oaiRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Errorf("expected stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Recursion "}}]}`,
			`{"choices":[{"delta":{"content":"is [1]."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"grades","arguments":"{\"stu"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"dent\":\"ab\"}"}}]}}]}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", line)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIBase: srv.URL, Logger: testLogger()})
	out := make(chan domain.StreamEvent, 16)
	errc := make(chan error, 1)
	go func() { errc <- o.ChatStream(context.Background(), domain.ChatRequest{}, out) }()

	tokens, done := drain(out)
	if err := <-errc; err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(tokens, "|") != "Recursion |is [1]." {
		t.Fatalf("unexpected tokens %q", tokens)
	}
	if done.Content != "Recursion is [1]." {
		t.Fatalf("unexpected done content %q", done.Content)
	}
	if len(done.ToolCalls) != 1 || done.ToolCalls[0].ID != "c1" || done.ToolCalls[0].Arguments["student"] != "ab" {
		t.Fatalf("tool call fragments not assembled: %+v", done.ToolCalls)
	}
}

func TestOpenAI_ErrorStatusIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIBase: srv.URL, Logger: testLogger()})
	_, err := o.Chat(context.Background(), domain.ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || !strings.Contains(apiErr.Body, "bad key") {
		t.Fatalf("expected 401 APIError, got %v", err)
	}

	out := make(chan domain.StreamEvent, 1)
	if err := o.ChatStream(context.Background(), domain.ChatRequest{}, out); !errors.As(err, &apiErr) {
		t.Fatalf("stream should fail with APIError, got %v", err)
	}
	if _, open := <-out; open {
		t.Fatal("out must be closed after a failed stream")
	}
}

func TestOpenAI_RetriesServerErrors(t *testing.T) {
	fastRetries(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIBase: srv.URL, Logger: testLogger()})
	resp, err := o.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "ok" || calls.Load() != 3 {
		t.Fatalf("expected success on third attempt, got %q after %d calls", resp.Content, calls.Load())
	}
}

func TestOpenAI_RetriesExhaustedKeepStatus(t *testing.T) {
	fastRetries(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "slow down")
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIBase: srv.URL, Logger: testLogger()})
	_, err := o.Chat(context.Background(), domain.ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 APIError, got %v", err)
	}
}
