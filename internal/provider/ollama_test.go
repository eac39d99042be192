package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"coursechat/internal/domain"
)

func TestOllama_ChatStreamNDJSON(t *testing.T) {
	var req ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&req)
		for _, part := range []string{"Big-O ", "describes ", "growth [2]."} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":9,"eval_count":3}`+"\n")
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
	out := make(chan domain.StreamEvent, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- o.ChatStream(context.Background(), domain.ChatRequest{
			Model:       "llava",
			Temperature: 0.2,
			Messages: []domain.ChatMessage{{
				Role:    "user",
				Content: "explain",
				Images:  []string{"data:image/png;base64,aGVsbG8="},
			}},
		}, out)
	}()

	tokens, done := drain(out)
	if err := <-errc; err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(tokens) != 3 || done.Content != "Big-O describes growth [2]." {
		t.Fatalf("unexpected stream %q / %q", tokens, done.Content)
	}
	if req.Model != "llava" || !req.Stream {
		t.Fatalf("unexpected request %+v", req)
	}
	if len(req.Messages[0].Images) != 1 || req.Messages[0].Images[0] != "aGVsbG8=" {
		t.Fatalf("data URL should be unwrapped to base64, got %v", req.Messages[0].Images)
	}
	if req.Options["temperature"] != 0.2 {
		t.Fatalf("temperature should travel in options, got %v", req.Options)
	}
}

func TestOllama_StreamWithoutDoneIsUnexpectedEOF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"content":"half"},"done":false}`+"\n")
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
	out := make(chan domain.StreamEvent, 4)
	err := o.ChatStream(context.Background(), domain.ChatRequest{}, out)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
	tokens, _ := drain(out)
	if len(tokens) != 1 || tokens[0] != "half" {
		t.Fatalf("partial tokens should still be delivered, got %q", tokens)
	}
}

func TestOllama_FetchesRemoteImages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/img.png", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("hello")) })
	var got ollamaRequest
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"a cat","tool_calls":[{"function":{"name":"lookup","arguments":"{\"q\":\"cat\"}"}}]},"done":true,"done_reason":"stop"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL, Logger: testLogger()})
	resp, err := o.Chat(context.Background(), domain.ChatRequest{Messages: []domain.ChatMessage{{
		Role: "user", Content: "describe", Images: []string{srv.URL + "/img.png", "ftp://nope"},
	}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(got.Messages[0].Images) != 1 || got.Messages[0].Images[0] != "aGVsbG8=" {
		t.Fatalf("expected one fetched image, got %v", got.Messages[0].Images)
	}
	if resp.FinishReason != "tool_calls" || resp.ToolCalls[0].Arguments["q"] != "cat" {
		t.Fatalf("string-encoded tool arguments not parsed: %+v", resp)
	}
	if !strings.Contains(resp.Content, "cat") {
		t.Fatalf("unexpected content %q", resp.Content)
	}
}
