package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func sseBody(deltas ...string) string {
	var sb strings.Builder
	sb.WriteString(": keep-alive\n\n")
	for _, d := range deltas {
		b, _ := json.Marshal(ChatCompletionChunk{Choices: []ChunkChoice{{Delta: ChunkDelta{Content: d}}}})
		fmt.Fprintf(&sb, "data: %s\n\n", b)
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func newTestEngine(t *testing.T, h http.Handler) *Engine {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Models: []string{"llama3.2:3b", "phi3"}, Logger: testLogger()})
}

func collect(t *testing.T, it *ChunkIterator) []string {
	t.Helper()
	var out []string
	for {
		c, done, err := it.Next(context.Background())
		require.NoError(t, err)
		if done {
			return out
		}
		out = append(out, c.DeltaText())
	}
}

func TestCompletions_DecodesSSE(t *testing.T) {
	var got CompletionRequest
	e := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody("The sky ", "is blue."))
	}))

	it, err := e.Completions(context.Background(), CompletionRequest{
		Model:    "phi3",
		Messages: []Message{{Role: "user", Content: "sky?"}},
	})
	require.NoError(t, err)
	defer it.Close()

	require.Equal(t, []string{"The sky ", "is blue."}, collect(t, it))
	require.True(t, got.Stream)
	require.Equal(t, "phi3", got.Model)

	_, done, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, done)
}

func TestCompletions_UnknownModel(t *testing.T) {
	e := New(Config{Models: []string{"phi3"}})
	_, err := e.Completions(context.Background(), CompletionRequest{Model: "gpt-4o"})
	require.ErrorIs(t, err, ErrUnknownModel)
	require.ErrorIs(t, e.Load("gpt-4o"), ErrUnknownModel)
	require.False(t, e.Known("gpt-4o"))
	require.Equal(t, []string{"phi3"}, e.Models())
}

func TestCompletions_TruncatedStream(t *testing.T) {
	e := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"half"}}]}`+"\n\n")
	}))
	it, err := e.Completions(context.Background(), CompletionRequest{Model: "phi3"})
	require.NoError(t, err)
	defer it.Close()

	c, done, err := it.Next(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, "half", c.DeltaText())

	_, _, err = it.Next(context.Background())
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCompletions_ErrorStatus(t *testing.T) {
	e := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	_, err := e.Completions(context.Background(), CompletionRequest{Model: "phi3"})
	require.ErrorContains(t, err, "404")

	// the slot was released
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.acquire(ctx))
}

func TestCompletions_OneAtATime(t *testing.T) {
	e := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseBody("x"))
	}))
	first, err := e.Completions(context.Background(), CompletionRequest{Model: "phi3"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.Completions(ctx, CompletionRequest{Model: "phi3"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second, err := e.Completions(context.Background(), CompletionRequest{Model: "phi3"})
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, collect(t, second))
	second.Close()
}

func TestReady_AwaitsSingleLoad(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	e := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "30m", body["keep_alive"])
		loads.Add(1)
		<-release
		io.WriteString(w, `{"done":true}`)
	}))

	require.NoError(t, e.Load("phi3"))
	require.Eventually(t, func() bool { return loads.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, e.Loading("phi3"))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- e.Ready(context.Background(), "phi3") }()
	}
	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	require.False(t, e.Loading("phi3"))
	require.Equal(t, int32(1), loads.Load())

	// already loaded
	require.NoError(t, e.Ready(context.Background(), "phi3"))
	require.Equal(t, int32(1), loads.Load())
}

func TestReady_FailedLoadIsRetried(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "out of memory", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{"done":true}`)
	}))

	err := e.Ready(context.Background(), "phi3")
	require.ErrorContains(t, err, "out of memory")
	require.NoError(t, e.Ready(context.Background(), "phi3"))
	require.Equal(t, int32(2), calls.Load())
}

func TestReady_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	e := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.Ready(ctx, "phi3"), context.DeadlineExceeded)
}

func TestDeltaText_NoChoices(t *testing.T) {
	require.Empty(t, ChatCompletionChunk{}.DeltaText())
}
