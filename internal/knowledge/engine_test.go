package knowledge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"coursechat/internal/domain"
	"coursechat/internal/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(t *testing.T, chunkSize, overlap int) *Engine {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "kb.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewEngine(EngineConfig{Store: store, ChunkSize: chunkSize, Overlap: overlap, Logger: testLogger()})
}

func TestChunkPages(t *testing.T) {
	e := NewEngine(EngineConfig{ChunkSize: 4, Overlap: 1, Logger: testLogger()})

	chunks := e.chunkPages("a b c d e f g\fh i", "doc")
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Content != "a b c d" || chunks[1].Content != "d e f g" {
		t.Fatalf("unexpected overlap: %q %q", chunks[0].Content, chunks[1].Content)
	}
	if chunks[0].PageNumber != "1" || chunks[2].PageNumber != "2" || chunks[2].Content != "h i" {
		t.Fatalf("chunks must not span pages: %+v", chunks)
	}
	if chunks[2].ChunkIndex != 2 || chunks[2].ID != "doc_2" {
		t.Fatalf("unexpected indexing %+v", chunks[2])
	}

	single := e.chunkPages("one page only", "d")
	if len(single) != 1 || single[0].PageNumber != "" {
		t.Fatalf("single page text should carry no page number: %+v", single)
	}
	if len(e.chunkPages("  \n ", "d")) != 0 {
		t.Fatal("blank text should produce no chunks")
	}
}

func TestAddDocumentAndTopContexts(t *testing.T) {
	e := testEngine(t, 50, 5)
	ctx := context.Background()

	doc, err := e.AddDocument(ctx, DocumentInput{
		CourseName:       "cs101",
		ReadableFilename: "lecture3.pdf",
		URL:              "https://files.example.edu/lecture3.pdf",
		DocGroups:        []string{"lectures"},
		Text:             "Intro to the course.\fRecursion is a function calling itself.\fLoops iterate.",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if doc.ChunkCount != 3 {
		t.Fatalf("expected one chunk per page, got %d", doc.ChunkCount)
	}

	items, err := e.TopContexts(ctx, domain.KnowledgeQuery{CourseName: "cs101", Text: "explain recursion"})
	if err != nil {
		t.Fatalf("top contexts: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 context, got %+v", items)
	}
	it := items[0]
	if it.ReadableFilename != "lecture3.pdf" || it.PageNumber != "2" || it.URL != "https://files.example.edu/lecture3.pdf" {
		t.Fatalf("unexpected context %+v", it)
	}
	if !strings.Contains(it.Text, "Recursion") || it.DocGroups[0] != "lectures" {
		t.Fatalf("unexpected context %+v", it)
	}

	// Same course, name and text yields the same id so re-ingest replaces.
	again, err := e.AddDocument(ctx, DocumentInput{CourseName: "cs101", ReadableFilename: "lecture3.pdf",
		Text: "Intro to the course.\fRecursion is a function calling itself.\fLoops iterate."})
	if err != nil || again.ID != doc.ID {
		t.Fatalf("expected stable id, got %v %v", again, err)
	}
	docs, _ := e.ListDocuments(ctx, "cs101")
	if len(docs) != 1 {
		t.Fatalf("expected 1 document after re-ingest, got %d", len(docs))
	}

	if err := e.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	items, _ = e.TopContexts(ctx, domain.KnowledgeQuery{CourseName: "cs101", Text: "recursion"})
	if len(items) != 0 {
		t.Fatalf("expected no contexts after delete, got %+v", items)
	}
}

func TestAddDocument_RequiresCourseAndName(t *testing.T) {
	e := testEngine(t, 0, 0)
	if _, err := e.AddDocument(context.Background(), DocumentInput{Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRemoteRetriever(t *testing.T) {
	var got remoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode([]domain.ContextItem{
			{ReadableFilename: "a.pdf", Text: "first"},
			{ReadableFilename: "b.pdf", Text: "second"},
			{ReadableFilename: "c.pdf", Text: "third"},
		})
	}))
	defer srv.Close()

	r := NewRemoteRetriever(RemoteConfig{URL: srv.URL, Logger: testLogger()})
	items, err := r.TopContexts(context.Background(), domain.KnowledgeQuery{
		CourseName: "cs101", Text: "recursion", DocGroups: []string{"hw"}, TopK: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[1].ReadableFilename != "b.pdf" {
		t.Fatalf("unexpected items %+v", items)
	}
	if got.CourseName != "cs101" || got.SearchQuery != "recursion" || got.DocGroups[0] != "hw" || got.TokenLimit != 4000 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestRemoteRetriever_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewRemoteRetriever(RemoteConfig{URL: srv.URL}).TopContexts(context.Background(), domain.KnowledgeQuery{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected 503 error, got %v", err)
	}
}
