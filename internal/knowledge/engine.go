// Package knowledge provides retrieval over ingested course materials.
package knowledge

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"coursechat/internal/domain"
)

// Engine manages the knowledge base: adding documents, chunking, and searching.
type Engine struct {
	store     domain.KnowledgeStore
	chunkSize int
	overlap   int
	topK      int
	logger    *slog.Logger
}

type EngineConfig struct {
	Store     domain.KnowledgeStore
	ChunkSize int // words per chunk (default: 300)
	Overlap   int // overlap words between chunks (default: 40)
	TopK      int // contexts returned per query (default: 8)
	Logger    *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 300
	}
	if cfg.Overlap <= 0 || cfg.Overlap >= cfg.ChunkSize {
		cfg.Overlap = min(40, cfg.ChunkSize/4)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:     cfg.Store,
		chunkSize: cfg.ChunkSize,
		overlap:   cfg.Overlap,
		topK:      cfg.TopK,
		logger:    cfg.Logger,
	}
}

// DocumentInput is a course material to ingest. Text is split into pages on
// form feeds, the way pdftotext separates pages.
type DocumentInput struct {
	CourseName       string
	ReadableFilename string
	MimeType         string
	URL              string
	S3Path           string
	DocGroups        []string
	Text             string
}

// AddDocument chunks a document page by page and stores it. The document id
// is derived from the course, filename and content, so ingesting the same
// file twice replaces it.
func (e *Engine) AddDocument(ctx context.Context, in DocumentInput) (*domain.Document, error) {
	if in.CourseName == "" || in.ReadableFilename == "" {
		return nil, fmt.Errorf("course name and filename are required")
	}
	hash := sha256.Sum256([]byte(in.CourseName + "\x00" + in.ReadableFilename + "\x00" + in.Text))
	docID := fmt.Sprintf("%x", hash[:8])

	chunks := e.chunkPages(in.Text, docID)

	doc := domain.Document{
		ID:               docID,
		CourseName:       in.CourseName,
		ReadableFilename: in.ReadableFilename,
		MimeType:         in.MimeType,
		URL:              in.URL,
		S3Path:           in.S3Path,
		DocGroups:        in.DocGroups,
		Size:             int64(len(in.Text)),
		ChunkCount:       len(chunks),
		CreatedAt:        time.Now().UTC(),
	}

	if err := e.store.AddDocument(ctx, doc, chunks); err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}

	e.logger.Info("document added to knowledge base",
		"course", in.CourseName, "name", in.ReadableFilename, "chunks", len(chunks), "size", len(in.Text))

	return &doc, nil
}

// TopContexts returns the best matching chunks for a query as context items
// ready to attach to a user message.
func (e *Engine) TopContexts(ctx context.Context, q domain.KnowledgeQuery) ([]domain.ContextItem, error) {
	if q.TopK <= 0 {
		q.TopK = e.topK
	}
	results, err := e.store.SearchKnowledge(ctx, q)
	if err != nil {
		return nil, err
	}
	items := make([]domain.ContextItem, 0, len(results))
	for _, r := range results {
		items = append(items, domain.ContextItem{
			ID:               r.Chunk.ID,
			ReadableFilename: r.Document.ReadableFilename,
			CourseName:       r.Document.CourseName,
			S3Path:           r.Document.S3Path,
			URL:              r.Document.URL,
			PageNumber:       r.Chunk.PageNumber,
			Text:             r.Chunk.Content,
			DocGroups:        r.Document.DocGroups,
		})
	}
	e.logger.Debug("contexts retrieved", "course", q.CourseName, "count", len(items))
	return items, nil
}

// ListDocuments returns the documents of a course.
func (e *Engine) ListDocuments(ctx context.Context, courseName string) ([]domain.Document, error) {
	return e.store.ListDocuments(ctx, courseName)
}

// DeleteDocument removes a document from the knowledge base.
func (e *Engine) DeleteDocument(ctx context.Context, id string) error {
	return e.store.DeleteDocument(ctx, id)
}

// chunkPages splits each page into overlapping chunks of approximately
// chunkSize words. Chunks never span pages so each keeps one page number.
func (e *Engine) chunkPages(text, docID string) []domain.DocumentChunk {
	pages := strings.Split(text, "\f")
	step := e.chunkSize - e.overlap

	var chunks []domain.DocumentChunk
	for p, page := range pages {
		words := strings.Fields(page)
		pageNumber := ""
		if len(pages) > 1 {
			pageNumber = strconv.Itoa(p + 1)
		}
		for i := 0; i < len(words); i += step {
			end := min(i+e.chunkSize, len(words))
			chunks = append(chunks, domain.DocumentChunk{
				ID:         fmt.Sprintf("%s_%d", docID, len(chunks)),
				DocumentID: docID,
				Content:    strings.Join(words[i:end], " "),
				ChunkIndex: len(chunks),
				PageNumber: pageNumber,
				TokenCount: end - i,
			})
			if end >= len(words) {
				break
			}
		}
	}
	return chunks
}
