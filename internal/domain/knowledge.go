package domain

import (
	"context"
	"time"
)

// Document is an ingested course material.
type Document struct {
	ID               string    `json:"id"`
	CourseName       string    `json:"course_name"`
	ReadableFilename string    `json:"readable_filename"`
	MimeType         string    `json:"mime_type"`
	URL              string    `json:"url,omitempty"`
	S3Path           string    `json:"s3_path,omitempty"`
	DocGroups        []string  `json:"doc_groups,omitempty"`
	Size             int64     `json:"size"`
	ChunkCount       int       `json:"chunk_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// DocumentChunk is a searchable slice of a document.
type DocumentChunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Content    string `json:"content"`
	ChunkIndex int    `json:"chunk_index"`
	PageNumber string `json:"pagenumber,omitempty"`
	TokenCount int    `json:"token_count"`
}

// KnowledgeSearchResult represents a search hit in the knowledge base.
type KnowledgeSearchResult struct {
	Chunk    DocumentChunk `json:"chunk"`
	Document Document      `json:"document"`
	Score    float64       `json:"score"`
}

// KnowledgeQuery scopes a knowledge search to one course and, optionally, a
// set of enabled document groups.
type KnowledgeQuery struct {
	CourseName string
	Text       string
	DocGroups  []string
	TopK       int
}

// KnowledgeStore is the storage side of the retrieval engine.
type KnowledgeStore interface {
	AddDocument(ctx context.Context, doc Document, chunks []DocumentChunk) error
	SearchKnowledge(ctx context.Context, q KnowledgeQuery) ([]KnowledgeSearchResult, error)
	ListDocuments(ctx context.Context, courseName string) ([]Document, error)
	DeleteDocument(ctx context.Context, id string) error
}
