package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"coursechat/internal/domain"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = domain.ErrNotFound

// SQLiteStore implements domain.ConversationStore and domain.KnowledgeStore
// using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for the message log.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Conversations ---

// UpdateConversation inserts or replaces the whole conversation document.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" {
		return errors.New("conversation id is required")
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, course_name, name, model, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			course_name = excluded.course_name,
			name        = excluded.name,
			model       = excluded.model,
			data        = excluded.data,
			updated_at  = excluded.updated_at`,
		conv.ID, conv.CourseName, conv.Name, conv.Model.ID, string(data), conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM conversations WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var conv domain.Conversation
	if err := json.Unmarshal([]byte(data), &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

// ListConversations returns the most recently updated conversations of a
// course, or of every course when courseName is empty.
func (s *SQLiteStore) ListConversations(ctx context.Context, courseName string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM conversations
		 WHERE ? = '' OR course_name = ?
		 ORDER BY updated_at DESC LIMIT ?`,
		courseName, courseName, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c domain.Conversation
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			s.logger.Warn("skipping undecodable conversation", "err", err)
			continue
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Knowledge ---

// AddDocument stores a document and its chunks and indexes the chunk text.
// Re-adding a document with the same id replaces its chunks.
func (s *SQLiteStore) AddDocument(ctx context.Context, doc domain.Document, chunks []domain.DocumentChunk) error {
	groups, err := json.Marshal(nonNil(doc.DocGroups))
	if err != nil {
		return err
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteDocumentTx(ctx, tx, doc.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, course_name, readable_filename, mime_type, url, s3_path, doc_groups, size, chunk_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.CourseName, doc.ReadableFilename, doc.MimeType, doc.URL, doc.S3Path,
		string(groups), doc.Size, len(chunks), doc.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert document %s: %w", doc.ID, err)
	}

	for _, c := range chunks {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO document_chunks (chunk_id, document_id, chunk_index, page_number, content, tokens)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, doc.ID, c.ChunkIndex, c.PageNumber, c.Content, c.TokenCount,
		)
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO chunks_fts (rowid, content) VALUES (?, ?)", rowID, c.Content); err != nil {
			return fmt.Errorf("index chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteDocumentTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteDocumentTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM chunks_fts WHERE rowid IN (SELECT id FROM document_chunks WHERE document_id = ?)", id,
	); err != nil {
		return fmt.Errorf("unindex document %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM document_chunks WHERE document_id = ?", id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, courseName string) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents d
		 WHERE ? = '' OR d.course_name = ?
		 ORDER BY d.created_at, d.readable_filename`,
		courseName, courseName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// SearchKnowledge runs a full-text query over the chunks of one course. Only
// documents in at least one of q.DocGroups match when groups are given.
// Results are ordered by bm25 rank, best first.
func (s *SQLiteStore) SearchKnowledge(ctx context.Context, q domain.KnowledgeQuery) ([]domain.KnowledgeSearchResult, error) {
	match := ftsQuery(q.Text)
	if match == "" {
		return nil, nil
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}

	query := `SELECT c.chunk_id, c.document_id, c.chunk_index, c.page_number, c.content, c.tokens,
			` + documentColumns + `, bm25(chunks_fts) AS score
		FROM chunks_fts
		JOIN document_chunks c ON c.id = chunks_fts.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ? AND d.course_name = ?`
	args := []any{match, q.CourseName}
	if len(q.DocGroups) > 0 {
		query += ` AND EXISTS (SELECT 1 FROM json_each(d.doc_groups) g WHERE g.value IN (` +
			placeholders(len(q.DocGroups)) + `))`
		for _, g := range q.DocGroups {
			args = append(args, g)
		}
	}
	query += ` ORDER BY score LIMIT ?`
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	var results []domain.KnowledgeSearchResult
	for rows.Next() {
		var (
			r      domain.KnowledgeSearchResult
			groups string
			rank   float64
		)
		err := rows.Scan(
			&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.ChunkIndex, &r.Chunk.PageNumber, &r.Chunk.Content, &r.Chunk.TokenCount,
			&r.Document.ID, &r.Document.CourseName, &r.Document.ReadableFilename, &r.Document.MimeType,
			&r.Document.URL, &r.Document.S3Path, &groups, &r.Document.Size, &r.Document.ChunkCount, &r.Document.CreatedAt,
			&rank,
		)
		if err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(groups), &r.Document.DocGroups)
		// bm25 is lower-is-better and negative; flip it so higher scores rank higher.
		r.Score = -rank
		results = append(results, r)
	}
	return results, rows.Err()
}

const documentColumns = `d.id, d.course_name, d.readable_filename, d.mime_type, d.url, d.s3_path,
	d.doc_groups, d.size, d.chunk_count, d.created_at`

func scanDocument(rows *sql.Rows) (domain.Document, error) {
	var (
		d      domain.Document
		groups string
	)
	if err := rows.Scan(&d.ID, &d.CourseName, &d.ReadableFilename, &d.MimeType, &d.URL, &d.S3Path,
		&groups, &d.Size, &d.ChunkCount, &d.CreatedAt); err != nil {
		return d, err
	}
	json.Unmarshal([]byte(groups), &d.DocGroups)
	return d, nil
}

// ftsQuery turns free text into an FTS5 expression: each word is quoted so
// punctuation cannot break the syntax, and words are OR-ed so partial
// matches still rank.
func ftsQuery(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	var terms []string
	for _, w := range words {
		if len([]rune(w)) < 2 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

var stopWords = map[string]bool{
	"the": true, "an": true, "and": true, "or": true, "of": true, "to": true,
	"in": true, "is": true, "are": true, "was": true, "what": true, "how": true,
	"do": true, "does": true, "for": true, "on": true, "it": true, "this": true,
	"that": true, "with": true, "be": true, "as": true, "at": true, "by": true,
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
