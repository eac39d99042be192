package memory

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"coursechat/internal/domain"
)

// MessageLog records completed answers in the message_log table.
type MessageLog struct {
	db *sql.DB
}

func NewMessageLog(db *sql.DB) *MessageLog {
	return &MessageLog{db: db}
}

func (l *MessageLog) LogMessage(ctx context.Context, e domain.MessageLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO message_log (conversation_id, course_name, model, user_message, answer, context_count, tool_count, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ConversationID, e.CourseName, e.Model, e.UserMessage, e.Answer,
		e.ContextCount, e.ToolCount, e.LatencyMs, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("log message: %w", err)
	}
	return nil
}

// Recent returns the latest entries of a course, newest first.
func (l *MessageLog) Recent(ctx context.Context, courseName string, limit int) ([]domain.MessageLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT conversation_id, course_name, model, user_message, answer, context_count, tool_count, latency_ms, created_at
		 FROM message_log WHERE ? = '' OR course_name = ?
		 ORDER BY id DESC LIMIT ?`,
		courseName, courseName, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MessageLogEntry
	for rows.Next() {
		var e domain.MessageLogEntry
		if err := rows.Scan(&e.ConversationID, &e.CourseName, &e.Model, &e.UserMessage, &e.Answer,
			&e.ContextCount, &e.ToolCount, &e.LatencyMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// WebhookLogger posts each completed answer as JSON to an external
// analytics endpoint.
type WebhookLogger struct {
	url    string
	client *http.Client
}

func NewWebhookLogger(url string, client *http.Client) *WebhookLogger {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookLogger{url: url, client: client}
}

func (w *WebhookLogger) LogMessage(ctx context.Context, e domain.MessageLogEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post message log: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post message log: status %d", resp.StatusCode)
	}
	return nil
}
