package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"coursechat/internal/domain"
)

// RemoteRetriever asks an external retrieval service for the top contexts
// of a query instead of searching the local index.
type RemoteRetriever struct {
	url        string
	tokenLimit int
	client     *http.Client
	logger     *slog.Logger
}

type RemoteConfig struct {
	URL        string
	TokenLimit int
	Client     *http.Client
	Logger     *slog.Logger
}

func NewRemoteRetriever(cfg RemoteConfig) *RemoteRetriever {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.TokenLimit <= 0 {
		cfg.TokenLimit = 4000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RemoteRetriever{url: cfg.URL, tokenLimit: cfg.TokenLimit, client: cfg.Client, logger: cfg.Logger}
}

type remoteRequest struct {
	CourseName  string   `json:"course_name"`
	SearchQuery string   `json:"search_query"`
	TokenLimit  int      `json:"token_limit"`
	DocGroups   []string `json:"doc_groups,omitempty"`
	TopN        int      `json:"top_n,omitempty"`
}

func (r *RemoteRetriever) TopContexts(ctx context.Context, q domain.KnowledgeQuery) ([]domain.ContextItem, error) {
	body, err := json.Marshal(remoteRequest{
		CourseName:  q.CourseName,
		SearchQuery: q.Text,
		TokenLimit:  r.tokenLimit,
		DocGroups:   q.DocGroups,
		TopN:        q.TopK,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieve contexts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("retrieve contexts: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var items []domain.ContextItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode contexts: %w", err)
	}
	if q.TopK > 0 && len(items) > q.TopK {
		items = items[:q.TopK]
	}
	r.logger.Debug("remote contexts retrieved", "course", q.CourseName, "count", len(items), "elapsed", time.Since(start))
	return items, nil
}
