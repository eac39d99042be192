package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"coursechat/internal/domain"
)

// FailoverProvider serves the "failover" provider name of the routing
// endpoint: it tries the configured chain in order and moves on when a
// backend is down, throttled or erroring.
//
// An upstream 4xx other than 408 and 429 describes the request or the
// credentials rather than the backend's health. It ends the chain and is
// returned unchanged, so the endpoint forwards its status to the caller.
type FailoverProvider struct {
	providers []domain.Provider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover chain. At least one provider is
// required.
func NewFailoverProvider(providers []domain.Provider, logger *slog.Logger) *FailoverProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverProvider{
		providers: providers,
		logger:    logger,
	}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.providers))
	for i, p := range fp.providers {
		names[i] = p.Name()
	}
	return FailoverName + "(" + strings.Join(names, ",") + ")"
}

// Models lists every model of the chain once, in chain order.
func (fp *FailoverProvider) Models() []string {
	var all []string
	seen := make(map[string]bool)
	for _, p := range fp.providers {
		for _, m := range p.Models() {
			if !seen[m] {
				seen[m] = true
				all = append(all, m)
			}
		}
	}
	return all
}

func (fp *FailoverProvider) SupportsToolCalling() bool {
	for _, p := range fp.providers {
		if p.SupportsToolCalling() {
			return true
		}
	}
	return false
}

// Healthy succeeds when any backend of the chain is healthy.
func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	var errs []error
	for _, p := range fp.providers {
		err := p.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return fmt.Errorf("no healthy provider in failover chain: %w", errors.Join(errs...))
}

// Chat returns the first successful answer of the chain.
func (fp *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var lastErr error
	for i, p := range fp.providers {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			fp.served(p, i)
			return resp, nil
		}
		if !fp.next(ctx, p, i, err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}

// ChatStream fails over only while nothing has reached out: once a backend
// has produced an event the answer is committed to it, and a later failure
// is returned as is. Backends without streaming are asked through Chat and
// their answer is sent as one token. out is closed on return.
func (fp *FailoverProvider) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)

	var lastErr error
	for i, p := range fp.providers {
		forwarded, err := fp.streamOne(ctx, p, req, out)
		if err == nil {
			fp.served(p, i)
			return nil
		}
		if forwarded {
			return err
		}
		if !fp.next(ctx, p, i, err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}

// streamOne runs one backend into out. forwarded reports whether any event
// was passed on.
func (fp *FailoverProvider) streamOne(ctx context.Context, p domain.Provider, req domain.ChatRequest, out chan<- domain.StreamEvent) (forwarded bool, err error) {
	sp, ok := p.(domain.StreamingProvider)
	if !ok {
		resp, err := p.Chat(ctx, req)
		if err != nil {
			return false, err
		}
		if resp.Content != "" {
			out <- domain.StreamEvent{Type: domain.StreamToken, Content: resp.Content}
		}
		out <- domain.StreamEvent{Type: domain.StreamDone, Content: resp.Content, ToolCalls: resp.ToolCalls}
		return true, nil
	}

	events := make(chan domain.StreamEvent, 64)
	errc := make(chan error, 1)
	go func() { errc <- sp.ChatStream(ctx, req, events) }()

	for evt := range events {
		if ctx.Err() != nil {
			continue // drain so the backend can return
		}
		select {
		case out <- evt:
			forwarded = true
		case <-ctx.Done():
		}
	}
	return forwarded, <-errc
}

// next logs a failed attempt and reports whether the chain should go on.
func (fp *FailoverProvider) next(ctx context.Context, p domain.Provider, i int, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if isRequestError(err) {
		fp.logger.Warn("failover: request rejected, not trying other providers",
			"provider", p.Name(), "attempt", i+1, "error", err)
		return false
	}
	fp.logger.Warn("failover: provider failed, trying next",
		"provider", p.Name(), "attempt", i+1, "error", err)
	return true
}

func (fp *FailoverProvider) served(p domain.Provider, i int) {
	if i > 0 {
		fp.logger.Info("failover: used fallback provider", "provider", p.Name(), "attempt", i+1)
	}
}

// isRequestError reports an upstream 4xx that another backend would answer
// the same way.
func isRequestError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return apiErr.Status >= 400 && apiErr.Status < 500
}
