package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"coursechat/internal/domain"
	"coursechat/internal/metrics"
	"coursechat/internal/provider"
)

// handleChat answers POST /api/chat. Streaming requests get the answer as
// plain UTF-8 text flushed token by token; others get {"answer": ...}.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	metrics.GatewayRequests.Inc()

	var req domain.RouteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "BadRequestError", "invalid JSON body")
		return
	}

	course, ok := s.courses[req.CourseName]
	if !ok {
		s.fail(w, http.StatusNotFound, "NotFoundError", "unknown course "+req.CourseName)
		return
	}
	if course.APIKey != "" && subtle.ConstantTimeCompare([]byte(course.APIKey), []byte(req.Key)) != 1 {
		s.fail(w, http.StatusUnauthorized, "AuthenticationError", "invalid API key for course "+req.CourseName)
		return
	}
	conv := req.Conversation
	if conv.LastUserIndex() < 0 {
		s.fail(w, http.StatusBadRequest, "BadRequestError", "conversation has no user message")
		return
	}
	if !s.limiter.Allow(req.CourseName) {
		s.fail(w, http.StatusTooManyRequests, "RateLimitError", "too many requests for course "+req.CourseName)
		return
	}

	p, err := s.resolve(conv.Model.Provider)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "ProviderError", err.Error())
		return
	}

	if conv.Prompt == "" {
		conv.Prompt = course.Prompt
	}
	if conv.CourseName == "" {
		conv.CourseName = req.CourseName
	}
	chatReq := domain.ChatRequest{
		Messages:    s.prompt.BuildMessages(conv),
		Model:       conv.Model.ID,
		Temperature: conv.Temperature,
	}

	log := s.logger.With("course", req.CourseName, "provider", p.Name(), "model", conv.Model.ID, "stream", req.Stream)
	start := time.Now()
	defer func() { metrics.LLMLatency.Observe(time.Since(start).Seconds()) }()

	sp, streams := p.(domain.StreamingProvider)
	if !req.Stream || !streams {
		resp, err := p.Chat(r.Context(), chatReq)
		if err != nil {
			s.providerFailed(w, r, err)
			return
		}
		log.Debug("answered", "tokens", resp.Usage.TotalTokens, "elapsed", time.Since(start))
		if req.Stream {
			writeText(w, resp.Content)
			return
		}
		writeJSON(w, http.StatusOK, domain.RouteAnswer{Answer: resp.Content})
		return
	}

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	wrote, err := s.stream(r.Context(), w, sp, chatReq)
	switch {
	case err == nil:
		log.Debug("streamed", "elapsed", time.Since(start))
	case r.Context().Err() != nil:
		log.Debug("client went away", "err", err)
	case !wrote:
		s.providerFailed(w, r, err)
	default:
		// Headers are out; only a broken connection tells the client the
		// answer is incomplete.
		metrics.GatewayErrors.Inc()
		log.Warn("provider failed mid-stream", "err", err)
		panic(http.ErrAbortHandler)
	}
}

// stream relays provider tokens to w. wrote reports whether any body bytes
// were sent before the provider returned.
func (s *Server) stream(ctx context.Context, w http.ResponseWriter, sp domain.StreamingProvider, req domain.ChatRequest) (wrote bool, err error) {
	out := make(chan domain.StreamEvent, 64)
	errc := make(chan error, 1)
	go func() { errc <- sp.ChatStream(ctx, req, out) }()

	rc := http.NewResponseController(w)
	write := func(text string) {
		if text == "" {
			return
		}
		if !wrote {
			setTextHeaders(w)
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		io.WriteString(w, text)
		rc.Flush()
	}
	for evt := range out {
		switch evt.Type {
		case domain.StreamToken:
			write(evt.Content)
		case domain.StreamDone:
			if !wrote {
				write(evt.Content)
			}
		}
	}
	if err := <-errc; err != nil {
		return wrote, err
	}
	if !wrote {
		// Empty answer: still a valid, empty text response.
		setTextHeaders(w)
		w.WriteHeader(http.StatusOK)
	}
	return wrote, nil
}

func (s *Server) resolve(name string) (domain.Provider, error) {
	if name == "" {
		return s.providers.DefaultProvider()
	}
	return s.providers.Get(name)
}

// providerFailed reports a provider error before any answer bytes were sent.
// Upstream HTTP statuses are forwarded; transport failures become 502.
func (s *Server) providerFailed(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		return
	}
	status := http.StatusBadGateway
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status <= 599 {
		status = apiErr.Status
	}
	s.logger.Warn("provider error", "status", status, "err", err)
	s.fail(w, status, "ProviderError", err.Error())
}

func (s *Server) fail(w http.ResponseWriter, status int, name, message string) {
	metrics.GatewayErrors.Inc()
	writeError(w, status, name, message)
}

func setTextHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeText(w http.ResponseWriter, text string) {
	setTextHeaders(w)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, text)
}
