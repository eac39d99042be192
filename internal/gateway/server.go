// Package gateway serves the hosted model routing endpoint: course-keyed chat
// requests are forwarded to a configured provider and the answer is streamed
// back as plain text.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"coursechat/internal/agent"
	"coursechat/internal/config"
	"coursechat/internal/domain"
)

const maxBodySize = 8 << 20 // conversations carry data-URL images

// Providers resolves a provider by name. *provider.Factory satisfies it.
type Providers interface {
	Get(name string) (domain.Provider, error)
	DefaultProvider() (domain.Provider, error)
	Names() []string
}

type Config struct {
	Courses     map[string]config.CourseConfig
	Providers   Providers
	Prompt      *agent.PromptBuilder
	Limiter     *agent.RateLimiter // nil disables throttling
	Metrics     http.Handler       // mounted at MetricsPath when set
	MetricsPath string
	Websocket   http.Handler       // mounted at WSPath when set
	WSPath      string
	Logger      *slog.Logger
}

type Server struct {
	courses     map[string]config.CourseConfig
	providers   Providers
	prompt      *agent.PromptBuilder
	limiter     *agent.RateLimiter
	metrics     http.Handler
	metricsPath string
	ws          http.Handler
	wsPath      string
	logger      *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Prompt == nil {
		cfg.Prompt = agent.NewPromptBuilder(agent.PromptConfig{})
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{
		courses:     cfg.Courses,
		providers:   cfg.Providers,
		prompt:      cfg.Prompt,
		limiter:     cfg.Limiter,
		metrics:     cfg.Metrics,
		metricsPath: cfg.MetricsPath,
		ws:          cfg.Websocket,
		wsPath:      cfg.WSPath,
		logger:      cfg.Logger,
	}
}

// Routes returns the HTTP handler with all endpoints mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, s.metricsPath, s.metrics)
	}
	if s.ws != nil {
		r.Method(http.MethodGet, s.wsPath, s.ws)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/models", s.handleModels)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		// No WriteTimeout: answers stream for as long as the model generates.
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("gateway shutdown", "err", err)
		}
	}()

	s.logger.Info("gateway started", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(start),
				"request_id", chimiddleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.providers.Names()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, name, message string) {
	writeJSON(w, status, domain.RouteError{
		Error:   message,
		Name:    name,
		Message: message,
		Code:    status,
	})
}
