package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HealthChecker is anything that can report whether it is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// HeartbeatConfig configures the periodic health check of model backends.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Checks   map[string]HealthChecker // name -> backend
	Notifier Notifier                 // told when a backend goes down or recovers
	Logger   *slog.Logger
}

// Heartbeat checks model backends on a timer and notifies on every change
// of health, so a dead local engine shows up before a student hits it.
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	checks   map[string]HealthChecker
	notifier Notifier
	logger   *slog.Logger

	mu   sync.RWMutex
	down map[string]string // name -> last error
}

func NewHeartbeat(cfg HeartbeatConfig) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Heartbeat{
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		checks:   cfg.Checks,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		down:     make(map[string]string),
	}
}

// Start runs a check immediately and then on every tick. Blocks until ctx
// is cancelled.
func (h *Heartbeat) Start(ctx context.Context) {
	if len(h.checks) == 0 {
		return
	}
	h.logger.Info("heartbeat started", "interval", h.interval, "backends", len(h.checks))

	h.CheckNow(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("heartbeat stopped")
			return
		case <-ticker.C:
			h.CheckNow(ctx)
		}
	}
}

// CheckNow runs every check once.
func (h *Heartbeat) CheckNow(ctx context.Context) {
	for name, c := range h.checks {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := c.Healthy(cctx)
		cancel()
		h.record(name, err)
	}
}

func (h *Heartbeat) record(name string, err error) {
	h.mu.Lock()
	prev, wasDown := h.down[name]
	if err != nil {
		h.down[name] = err.Error()
	} else {
		delete(h.down, name)
	}
	h.mu.Unlock()

	switch {
	case err != nil && !wasDown:
		h.logger.Warn("backend unhealthy", "backend", name, "err", err)
		h.notify(Notification{Title: name + " unavailable", Message: err.Error(), Error: true})
	case err != nil && prev != err.Error():
		h.logger.Debug("backend still unhealthy", "backend", name, "err", err)
	case err == nil && wasDown:
		h.logger.Info("backend recovered", "backend", name)
		h.notify(Notification{Title: name + " recovered", Message: "back online"})
	}
}

func (h *Heartbeat) notify(n Notification) {
	if h.notifier != nil {
		h.notifier.Notify("", n)
	}
}

// Down returns the backends that failed their last check with the error.
func (h *Heartbeat) Down() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.down))
	for k, v := range h.down {
		out[k] = v
	}
	return out
}
