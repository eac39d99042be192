package tool

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads a registry whenever workflow files in a directory change.
type Watcher struct {
	dir      string
	reg      *Registry
	client   *http.Client
	debounce time.Duration
	onReload func(count int)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

type WatcherConfig struct {
	Dir      string
	Registry *Registry
	Client   *http.Client
	Debounce time.Duration
	OnReload func(count int) // called after every successful reload
	Logger   *slog.Logger
}

// NewWatcher loads the directory once and starts watching it. The directory
// must exist.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultReloadDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(cfg.Dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.Dir, err)
	}
	w := &Watcher{
		dir:      cfg.Dir,
		reg:      cfg.Registry,
		client:   cfg.Client,
		debounce: cfg.Debounce,
		onReload: cfg.OnReload,
		logger:   cfg.Logger,
		watcher:  fw,
	}
	w.reload()
	return w, nil
}

// Run processes file events until ctx is done. Bursts of events (editors
// often write, chmod and rename in a row) collapse into one reload.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isWorkflowFile(filepath.Base(ev.Name)) || ev.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Debug("tool file changed", "file", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("tool watcher error", "err", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	n, err := Reload(w.reg, w.dir, w.client, w.logger)
	if err != nil {
		w.logger.Error("tool reload failed", "dir", w.dir, "err", err)
		return
	}
	w.logger.Info("workflow tools loaded", "dir", w.dir, "count", n)
	if w.onReload != nil {
		w.onReload(n)
	}
}
