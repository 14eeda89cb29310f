package restraint

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher hot-reloads a rule file into an Engine. A malformed edit is
// logged and the previous rule set stays active.
type Watcher struct {
	engine *Engine
	path   string
	logger *slog.Logger

	fw *fsnotify.Watcher
}

// NewWatcher loads the file once, applies it, and prepares a filesystem
// watch on its directory. Editors replace files rather than writing in
// place, so the watch is on the parent directory and events are
// filtered by name.
func NewWatcher(engine *Engine, path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rs, err := LoadRulesFile(path)
	if err != nil {
		return nil, fmt.Errorf("initial rules load: %w", err)
	}
	engine.Replace(rs)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		engine: engine,
		path:   path,
		logger: logger,
		fw:     fw,
	}, nil
}

// Run processes filesystem events until the context is cancelled.
// Bursty editors produce several events per save; reloads are debounced
// so the file is parsed once per burst.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fw.Close()

	ticker := time.NewTicker(reloadDebounce)
	defer ticker.Stop()

	pending := false
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = true

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Rules watcher error", "error", err)

		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	rs, err := LoadRulesFile(w.path)
	if err != nil {
		w.logger.Error("Rules reload failed, keeping previous rule set",
			"path", w.path,
			"error", err)
		return
	}
	w.engine.Replace(rs)
	w.logger.Info("Rules reloaded", "path", w.path, "rule_count", len(rs.Rules))
}
