package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the limits overrides file. Operators can tighten rate
// caps or size budgets on a running server by editing the file; a broken
// file keeps the last good limits.
type Watcher struct {
	path     string
	provider *LimitsProvider
	logger   *zap.Logger
	fsw      *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given overrides file. The initial
// file contents are applied immediately if the file exists.
func NewWatcher(path string, provider *LimitsProvider, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		provider: provider,
		logger:   logger,
		fsw:      fsw,
	}

	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would be lost.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w.reload()
	return w, nil
}

// Run processes file events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				w.reload()
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.logger.Info("limits file removed, restoring configured limits",
					zap.String("path", w.path))
				w.provider.Reset()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("limits watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	overrides, err := LoadLimitsFile(w.path)
	if err != nil {
		w.logger.Warn("ignoring unreadable limits file, keeping current limits",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.provider.ApplyOverrides(overrides)
	w.logger.Info("applied limits overrides", zap.String("path", w.path))
}
