package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reports keys whose files are removed or renamed away by another process.
// Replacing a key with Set is not reported: the rename lands on the target name.
// The watcher stops when ctx is cancelled.
func (f *FileKV) Watch(ctx context.Context, logger *slog.Logger, onRemoved func(key string)) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credstore: create watcher: %w", err)
	}
	if err := w.Add(f.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("credstore: watch %s: %w", f.dir, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				key := filepath.Base(ev.Name)
				if !validKey.MatchString(key) {
					continue
				}
				logger.Debug("credential slot removed externally", "key", key)
				onRemoved(key)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("credential watcher error", "err", err)
			}
		}
	}()
	return nil
}
