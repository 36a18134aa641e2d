// Package dbwatcher implements the database file watcher (C8): observe
// the signature file for write-close events and drive the database's
// reload protocol, using fsnotify as the portable wrapper over inotify.
package dbwatcher

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Reloader is the subset of *database.Database this package depends on.
type Reloader interface {
	Reload() error
}

// Watch blocks until ctx is cancelled, calling r.Reload() whenever path
// observes a write (the closest portable signal to CLOSE_WRITE) or a
// create (covers atomic replace-by-rename updaters).
func Watch(ctx context.Context, path string, r Reloader, log *zap.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}

	log.Info("watching signature database for changes", zap.String("path", path))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Info("signature database changed, reloading")
			if err := r.Reload(); err != nil {
				log.Error("signature database reload failed", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error("database watcher error", zap.Error(err))
		}
	}
}
