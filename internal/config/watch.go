package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch re-loads the config file whenever it changes and invokes apply with
// the freshly validated result. Invalid intermediate states are logged and
// skipped, so a half-saved file never reaches apply. Watch blocks until ctx
// is cancelled.
//
// The parent directory is watched rather than the file itself: editors that
// write-then-rename replace the inode, which would silently detach a
// file-level watch.
func Watch(ctx context.Context, path string, logger *zap.Logger, apply func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload skipped", zap.String("path", path), zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("path", path))
			apply(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
