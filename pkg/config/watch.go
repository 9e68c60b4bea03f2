package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Watch calls onChange with the reloaded configuration whenever the file at
// path is written or replaced, until ctx is done. Files that fail to load or
// validate are logged and skipped.
func Watch(ctx context.Context, path string, o Overrides, logger *zap.SugaredLogger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create config watcher")
	}
	defer watcher.Close()

	// editors often replace the file, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "watch %s", path)
	}
	name := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnw("config watcher", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err == nil {
				err = cfg.Apply(o)
			}
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				logger.Warnw("config reload skipped", "path", path, "error", err)
				continue
			}
			logger.Infow("config reloaded", "path", path)
			onChange(cfg)
		}
	}
}
