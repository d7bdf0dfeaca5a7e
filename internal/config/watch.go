package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the config file on change and invokes onChange with the
// fresh configuration. The scheduler tunables were meant to be adjusted
// empirically in production, so a restart should not be required.
//
// The parent directory is watched rather than the file itself: editors
// and configuration management tools replace files via rename, which
// drops a watch on the file inode.
//
// Returns a stop function. A watch that cannot be established is logged
// and ignored; live reload is best-effort.
func Watch(path string, log *zap.Logger, onChange func(*Config)) (stop func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("config watch unavailable", zap.Error(err))
		return func() {}
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		log.Warn("config watch unavailable", zap.String("dir", dir), zap.Error(err))
		watcher.Close()
		return func() {}
	}

	abs, _ := filepath.Abs(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				evAbs, _ := filepath.Abs(ev.Name)
				if evAbs != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warn("config reload failed", zap.Error(err))
					continue
				}
				log.Info("config reloaded", zap.String("path", path))
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watch error", zap.Error(err))
			}
		}
	}()

	return func() { watcher.Close() }
}
