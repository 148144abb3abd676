package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// editors tend to fire several events per save
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the configuration whenever the playlist file at path changes
// and hands each successfully loaded version to onChange. A file that fails to
// parse is logged and skipped, leaving the previous version in place. The
// watcher stops when ctx is done.
func Watch(ctx context.Context, path string, onChange func(*ConfigStruct)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	// watch the directory so atomic rename-over saves are seen too
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	logger := log.WithFields(log.Fields{
		"module":   "config",
		"function": "Watch",
		"path":     path,
	})
	logger.Info("Watching playlist config for changes")

	go func() {
		defer watcher.Close()

		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if isConfigEvent(event, path) {
					logger.Tracef("Config event: %s", event)
					debounce = time.After(reloadDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("Config watcher error: %v", err)
			case <-debounce:
				debounce = nil
				config, err := Load()
				if err != nil {
					logger.Errorf("Ignoring playlist config change: %v", err)
					continue
				}
				logger.Info("Playlist config reloaded")
				onChange(config)
			}
		}
	}()

	return nil
}

func isConfigEvent(event fsnotify.Event, path string) bool {
	if filepath.Clean(event.Name) != filepath.Clean(path) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}
