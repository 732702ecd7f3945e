package users

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the directory whenever its file changes, until ctx is done.
//
// The parent directory is watched rather than the file so that editors and
// config management tools that replace the file by rename are picked up.
func (d *Directory) Watch(ctx context.Context) error {
	if d.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(d.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if err := d.Reload(); err != nil {
				d.log.Warn("users file reload failed", "path", d.path, "err", err)
				continue
			}
			d.log.Info("users file reloaded", "path", d.path, "users", d.Len())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("users file watcher error", "err", err)
		}
	}
}
