package policy

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the engine whenever the policy file changes on disk. A
// reload that fails to parse keeps the previous rules. Blocks until ctx is
// done.
func Watch(ctx context.Context, e *Engine, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file, which drops a watch
	// set on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
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
			if err := LoadInto(e, path); err != nil {
				slog.Warn("policy.reload_failed", "path", path, "error", err)
				continue
			}
			slog.Info("policy.reloaded", "path", path, "rules", e.RuleCount())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("policy.watch_error", "error", err)
		}
	}
}
