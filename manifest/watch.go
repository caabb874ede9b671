package manifest

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/golemhq/golem-mcp/golemlog"
)

// Watch starts an fsnotify watch on the manifest file's parent directory
// and reloads the in-memory cache whenever a Write or Create event lands
// on the manifest path itself. The manifest is single-writer per process,
// but a second process (e.g. a concurrently running CLI invocation) may
// rewrite the file underneath this one; Watch keeps this cache current
// with that. It blocks until ctx is cancelled.
func (c *Cache) Watch(ctx context.Context, log *golemlog.Logger) error {
	dir := filepath.Dir(c.path)
	if dir == "" {
		dir = "."
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(c.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := c.Load(); err != nil {
				continue
			}
			if log != nil {
				log.Info("manifest reloaded from disk", "path", c.path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if log != nil {
				log.Error("manifest watch error", "error", err)
			}
		}
	}
}
