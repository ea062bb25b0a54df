package schema

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce is how long to wait after the last schema file event before
// firing onChange. Editors typically emit several writes per save.
const debounce = 500 * time.Millisecond

// Watch monitors the schema directory and calls onChange after document
// files are created, written, or removed. It blocks until the context
// is cancelled. A missing directory is not an error; the watcher simply
// has nothing to report until the directory exists at startup.
func Watch(ctx context.Context, dir string, logger *slog.Logger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		logger.Warn("schema directory not watchable, hot reload disabled",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		<-ctx.Done()

		return ctx.Err()
	}

	var timer *time.Timer

	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if !isDocumentFile(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				logger.Debug("schema document changed", slog.String("path", event.Name))

				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}

				fire = timer.C
			}

		case <-fire:
			fire = nil

			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			logger.Warn("schema watcher error", slog.String("error", err.Error()))
		}
	}
}

// isDocumentFile reports whether a path looks like a schema document.
func isDocumentFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}
