package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the directory holding the overrides file for changes
// using fsnotify and calls back into an *Overrides to reload it without
// restarting any supervisor. This is what lets an operator pin a
// non-idempotent upstream's attempt budget to 1, or extend the reconnect
// classifier's recoverable-error patterns, and have it take effect live.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher watches dir for writes/creates of the overrides file named
// overridesFileName and reloads target on each such event.
//
// The watcher immediately starts processing events in a background
// goroutine. Events are not debounced: every write or create event for
// the file triggers its own reload.
func NewWatcher(dir string, overridesFileName string, target *Overrides) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the entire config directory. fsnotify will send events for
	// any file created, written, renamed, or removed in this directory.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	// Start the event processing goroutine.
	go w.processEvents(overridesFileName, target)

	slog.Info("config watcher started", "dir", dir, "file", overridesFileName)
	return w, nil
}

// processEvents reads fsnotify events and reloads target whenever the
// watched overrides file is written or created. Runs in a background
// goroutine until Close() is called.
func (w *Watcher) processEvents(overridesFileName string, target *Overrides) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// We only care about write and create events — not remove
			// or rename, which would indicate the file was deleted.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Match on filename regardless of directory path.
			if filepath.Base(event.Name) != overridesFileName {
				continue
			}
			if err := target.Reload(); err != nil {
				slog.Error("failed to reload overrides", "error", err)
				continue
			}
			slog.Info("overrides file changed, reloaded")

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	// Signal the goroutine to stop.
	select {
	case <-w.done:
		// Already closed.
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
