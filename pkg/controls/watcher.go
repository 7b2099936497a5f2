package controls

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the registry when its mapping file changes on disk.
// Events are debounced because editors and config-map updates usually
// produce several writes per change.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher watches the directory containing the registry's file so that
// atomic rename-replace updates are seen.
func NewWatcher(r *Registry, debounce time.Duration) (*Watcher, error) {
	if r.path == "" {
		return nil, fmt.Errorf("registry has no backing file")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(r.path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{registry: r, watcher: fw, debounce: debounce, done: make(chan struct{})}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.watcher.Close()

	target := filepath.Clean(w.registry.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.registry.logger.Warn("control mapping watcher error", "error", err)

		case <-fire:
			fire = nil
			if _, err := w.registry.Reload(ctx); err != nil {
				// The previous snapshot stays active.
				w.registry.logger.ErrorContext(ctx, "control mapping reload failed", "path", target, "error", err)
			}
		}
	}
}

// Done is closed once Run has returned.
func (w *Watcher) Done() <-chan struct{} { return w.done }
