package reflex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vthunder/meshrelay/internal/logging"
)

// reloadDebounce batches the burst of events an editor save produces
const reloadDebounce = 250 * time.Millisecond

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// Watch reloads the rule set whenever a rule file in the rules dir is
// created, written, removed or renamed. It blocks until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	if e.dir == "" {
		<-ctx.Done()
		return nil
	}
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return fmt.Errorf("create rules dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(e.dir); err != nil {
		return fmt.Errorf("watch %s: %w", e.dir, err)
	}
	logging.Info("reflex", "Watching %s for rule changes", e.dir)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logging.Debug("reflex", "%s event for %s", event.Op, event.Name)
			debounce = time.After(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("reflex", "Watcher error: %v", err)

		case <-debounce:
			debounce = nil
			if err := e.Load(); err != nil {
				logging.Warn("reflex", "Reload failed: %v", err)
			}
		}
	}
}
