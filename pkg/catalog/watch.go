package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the catalog when files in its directory change, until ctx is done.
// Editors often emit several events per save, so reloads are debounced.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.dir == "" {
		return fmt.Errorf("catalog has no directory to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", c.dir, err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()

		debounce := time.NewTimer(0)
		<-debounce.C
		pending := false

		for {
			select {
			case <-ctx.Done():
				debounce.Stop()
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isYAML(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				pending = true
				debounce.Reset(reloadDebounce)

			case <-debounce.C:
				if !pending {
					continue
				}
				pending = false
				if err := c.Reload(); err != nil {
					c.logger.Error("catalog reload failed, keeping previous definitions: %v", err)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("catalog watcher error: %v", err)
			}
		}
	}()
	return nil
}
