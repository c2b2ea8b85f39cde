package triggers

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/helmsman-cd/helmsman/pkg/telemetry"
)

// DefinitionCache serves workflow definitions from a YAML file and
// hot-reloads them when the file changes.
type DefinitionCache struct {
	path     string
	logger   *telemetry.Logger
	validate *validator.Validate
	mu       sync.RWMutex
	defs     []Definition
	watcher  *fsnotify.Watcher
}

// NewDefinitionCache creates a cache over the given definitions file
// and performs the initial load.
func NewDefinitionCache(path string, logger *telemetry.Logger) (*DefinitionCache, error) {
	c := &DefinitionCache{
		path:     path,
		logger:   logger.NewComponentLogger("definition-cache"),
		validate: validator.New(),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the definitions file. A parse failure keeps the
// previous snapshot.
func (c *DefinitionCache) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read definitions file: %w", err)
	}

	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("failed to parse definitions file %s: %w", c.path, err)
	}
	for i := range defs {
		if err := c.validate.Struct(&defs[i]); err != nil {
			return fmt.Errorf("invalid definition %q in %s: %w", defs[i].ID, c.path, err)
		}
	}

	c.mu.Lock()
	c.defs = defs
	c.mu.Unlock()

	c.logger.WithField("count", len(defs)).Info("Workflow definitions loaded")
	return nil
}

// All returns the current snapshot of every definition.
func (c *DefinitionCache) All() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Matchable returns enabled definitions carrying at least one trigger,
// which is the set the engine evaluates.
func (c *DefinitionCache) Matchable() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := []Definition{}
	for _, d := range c.defs {
		if !d.Disabled && len(d.Triggers) > 0 {
			out = append(out, d)
		}
	}
	return out
}

// Watch reloads the cache when the definitions file changes, until ctx
// is canceled. Reload failures keep serving the last good snapshot.
func (c *DefinitionCache) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(c.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", c.path, err)
	}
	c.watcher = watcher

	go c.processEvents(ctx)

	c.logger.WithField("path", c.path).Info("Watching definitions file")
	return nil
}

func (c *DefinitionCache) processEvents(ctx context.Context) {
	// Debounce bursts of write events from editors and atomic saves.
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = c.watcher.Close()
			return

		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := c.Reload(); err != nil {
					c.logger.WithError(err).Error("Failed to reload definitions")
				}
			})

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.WithError(err).Error("Watcher error")
		}
	}
}

// Close stops watching.
func (c *DefinitionCache) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
