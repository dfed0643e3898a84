// Package prompts loads the system prompt library from a YAML file and
// hot-reloads it when the file changes.
package prompts

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultName is the prompt used when a thread does not name one.
const DefaultName = "default"

// Library holds named system prompts. Reads are lock-free for callers;
// reloads swap the whole map.
type Library struct {
	path string
	log  *logrus.Entry

	mu      sync.RWMutex
	prompts map[string]string
}

func New(path string, log *logrus.Logger) *Library {
	return &Library{
		path:    path,
		log:     log.WithField("component", "prompts"),
		prompts: map[string]string{},
	}
}

// Load reads the YAML file. A missing file is not an error; the library
// is just empty.
func (l *Library) Load() error {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		l.log.WithField("path", l.path).Warn("prompt file not found, no system prompts available")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read prompt file: %w", err)
	}

	var prompts map[string]string
	if err := yaml.Unmarshal(data, &prompts); err != nil {
		return fmt.Errorf("failed to parse prompt file %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.prompts = prompts
	l.mu.Unlock()
	l.log.WithField("count", len(prompts)).Info("loaded system prompts")
	return nil
}

// Get returns the prompt text for name.
func (l *Library) Get(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.prompts[name]
	return p, ok
}

// List returns the prompt names, sorted.
func (l *Library) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.prompts))
	for name := range l.prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch reloads the library whenever the file changes, until ctx is
// cancelled. A reload that fails to parse keeps the previous prompts.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create prompt watcher: %w", err)
	}
	if err := watcher.Add(l.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := l.Load(); err != nil {
					l.log.WithError(err).Error("prompt reload failed, keeping previous prompts")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log.WithError(err).Warn("prompt watcher error")
			}
		}
	}()
	return nil
}
