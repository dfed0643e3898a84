package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds how long any single plugin may take to shut
// down before the fan-out gives up on it.
const shutdownTimeout = 5 * time.Second

// Registry holds the registered plugins. Registration happens during
// startup; reads afterwards are concurrent.
type Registry struct {
	log *logrus.Entry

	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry(log *logrus.Logger) *Registry {
	return &Registry{
		log:     log.WithField("component", "plugins"),
		plugins: map[string]Plugin{},
	}
}

// Register adds a plugin after checking that it conforms to every role
// it declares: RoleHooks needs at least one hook interface, RoleTools
// needs ToolProvider. Duplicate names are refused.
func (r *Registry) Register(p Plugin) error {
	if p.Name() == "" {
		return fmt.Errorf("plugin with empty name")
	}
	if len(p.Roles()) == 0 {
		return fmt.Errorf("plugin %q declares no roles", p.Name())
	}
	for _, role := range p.Roles() {
		switch role {
		case RoleHooks:
			_, pre := p.(PreCallHook)
			_, filter := p.(StreamFilter)
			_, post := p.(PostCallHook)
			if !pre && !filter && !post {
				return fmt.Errorf("plugin %q declares role %q but implements no hook interface", p.Name(), role)
			}
		case RoleTools:
			if _, ok := p.(ToolProvider); !ok {
				return fmt.Errorf("plugin %q declares role %q but does not implement ToolProvider", p.Name(), role)
			}
		default:
			return fmt.Errorf("plugin %q declares unknown role %q", p.Name(), role)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Name()]; exists {
		return fmt.Errorf("plugin %q already registered", p.Name())
	}
	r.plugins[p.Name()] = p
	r.log.WithField("plugin", p.Name()).WithField("roles", p.Roles()).
		WithField("priority", p.Priority()).Info("registered plugin")
	return nil
}

// Get returns a plugin by name, or nil.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plugins[name]
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByRole returns the plugins declaring a role, priority descending with
// name as the tiebreak so ordering is deterministic.
func (r *Registry) ByRole(role Role) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Plugin
	for _, p := range r.plugins {
		for _, pr := range p.Roles() {
			if pr == role {
				out = append(out, p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Tools returns every tool contributed by RoleTools plugins, in role
// order.
func (r *Registry) Tools() []Tool {
	var tools []Tool
	for _, p := range r.ByRole(RoleTools) {
		tools = append(tools, p.(ToolProvider).Tools()...)
	}
	return tools
}

// Tool returns a tool by name, or nil.
func (r *Registry) Tool(name string) Tool {
	for _, tool := range r.Tools() {
		if tool.Name() == name {
			return tool
		}
	}
	return nil
}

// Shutdown fans out to every plugin concurrently. Each gets a bounded
// wait; every failure is logged and the first is returned.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	plugins := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		plugins = append(plugins, p)
	}
	r.mu.RUnlock()

	// A plain group: one failing plugin must not cancel the others.
	var g errgroup.Group
	for _, p := range plugins {
		g.Go(func() error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			if err := p.Shutdown(shutdownCtx); err != nil {
				r.log.WithError(err).WithField("plugin", p.Name()).Error("plugin shutdown failed")
				return fmt.Errorf("plugin %q shutdown: %w", p.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
