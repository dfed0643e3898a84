package system

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/untoldecay/ThreadLoom/internal/chatctx"
	"github.com/untoldecay/ThreadLoom/internal/config"
	"github.com/untoldecay/ThreadLoom/internal/flow"
	"github.com/untoldecay/ThreadLoom/internal/plugin"
)

// Default priorities of the built-in plugins. The manifest can override
// them per deployment.
const (
	priorityCallConfig = 100
	priorityWindow     = 50
	priorityClock      = 0
)

// defaultWindow is how many context entries the window plugin keeps
// when the manifest does not configure one.
const defaultWindow = 40

// buildRegistry registers the built-in plugins, honoring the manifest's
// disabled list and priority overrides. Plugins are compiled in; the
// manifest cannot add new ones.
func buildRegistry(s *System, log *logrus.Logger) (*plugin.Registry, error) {
	manifest, err := plugin.LoadManifest(config.PluginManifestPath())
	if err != nil {
		return nil, err
	}

	registry := plugin.NewRegistry(log)
	builtins := []plugin.Plugin{
		newCallConfigPlugin(manifest.Priority("call-config", priorityCallConfig)),
		newWindowPlugin(s.Context, manifest.Priority("window", priorityWindow),
			manifest.SettingsFor("window")),
		newClockPlugin(manifest.Priority("clock", priorityClock)),
	}
	for _, p := range builtins {
		if !manifest.Enabled(p.Name()) {
			log.WithField("plugin", p.Name()).Info("plugin disabled by manifest")
			continue
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// callConfigPlugin applies the configured token limits to every call.
// It runs first so later hooks can still override.
type callConfigPlugin struct {
	plugin.Base
}

func newCallConfigPlugin(priority int) *callConfigPlugin {
	return &callConfigPlugin{Base: plugin.NewBase("call-config", priority, plugin.RoleHooks)}
}

func (p *callConfigPlugin) PreCall(_ context.Context, _ flow.Emitter, state *plugin.TurnState) error {
	if state.Config.MaxTokens == 0 {
		state.Config.MaxTokens = config.GetInt64("model.max-tokens")
	}
	if state.Config.ThinkingBudget == 0 {
		state.Config.ThinkingBudget = config.GetInt64("model.thinking-budget")
	}
	return nil
}

// windowPlugin keeps the model context bounded by dropping the oldest
// entries once the thread grows past the window.
type windowPlugin struct {
	plugin.Base
	context *chatctx.Manager
	window  int
}

func newWindowPlugin(cm *chatctx.Manager, priority int, settings map[string]any) *windowPlugin {
	window := defaultWindow
	if w, ok := settings["window"].(int64); ok && w > 0 {
		window = int(w)
	}
	return &windowPlugin{
		Base:    plugin.NewBase("window", priority, plugin.RoleHooks),
		context: cm,
		window:  window,
	}
}

func (p *windowPlugin) PreCall(ctx context.Context, em flow.Emitter, state *plugin.TurnState) error {
	excess := len(state.Context) - p.window
	if excess <= 0 {
		return nil
	}
	ids := make([]string, 0, excess)
	for _, entry := range state.Context[:excess] {
		if id := entry.ID(); id != "" {
			ids = append(ids, id)
		}
	}
	removed, err := p.context.RemoveMessages(ctx, state.User, state.ThreadID, ids)
	if err != nil {
		return err
	}
	state.Context = state.Context[excess:]
	return em.Emit(ctx, fmt.Sprintf("trimmed %d old messages from context", removed))
}

// clockPlugin gives the model the current time.
type clockPlugin struct {
	plugin.Base
	tools []plugin.Tool
}

func newClockPlugin(priority int) *clockPlugin {
	p := &clockPlugin{Base: plugin.NewBase("clock", priority, plugin.RoleTools)}
	p.tools = []plugin.Tool{
		plugin.NewFuncTool("current_time", "Returns the current date and time.", nil,
			func(context.Context, flow.Emitter, plugin.Invocation) (any, error) {
				return time.Now().Format(time.RFC1123), nil
			}),
	}
	return p
}

func (p *clockPlugin) Tools() []plugin.Tool { return p.tools }
