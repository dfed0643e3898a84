// Package plugin defines the plugin contracts and the registry that
// selects plugins by role. Plugins are compiled in and registered at
// startup; the manifest file only enables, disables, and reprioritizes
// them.
package plugin

import (
	"context"

	"github.com/untoldecay/ThreadLoom/internal/flow"
	"github.com/untoldecay/ThreadLoom/internal/types"
)

// Role declares what a plugin contributes.
type Role string

const (
	// RoleHooks plugins observe and rewrite turns through the pre_call,
	// filter_stream, and post_call phases.
	RoleHooks Role = "hooks"
	// RoleTools plugins contribute callable tools.
	RoleTools Role = "tools"
)

// Plugin is the base contract every plugin fulfills.
type Plugin interface {
	Name() string
	Roles() []Role
	// Priority orders plugins within a role; higher runs earlier in
	// pre_call and later in filter_stream and post_call.
	Priority() int
	Shutdown(ctx context.Context) error
}

// CallConfig is the mutable configuration of the next model call.
// pre_call hooks may rewrite any of it.
type CallConfig struct {
	Model        string
	SystemPrompt string
	// Tools restricts the callable tools by name; nil means all
	// registered tools.
	Tools          []string
	MaxTokens      int64
	ThinkingBudget int64
}

// TurnState is the per-turn payload handed to hooks. Context is the
// thread's mutable context as of this turn; hooks that change it are
// responsible for persisting through the context manager they were
// built with.
type TurnState struct {
	User     string
	ThreadID string
	// TurnID is the correlation id shared by every hook and tool call
	// of this turn.
	TurnID string
	// UserMessage is the turn's incoming user message. pre_call hooks
	// may rewrite it before it is appended to the context.
	UserMessage string
	Config      *CallConfig
	Context     []types.ContextEntry
}

// PreCallHook runs before the model call. It may mutate state and emit
// string status updates through em.
type PreCallHook interface {
	PreCall(ctx context.Context, em flow.Emitter, state *TurnState) error
}

// StreamFilter sees every display-bound stream event. Returning nil
// drops the event from the display stream; persistence is unaffected.
type StreamFilter interface {
	FilterStream(ctx context.Context, state *TurnState, event types.StreamEvent) (*types.StreamEvent, error)
}

// PostCallHook runs after the turn's final model round completes.
type PostCallHook interface {
	PostCall(ctx context.Context, em flow.Emitter, state *TurnState) error
}

// ToolProvider is the conformance surface of RoleTools plugins.
type ToolProvider interface {
	Tools() []Tool
}

// Base carries the boilerplate of the Plugin contract; embed it and
// implement the role interfaces.
type Base struct {
	name     string
	priority int
	roles    []Role
}

func NewBase(name string, priority int, roles ...Role) Base {
	return Base{name: name, priority: priority, roles: roles}
}

func (b Base) Name() string                   { return b.name }
func (b Base) Roles() []Role                  { return b.roles }
func (b Base) Priority() int                  { return b.priority }
func (b Base) Shutdown(context.Context) error { return nil }

// WithPriority returns a copy with a different priority, for manifest
// overrides.
func (b Base) WithPriority(p int) Base {
	b.priority = p
	return b
}
