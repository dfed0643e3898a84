package plugin

import (
	"context"
	"fmt"

	"github.com/untoldecay/ThreadLoom/internal/flow"
	"github.com/untoldecay/ThreadLoom/internal/model"
)

// Invocation identifies the turn a tool call runs inside. TurnID is the
// correlation id shared with every hook of the same turn.
type Invocation struct {
	User     string
	ThreadID string
	TurnID   string
	// Args is the decoded JSON arguments object.
	Args map[string]any
}

// Tool is one callable function exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Def returns the provider-neutral declaration sent to the model.
	Def() model.ToolDef
	// Invoke runs the tool. Progress lines emitted through em become
	// tool_update events, persisted and displayed like the call itself.
	Invoke(ctx context.Context, em flow.Emitter, inv Invocation) (any, error)
}

// Param declares one tool parameter for FuncTool.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// FuncTool wraps a plain function as a Tool with an explicit parameter
// declaration.
type FuncTool struct {
	name        string
	description string
	params      []Param
	fn          func(ctx context.Context, em flow.Emitter, inv Invocation) (any, error)
}

func NewFuncTool(name, description string, params []Param, fn func(ctx context.Context, em flow.Emitter, inv Invocation) (any, error)) *FuncTool {
	return &FuncTool{name: name, description: description, params: params, fn: fn}
}

func (t *FuncTool) Name() string        { return t.name }
func (t *FuncTool) Description() string { return t.description }

func (t *FuncTool) Def() model.ToolDef {
	properties := make(map[string]any, len(t.params))
	var required []string
	for _, p := range t.params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return model.ToolDef{
		Name:        t.name,
		Description: t.description,
		InputSchema: properties,
		Required:    required,
	}
}

// Invoke checks required parameters before calling the wrapped
// function.
func (t *FuncTool) Invoke(ctx context.Context, em flow.Emitter, inv Invocation) (any, error) {
	for _, p := range t.params {
		if !p.Required {
			continue
		}
		if _, ok := inv.Args[p.Name]; !ok {
			return nil, fmt.Errorf("missing required parameter %q", p.Name)
		}
	}
	return t.fn(ctx, em, inv)
}
