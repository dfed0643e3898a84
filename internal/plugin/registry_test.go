package plugin

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untoldecay/ThreadLoom/internal/flow"
	"github.com/untoldecay/ThreadLoom/internal/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewRegistry(log)
}

// hookPlugin records the phases it ran and can be told to fail.
type hookPlugin struct {
	Base
	failPreCall bool
	calls       []string
	shutdowns   atomic.Int32
	shutdownErr error
}

func (p *hookPlugin) PreCall(ctx context.Context, em flow.Emitter, state *TurnState) error {
	p.calls = append(p.calls, "pre")
	if p.failPreCall {
		return fmt.Errorf("deliberate failure")
	}
	return em.Emit(ctx, "warmed up")
}

func (p *hookPlugin) PostCall(ctx context.Context, em flow.Emitter, state *TurnState) error {
	p.calls = append(p.calls, "post")
	return nil
}

func (p *hookPlugin) Shutdown(ctx context.Context) error {
	p.shutdowns.Add(1)
	return p.shutdownErr
}

type toolPlugin struct {
	Base
	tools []Tool
}

func (p *toolPlugin) Tools() []Tool { return p.tools }

func TestRegisterConformance(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(&hookPlugin{Base: NewBase("hooked", 0, RoleHooks)}))

	// Same name twice.
	err := r.Register(&hookPlugin{Base: NewBase("hooked", 0, RoleHooks)})
	assert.Error(t, err)

	// Declares hooks but implements none.
	err = r.Register(&toolPlugin{Base: NewBase("liar", 0, RoleHooks)})
	assert.Error(t, err)

	// Declares tools without ToolProvider.
	err = r.Register(&hookPlugin{Base: NewBase("toolless", 0, RoleTools)})
	assert.Error(t, err)

	// Unknown role.
	err = r.Register(&hookPlugin{Base: NewBase("odd", 0, Role("mystery"))})
	assert.Error(t, err)

	err = r.Register(&hookPlugin{Base: NewBase("", 0, RoleHooks)})
	assert.Error(t, err)
}

func TestByRoleOrdering(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(&hookPlugin{Base: NewBase("bravo", 5, RoleHooks)}))
	require.NoError(t, r.Register(&hookPlugin{Base: NewBase("alpha", 5, RoleHooks)}))
	require.NoError(t, r.Register(&hookPlugin{Base: NewBase("zulu", 10, RoleHooks)}))

	ordered := r.ByRole(RoleHooks)
	require.Len(t, ordered, 3)
	assert.Equal(t, "zulu", ordered[0].Name())
	assert.Equal(t, "alpha", ordered[1].Name())
	assert.Equal(t, "bravo", ordered[2].Name())

	assert.Empty(t, r.ByRole(RoleTools))
}

func TestPreCallForwardsUpdatesAndIsolatesFailures(t *testing.T) {
	r := newTestRegistry(t)
	good := &hookPlugin{Base: NewBase("good", 10, RoleHooks)}
	bad := &hookPlugin{Base: NewBase("bad", 20, RoleHooks), failPreCall: true}
	require.NoError(t, r.Register(good))
	require.NoError(t, r.Register(bad))

	var updates []string
	state := &TurnState{User: "alice", Config: &CallConfig{}}
	r.PreCall(context.Background(), state, func(s string) { updates = append(updates, s) })

	// The failing higher-priority hook ran first and did not stop the
	// good one.
	assert.Equal(t, []string{"pre"}, bad.calls)
	assert.Equal(t, []string{"pre"}, good.calls)
	assert.Equal(t, []string{"good: warmed up"}, updates)
}

func TestPostCallRunsInReverseOrder(t *testing.T) {
	r := newTestRegistry(t)
	var order []string
	first := &orderedHook{Base: NewBase("first", 10, RoleHooks), order: &order}
	second := &orderedHook{Base: NewBase("second", 5, RoleHooks), order: &order}
	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	state := &TurnState{Config: &CallConfig{}}
	r.PreCall(context.Background(), state, nil)
	r.PostCall(context.Background(), state, nil)

	assert.Equal(t, []string{"first:pre", "second:pre", "second:post", "first:post"}, order)
}

type orderedHook struct {
	Base
	order *[]string
}

func (p *orderedHook) PreCall(ctx context.Context, em flow.Emitter, state *TurnState) error {
	*p.order = append(*p.order, p.Name()+":pre")
	return nil
}

func (p *orderedHook) PostCall(ctx context.Context, em flow.Emitter, state *TurnState) error {
	*p.order = append(*p.order, p.Name()+":post")
	return nil
}

// redactFilter blanks content; dropFilter removes events entirely.
type redactFilter struct{ Base }

func (p *redactFilter) FilterStream(_ context.Context, _ *TurnState, event types.StreamEvent) (*types.StreamEvent, error) {
	event.Content = "[redacted]"
	return &event, nil
}

type dropFilter struct{ Base }

func (p *dropFilter) FilterStream(_ context.Context, _ *TurnState, _ types.StreamEvent) (*types.StreamEvent, error) {
	return nil, nil
}

type failFilter struct{ Base }

func (p *failFilter) FilterStream(_ context.Context, _ *TurnState, _ types.StreamEvent) (*types.StreamEvent, error) {
	return nil, fmt.Errorf("filter exploded")
}

func TestFilterStream(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(&redactFilter{Base: NewBase("redact", 0, RoleHooks)}))

	event := types.StreamEvent{Kind: types.EventMessageTokens, Content: "secret"}
	out, keep := r.FilterStream(context.Background(), &TurnState{}, event)
	assert.True(t, keep)
	assert.Equal(t, "[redacted]", out.Content)

	require.NoError(t, r.Register(&dropFilter{Base: NewBase("drop", 5, RoleHooks)}))
	_, keep = r.FilterStream(context.Background(), &TurnState{}, event)
	assert.False(t, keep)
}

func TestFilterStreamFailurePassesThrough(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(&failFilter{Base: NewBase("broken", 0, RoleHooks)}))

	event := types.StreamEvent{Kind: types.EventMessageTokens, Content: "survives"}
	out, keep := r.FilterStream(context.Background(), &TurnState{}, event)
	assert.True(t, keep)
	assert.Equal(t, "survives", out.Content)
}

func TestToolsAcrossPlugins(t *testing.T) {
	r := newTestRegistry(t)
	echo := NewFuncTool("echo", "echoes", []Param{{Name: "text", Type: "string", Required: true}},
		func(_ context.Context, _ flow.Emitter, inv Invocation) (any, error) { return inv.Args["text"], nil })
	require.NoError(t, r.Register(&toolPlugin{Base: NewBase("toolbox", 0, RoleTools), tools: []Tool{echo}}))

	tools := r.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name())
	assert.NotNil(t, r.Tool("echo"))
	assert.Nil(t, r.Tool("missing"))

	out, err := echo.Invoke(context.Background(), nil, Invocation{Args: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = echo.Invoke(context.Background(), nil, Invocation{Args: map[string]any{}})
	assert.Error(t, err)

	def := echo.Def()
	assert.Equal(t, []string{"text"}, def.Required)
	assert.Contains(t, def.InputSchema, "text")
}

func TestShutdownFanOut(t *testing.T) {
	r := newTestRegistry(t)
	ok := &hookPlugin{Base: NewBase("ok", 0, RoleHooks)}
	failing := &hookPlugin{Base: NewBase("failing", 0, RoleHooks), shutdownErr: fmt.Errorf("stuck")}
	require.NoError(t, r.Register(ok))
	require.NoError(t, r.Register(failing))

	err := r.Shutdown(context.Background())
	assert.Error(t, err)
	// Both were attempted despite the failure.
	assert.Equal(t, int32(1), ok.shutdowns.Load())
	assert.Equal(t, int32(1), failing.shutdowns.Load())
}
