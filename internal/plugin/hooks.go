package plugin

import (
	"context"
	"fmt"

	"github.com/untoldecay/ThreadLoom/internal/flow"
	"github.com/untoldecay/ThreadLoom/internal/types"
)

// UpdateFunc receives hook status lines, already prefixed with the
// plugin name.
type UpdateFunc func(string)

// PreCall runs every pre_call hook in priority order, highest first.
// Hook updates are forwarded through onUpdate; a failing hook is logged
// and the turn continues without it.
func (r *Registry) PreCall(ctx context.Context, state *TurnState, onUpdate UpdateFunc) {
	for _, p := range r.ByRole(RoleHooks) {
		hook, ok := p.(PreCallHook)
		if !ok {
			continue
		}
		r.runHook(ctx, p.Name(), "pre_call", onUpdate, func(ctx context.Context, em flow.Emitter) error {
			return hook.PreCall(ctx, em, state)
		})
	}
}

// PostCall runs every post_call hook in reverse priority order, lowest
// first, mirroring pre_call like an unwinding stack.
func (r *Registry) PostCall(ctx context.Context, state *TurnState, onUpdate UpdateFunc) {
	hooks := r.ByRole(RoleHooks)
	for i := len(hooks) - 1; i >= 0; i-- {
		hook, ok := hooks[i].(PostCallHook)
		if !ok {
			continue
		}
		name := hooks[i].Name()
		r.runHook(ctx, name, "post_call", onUpdate, func(ctx context.Context, em flow.Emitter) error {
			return hook.PostCall(ctx, em, state)
		})
	}
}

// FilterStream passes a display-bound event through every stream filter
// in reverse priority order. The first filter to return nil drops the
// event; a failing filter is skipped and the event passes unchanged.
func (r *Registry) FilterStream(ctx context.Context, state *TurnState, event types.StreamEvent) (types.StreamEvent, bool) {
	hooks := r.ByRole(RoleHooks)
	current := event
	for i := len(hooks) - 1; i >= 0; i-- {
		filter, ok := hooks[i].(StreamFilter)
		if !ok {
			continue
		}
		filtered, err := filter.FilterStream(ctx, state, current)
		if err != nil {
			r.log.WithError(err).WithField("plugin", hooks[i].Name()).Warn("stream filter failed, passing event through")
			continue
		}
		if filtered == nil {
			return types.StreamEvent{}, false
		}
		current = *filtered
	}
	return current, true
}

// runHook executes one hook phase through the flow bridge so the hook
// can emit updates while it works. Errors are contained to the hook.
func (r *Registry) runHook(ctx context.Context, name, phase string, onUpdate UpdateFunc, fn func(context.Context, flow.Emitter) error) {
	run := flow.Start(ctx, func(ctx context.Context, em flow.Emitter) (struct{}, error) {
		return struct{}{}, fn(ctx, em)
	})
	for update := range run.Updates() {
		if onUpdate == nil {
			continue
		}
		onUpdate(fmt.Sprintf("%s: %v", name, update))
	}
	if _, err := run.Wait(ctx); err != nil {
		r.log.WithError(err).WithField("plugin", name).WithField("phase", phase).Error("hook failed")
	}
}
