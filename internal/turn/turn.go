// Package turn orchestrates one streaming chat turn: persist the user
// message, run the hook phases around the model call loop, dispatch
// tool calls, and keep history and context consistent throughout.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/untoldecay/ThreadLoom/internal/chatctx"
	"github.com/untoldecay/ThreadLoom/internal/flow"
	"github.com/untoldecay/ThreadLoom/internal/model"
	"github.com/untoldecay/ThreadLoom/internal/plugin"
	"github.com/untoldecay/ThreadLoom/internal/prompts"
	"github.com/untoldecay/ThreadLoom/internal/suggest"
	"github.com/untoldecay/ThreadLoom/internal/thread"
	"github.com/untoldecay/ThreadLoom/internal/types"
)

const (
	// maxToolRounds bounds the tool-call loop of a single turn.
	maxToolRounds = 8

	// titleLimit is how much of the first message becomes the thread
	// title.
	titleLimit = 50

	// displayLimit truncates tool results in tool_update lines.
	displayLimit = 250
)

// CallConfig is the mutable per-turn model call configuration.
type CallConfig = plugin.CallConfig

// Request starts a turn. An empty ThreadID creates a new thread from
// Model and PromptName.
type Request struct {
	User       string
	ThreadID   string
	Message    string
	Model      string
	PromptName string
}

// Result is the final value of a completed turn.
type Result struct {
	ThreadID     string
	MessageID    string
	Rounds       int
	InputTokens  int64
	OutputTokens int64
}

// Orchestrator wires the managers together for turn execution.
type Orchestrator struct {
	threads  *thread.Manager
	context  *chatctx.Manager
	prompts  *prompts.Library
	provider model.Provider
	registry *plugin.Registry
	log      *logrus.Entry
}

func New(threads *thread.Manager, context *chatctx.Manager, lib *prompts.Library,
	provider model.Provider, registry *plugin.Registry, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		threads:  threads,
		context:  context,
		prompts:  lib,
		provider: provider,
		registry: registry,
		log:      log.WithField("component", "turn"),
	}
}

// Run executes one turn. Updates on the returned run are
// types.StreamEvent values; the display stream has already been through
// the filter_stream hooks. Persistence never depends on filtering.
func (o *Orchestrator) Run(ctx context.Context, req Request) *flow.Run[Result] {
	return flow.Start(ctx, func(ctx context.Context, em flow.Emitter) (Result, error) {
		res, err := o.runTurn(ctx, em, req)
		if err != nil {
			// The error event reaches the client before the stream ends;
			// the run error is for the server side.
			_ = em.Emit(ctx, types.StreamEvent{Kind: types.EventError, Message: err.Error(), Timestamp: types.Now()})
			return Result{}, err
		}
		return res, nil
	})
}

func (o *Orchestrator) runTurn(ctx context.Context, em flow.Emitter, req Request) (Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return Result{}, fmt.Errorf("empty message")
	}

	th, err := o.resolveThread(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if err := em.Emit(ctx, types.StreamEvent{Kind: types.EventThreadID, ThreadID: th.ID, Timestamp: types.Now()}); err != nil {
		return Result{}, err
	}

	// User message: history first, unfiltered. The context append waits
	// until pre_call has run, so hooks see the context as it was before
	// this turn and may rewrite the message itself.
	if _, err := o.threads.AddMessage(ctx, req.User, th.ID, types.RoleUser, req.Message); err != nil {
		return Result{}, err
	}
	userMsgID := uuid.NewString()
	turnID := "turn_" + userMsgID
	log := o.log.WithField("turn", turnID).WithField("thread", th.ID).WithField("user", req.User)

	state, err := o.buildState(ctx, req.User, th, req.Message, turnID)
	if err != nil {
		return Result{}, err
	}

	emitUpdate := func(line string) {
		// Hook updates land in history too, correlated by a fresh call id.
		if err := o.recordToolUpdate(ctx, em, req.User, th, state, line, uuid.NewString()); err != nil {
			log.WithError(err).Warn("failed to record hook update")
		}
	}
	o.registry.PreCall(ctx, state, emitUpdate)

	// The context entry and the user's history message share an id so
	// the two stay correlatable.
	if _, err := o.context.AddMessage(ctx, req.User, th.ID,
		types.ContextEntry{"role": "user", "content": state.UserMessage}, userMsgID); err != nil {
		return Result{}, err
	}

	result := Result{ThreadID: th.ID}
	var allCalls []types.ToolCall
	var assistantCtxIDs []string
	var lastRound model.Round

	for round := 0; round < maxToolRounds; round++ {
		result.Rounds++
		stripped, err := o.context.GetContext(ctx, req.User, th.ID, true)
		if err != nil {
			return Result{}, err
		}

		modelRun := o.provider.Stream(ctx, model.Request{
			Model:          state.Config.Model,
			SystemPrompt:   state.Config.SystemPrompt,
			Messages:       stripped,
			Tools:          o.toolDefs(state.Config.Tools),
			MaxTokens:      state.Config.MaxTokens,
			ThinkingBudget: state.Config.ThinkingBudget,
		})

		seg := newSegmenter(o, ctx, req.User, th, state, em)
		for update := range modelRun.Updates() {
			event, ok := update.(types.StreamEvent)
			if !ok {
				continue
			}
			if err := seg.feed(event); err != nil {
				return Result{}, err
			}
		}
		roundResult, err := modelRun.Wait(ctx)
		if err != nil {
			return Result{}, err
		}
		if err := seg.flush(); err != nil {
			return Result{}, err
		}
		lastRound = roundResult
		result.InputTokens += roundResult.InputTokens
		result.OutputTokens += roundResult.OutputTokens

		ctxID, err := o.persistAssistantRound(ctx, req.User, th, state, roundResult, seg.wroteText)
		if err != nil {
			return Result{}, err
		}
		if ctxID != "" {
			assistantCtxIDs = append(assistantCtxIDs, ctxID)
			result.MessageID = ctxID
		}

		if len(roundResult.ToolCalls) == 0 {
			break
		}
		// tool_calls stay internal; the display stream learns about them
		// through tool_update lines and the stream_end metadata.
		allCalls = append(allCalls, roundResult.ToolCalls...)
		if err := o.dispatchTools(ctx, em, req.User, th, state, roundResult.ToolCalls); err != nil {
			return Result{}, err
		}
		log.WithField("round", round+1).WithField("tool_calls", len(roundResult.ToolCalls)).Debug("tool round complete")
	}

	o.registry.PostCall(ctx, state, emitUpdate)

	// Reasoning is round-local scratch; it never survives the turn.
	for _, id := range assistantCtxIDs {
		if _, err := o.context.UpdateMessage(ctx, req.User, th.ID, id,
			map[string]any{"reasoning_content": chatctx.Unset}); err != nil {
			log.WithError(err).Warn("failed to purge reasoning content")
		}
	}

	if err := em.Emit(ctx, types.StreamEvent{
		Kind:     types.EventStreamEnd,
		ThreadID: th.ID,
		Metadata: &types.StreamMetadata{
			MessageID:    result.MessageID,
			ToolCalls:    dedupeCalls(allCalls),
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			StopReason:   lastRound.StopReason,
		},
		Timestamp: types.Now(),
	}); err != nil {
		return Result{}, err
	}

	log.WithField("rounds", result.Rounds).Info("turn complete")
	return result, nil
}

// resolveThread loads the thread or creates one titled after the first
// message.
func (o *Orchestrator) resolveThread(ctx context.Context, req Request) (*types.Thread, error) {
	if req.ThreadID != "" {
		th, err := o.threads.GetThread(ctx, req.User, req.ThreadID)
		if err != nil {
			return nil, err
		}
		if th == nil {
			return nil, fmt.Errorf("thread %q not found", req.ThreadID)
		}
		return th, nil
	}

	title := req.Message
	if runes := []rune(title); len(runes) > titleLimit {
		title = string(runes[:titleLimit]) + "..."
	}
	return o.threads.CreateThread(ctx, req.User, title, req.Model, req.PromptName)
}

// buildState resolves the thread's prompt name into text and assembles
// the mutable turn state the hooks see.
func (o *Orchestrator) buildState(ctx context.Context, user string, th *types.Thread, message, turnID string) (*plugin.TurnState, error) {
	promptText := ""
	if th.SystemPrompt != "" {
		text, ok := o.prompts.Get(th.SystemPrompt)
		if !ok {
			o.log.WithField("prompt", th.SystemPrompt).Warnf(
				"unknown system prompt%s, calling without one", suggest.Hint(th.SystemPrompt, o.prompts.List()))
		} else {
			promptText = text
		}
	}

	entries, err := o.context.GetContext(ctx, user, th.ID, false)
	if err != nil {
		return nil, err
	}
	return &plugin.TurnState{
		User:        user,
		ThreadID:    th.ID,
		TurnID:      turnID,
		UserMessage: message,
		Config: &plugin.CallConfig{
			Model:        th.Model,
			SystemPrompt: promptText,
		},
		Context: entries,
	}, nil
}

// toolDefs returns the model declarations of the enabled tools. A nil
// allowlist enables everything registered.
func (o *Orchestrator) toolDefs(allowed []string) []model.ToolDef {
	allow := map[string]bool{}
	for _, name := range allowed {
		allow[name] = true
	}
	var defs []model.ToolDef
	for _, tool := range o.registry.Tools() {
		if allowed != nil && !allow[tool.Name()] {
			continue
		}
		defs = append(defs, tool.Def())
	}
	return defs
}

// persistAssistantRound records the round's assistant message in the
// context, and in history unless the segmenter already wrote the text
// segment by segment. Rounds that produced neither text nor tool calls
// leave no trace.
func (o *Orchestrator) persistAssistantRound(ctx context.Context, user string, th *types.Thread,
	state *plugin.TurnState, round model.Round, textInHistory bool) (string, error) {
	if round.Content == "" && len(round.ToolCalls) == 0 {
		return "", nil
	}

	if round.Content != "" && !textInHistory {
		if _, err := o.threads.AddMessage(ctx, user, th.ID, types.RoleAssistant, round.Content,
			thread.WithModel(state.Config.Model)); err != nil {
			return "", err
		}
	}

	entry := types.ContextEntry{
		"role":    "assistant",
		"content": round.Content,
		"model":   state.Config.Model,
	}
	if round.Reasoning != "" {
		entry["reasoning_content"] = round.Reasoning
	}
	if len(round.ToolCalls) > 0 {
		entry["tool_calls"] = round.ToolCalls
	}
	return o.context.AddMessage(ctx, user, th.ID, entry, "")
}

// dispatchTools runs each requested tool and records a tool_update line
// for the call and for its outcome, correlated by the call id.
func (o *Orchestrator) dispatchTools(ctx context.Context, em flow.Emitter, user string, th *types.Thread,
	state *plugin.TurnState, calls []types.ToolCall) error {
	for _, call := range calls {
		name := call.Function.Name
		callLine := fmt.Sprintf("🔧 Calling %s(%s)", name, truncateForDisplay(call.Function.Arguments))
		if err := o.recordToolUpdate(ctx, em, user, th, state, callLine, call.ID); err != nil {
			return err
		}

		resultText, invokeErr := o.invokeTool(ctx, em, user, th, state, call)

		var outcomeLine string
		if invokeErr != nil {
			outcomeLine = fmt.Sprintf("❌ %s: %s", name, truncateForDisplay(invokeErr.Error()))
			resultText = fmt.Sprintf("Error: %s", invokeErr.Error())
		} else {
			outcomeLine = fmt.Sprintf("✅ %s: %s", name, truncateForDisplay(resultText))
		}
		if err := o.recordToolUpdate(ctx, em, user, th, state, outcomeLine, call.ID); err != nil {
			return err
		}

		// The full result goes into the context for the next round.
		if _, err := o.context.AddMessage(ctx, user, th.ID, types.ContextEntry{
			"role":         "tool",
			"tool_call_id": call.ID,
			"content":      resultText,
		}, ""); err != nil {
			return err
		}
	}
	return nil
}

// invokeTool runs one tool through the flow bridge, handing it the
// turn's identity. Yields from the tool become tool_update lines
// correlated by the call id.
func (o *Orchestrator) invokeTool(ctx context.Context, em flow.Emitter, user string, th *types.Thread,
	state *plugin.TurnState, call types.ToolCall) (string, error) {
	name := call.Function.Name
	tool := o.registry.Tool(name)
	if tool == nil {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	args := map[string]any{}
	if strings.TrimSpace(call.Function.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %v", err)
		}
	}

	run := flow.Start(ctx, func(ctx context.Context, toolEm flow.Emitter) (any, error) {
		return tool.Invoke(ctx, toolEm, plugin.Invocation{
			User:     user,
			ThreadID: th.ID,
			TurnID:   state.TurnID,
			Args:     args,
		})
	})
	for update := range run.Updates() {
		line := fmt.Sprintf("%v", update)
		if err := o.recordToolUpdate(ctx, em, user, th, state, line, call.ID); err != nil {
			o.log.WithError(err).WithField("tool", name).Warn("failed to record tool yield")
		}
	}
	result, err := run.Wait(ctx)
	if err != nil {
		return "", err
	}
	return sanitizeResult(result), nil
}

// recordToolUpdate persists a tool_update history message and emits it
// on the display stream.
func (o *Orchestrator) recordToolUpdate(ctx context.Context, em flow.Emitter, user string, th *types.Thread,
	state *plugin.TurnState, line, callID string) error {
	if _, err := o.threads.AddMessage(ctx, user, th.ID, types.RoleTool, line,
		thread.WithType(types.ToolUpdate), thread.WithAuxID(callID)); err != nil {
		return err
	}
	o.emitFiltered(ctx, em, state, types.StreamEvent{
		Kind:      types.EventToolUpdate,
		ThreadID:  th.ID,
		Message:   line,
		CallID:    callID,
		Timestamp: types.Now(),
	})
	return nil
}

// emitFiltered passes a display event through the stream filters and
// emits it unless a filter dropped it.
func (o *Orchestrator) emitFiltered(ctx context.Context, em flow.Emitter, state *plugin.TurnState, event types.StreamEvent) {
	filtered, keep := o.registry.FilterStream(ctx, state, event)
	if !keep {
		return
	}
	_ = em.Emit(ctx, filtered)
}

// dedupeCalls collapses repeated tool calls by id, falling back to the
// index for id-less calls.
func dedupeCalls(calls []types.ToolCall) []types.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	seen := map[string]bool{}
	out := make([]types.ToolCall, 0, len(calls))
	for _, call := range calls {
		key := call.ID
		if key == "" {
			key = fmt.Sprintf("idx_%d", call.Index)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, call)
	}
	return out
}

// sanitizeResult renders a tool result as text the model can consume.
// Non-string results become JSON; unprintable strings are replaced.
func sanitizeResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		if !printable(v) {
			return "Error: tool returned non-printable data"
		}
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func printable(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// truncateForDisplay keeps tool_update lines readable. Truncation
// counts runes so multibyte text is never split mid-character.
func truncateForDisplay(s string) string {
	runes := []rune(s)
	if len(runes) <= displayLimit {
		return s
	}
	return string(runes[:displayLimit-3]) + "..."
}
