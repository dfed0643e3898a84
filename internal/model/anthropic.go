// Package model adapts the Anthropic API to the turn orchestrator: one
// Stream call per model round, token deltas as flow updates, and the
// accumulated round as the final value.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/untoldecay/ThreadLoom/internal/flow"
	"github.com/untoldecay/ThreadLoom/internal/types"
)

const (
	maxRetries     = 3
	baseRetryDelay = 1 * time.Second

	// DefaultMaxTokens bounds a single model round.
	DefaultMaxTokens = 8192
)

// ToolDef describes one callable tool in provider-neutral terms.
type ToolDef struct {
	Name        string
	Description string
	// InputSchema holds the JSON-schema properties of the tool's
	// parameters.
	InputSchema map[string]any
	Required    []string
}

// Request is one model round: the full context plus call configuration.
type Request struct {
	Model        string
	SystemPrompt string
	// Messages are stripped context entries, oldest first.
	Messages  []types.ContextEntry
	Tools     []ToolDef
	MaxTokens int64
	// ThinkingBudget enables extended thinking when positive.
	ThinkingBudget int64
}

// Round is the accumulated result of one streamed model call.
type Round struct {
	MessageID    string
	Content      string
	Reasoning    string
	ToolCalls    []types.ToolCall
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// Provider is what the orchestrator needs from a model backend.
type Provider interface {
	// Stream starts one model round. Updates are StreamEvent values of
	// kind thinking_tokens or message_tokens.
	Stream(ctx context.Context, req Request) *flow.Run[Round]

	// Models returns the model ids this provider can serve.
	Models(ctx context.Context) ([]string, error)
}

// fallbackModels is served when the models endpoint is unreachable.
var fallbackModels = []string{
	"claude-haiku-4-5",
	"claude-opus-4-6",
	"claude-sonnet-4-5",
}

// Client is the Anthropic-backed Provider.
type Client struct {
	api anthropic.Client
	log *logrus.Entry
}

// New creates a Client. An empty apiKey falls back to the SDK's
// environment lookup (ANTHROPIC_API_KEY).
func New(apiKey string, log *logrus.Logger) *Client {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Client{
		api: anthropic.NewClient(opts...),
		log: log.WithField("component", "model"),
	}
}

// Models lists the available model ids, newest first.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	page, err := c.api.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		c.log.WithError(err).Warn("model listing failed, serving fallback list")
		return append([]string(nil), fallbackModels...), nil
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, string(m.ID))
	}
	sort.Strings(ids)
	return ids, nil
}

// Stream runs one model round. Transient failures before the first
// token are retried with exponential backoff; once streaming has
// started, errors surface to the caller.
func (c *Client) Stream(ctx context.Context, req Request) *flow.Run[Round] {
	return flow.Start(ctx, func(ctx context.Context, em flow.Emitter) (Round, error) {
		params, err := c.buildParams(req)
		if err != nil {
			return Round{}, err
		}

		var round Round
		attempt := 0
		err = backoff.Retry(func() error {
			attempt++
			if attempt > 1 {
				c.log.WithField("attempt", attempt).Warn("retrying model call")
			}
			r, started, err := c.streamOnce(ctx, em, params)
			if err != nil {
				return classifyAttempt(err, started)
			}
			round = r
			return nil
		}, newRetryPolicy(ctx))
		if err != nil {
			return Round{}, err
		}
		return round, nil
	})
}

// newRetryPolicy builds the backoff schedule for pre-stream failures.
func newRetryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = baseRetryDelay
	policy.MaxInterval = 8 * time.Second
	policy.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx)
}

// classifyAttempt decides whether a failed attempt may be retried. A
// stream that already delivered tokens is never retried.
func classifyAttempt(err error, started bool) error {
	if started || !isRetryable(err) {
		return backoff.Permanent(err)
	}
	return err
}

// streamOnce runs a single streaming attempt. started reports whether
// any token reached the caller, which makes the attempt non-retryable.
func (c *Client) streamOnce(ctx context.Context, em flow.Emitter, params anthropic.MessageNewParams) (Round, bool, error) {
	stream := c.api.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	started := false
	message := anthropic.Message{}
	toolArgs := map[int]*types.ToolCall{}
	var content, reasoning strings.Builder
	var stopReason string

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return Round{}, started, fmt.Errorf("failed to accumulate stream event: %w", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				idx := int(ev.Index)
				toolArgs[idx] = &types.ToolCall{
					ID:       block.ID,
					Index:    idx,
					Type:     "function",
					Function: types.FunctionCall{Name: block.Name},
				}
				started = true
			}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				started = true
				content.WriteString(delta.Text)
				if err := em.Emit(ctx, types.StreamEvent{Kind: types.EventMessageTokens, Content: delta.Text}); err != nil {
					return Round{}, started, err
				}
			case anthropic.ThinkingDelta:
				started = true
				reasoning.WriteString(delta.Thinking)
				if err := em.Emit(ctx, types.StreamEvent{Kind: types.EventThinkingTokens, Content: delta.Thinking}); err != nil {
					return Round{}, started, err
				}
			case anthropic.InputJSONDelta:
				if call, ok := toolArgs[int(ev.Index)]; ok {
					call.Function.Arguments += delta.PartialJSON
				}
			}

		case anthropic.MessageDeltaEvent:
			if ev.Delta.StopReason != "" {
				stopReason = string(ev.Delta.StopReason)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Round{}, started, fmt.Errorf("stream error: %w", err)
	}

	calls := make([]types.ToolCall, 0, len(toolArgs))
	for _, call := range toolArgs {
		calls = append(calls, *call)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].Index < calls[j].Index })

	return Round{
		MessageID:    message.ID,
		Content:      content.String(),
		Reasoning:    reasoning.String(),
		ToolCalls:    calls,
		StopReason:   stopReason,
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}, started, nil
}

func (c *Client) buildParams(req Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: req.ThinkingBudget},
		}
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema,
					Required:   tool.Required,
				},
			},
		})
	}

	messages, err := buildMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params.Messages = messages
	return params, nil
}

// buildMessages converts stripped context entries to API messages. Tool
// results become user-role tool_result blocks; assistant entries replay
// their tool_use blocks so the API sees a consistent conversation.
func buildMessages(entries []types.ContextEntry) ([]anthropic.MessageParam, error) {
	messages := make([]anthropic.MessageParam, 0, len(entries))
	for _, entry := range entries {
		content, _ := entry["content"].(string)

		if callID, ok := entry["tool_call_id"].(string); ok && callID != "" {
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(callID, content, false)))
			continue
		}

		switch entry.Role() {
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(content))
			}
			for _, call := range toolCallsOf(entry) {
				var input any
				if call.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
						input = map[string]any{}
					}
				} else {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    call.ID,
						Name:  call.Function.Name,
						Input: input,
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		default:
			return nil, fmt.Errorf("context entry with unsupported role %q", entry.Role())
		}
	}
	return messages, nil
}

// toolCallsOf reads the tool_calls key of an entry, tolerating both the
// typed form and the JSON-decoded map form.
func toolCallsOf(entry types.ContextEntry) []types.ToolCall {
	switch v := entry["tool_calls"].(type) {
	case []types.ToolCall:
		return v
	case []any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var calls []types.ToolCall
		if err := json.Unmarshal(data, &calls); err != nil {
			return nil
		}
		return calls
	default:
		return nil
	}
}

// isRetryable reports whether an error is worth another attempt:
// overloaded, rate-limited, or transient server trouble.
func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"overloaded", "rate limit", "429", "500", "502", "503", "529", "timeout", "connection"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
