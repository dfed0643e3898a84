// Package types defines the shared domain types for threads, messages,
// context entries, and turn stream events.
package types

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleThinking  Role = "thinking"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// MessageType classifies history messages.
type MessageType string

const (
	MessageText MessageType = "message_text"
	ToolUpdate  MessageType = "tool_update"
)

// EventKind is the closed alphabet of turn stream events.
type EventKind string

const (
	EventThreadID       EventKind = "thread_id"
	EventThinkingTokens EventKind = "thinking_tokens"
	EventMessageTokens  EventKind = "message_tokens"
	// EventToolCalls is internal bookkeeping; it never reaches the
	// display stream. Callers learn about tool calls from tool_update
	// events and the stream_end metadata.
	EventToolCalls EventKind = "tool_calls"
	EventToolUpdate     EventKind = "tool_update"
	EventStreamEnd      EventKind = "stream_end"
	EventError          EventKind = "error"
)

// FunctionCall is the callable part of a tool call. Arguments is a JSON
// text that may arrive in fragments across streaming deltas.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one model-requested function invocation.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Index    int          `json:"index"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// StreamMetadata is carried by the stream_end event of a model round.
type StreamMetadata struct {
	MessageID    string     `json:"message_id,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	InputTokens  int64      `json:"input_tokens,omitempty"`
	OutputTokens int64      `json:"output_tokens,omitempty"`
	StopReason   string     `json:"stop_reason,omitempty"`
}

// StreamEvent is one event on a turn's outbound stream. Kind selects which
// fields are meaningful; the rest stay zero.
type StreamEvent struct {
	Kind      EventKind       `json:"event"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Model     string          `json:"model,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Message   string          `json:"message,omitempty"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
	Metadata  *StreamMetadata `json:"metadata,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Message is one immutable history entry of a thread.
type Message struct {
	Role      Role        `json:"role"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp string      `json:"timestamp"`
	Model     string      `json:"model,omitempty"`
	// AuxID correlates tool updates with their call; surfaced to API
	// consumers as call_id.
	AuxID string `json:"aux_id,omitempty"`
}

// Thread is the durable conversation record.
type Thread struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	User         string `json:"user"`
	IsArchived   bool   `json:"is_archived"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// SearchHit is one result of a thread search: the thread plus a snippet
// around the first match when the hit came from message content.
type SearchHit struct {
	Thread
	Snippet string `json:"snippet,omitempty"`
}

// User is an authenticated principal.
type User struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// ContextEntry is one mutable entry in a thread's model context. Entries
// carry open-ended keys (hooks may attach their own); keys starting with
// an underscore are internal and stripped before the entry reaches the
// model. Well-known keys: _id, role, content, tool_calls,
// reasoning_content, tool_call_id, model, timestamp.
type ContextEntry map[string]any

// ID returns the internal _id of the entry, or "".
func (e ContextEntry) ID() string {
	id, _ := e["_id"].(string)
	return id
}

// Role returns the role key of the entry, or "".
func (e ContextEntry) Role() string {
	r, _ := e["role"].(string)
	return r
}

// Clone returns a shallow copy of the entry.
func (e ContextEntry) Clone() ContextEntry {
	out := make(ContextEntry, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Stripped returns a copy without underscore-prefixed keys.
func (e ContextEntry) Stripped() ContextEntry {
	out := make(ContextEntry, len(e))
	for k, v := range e {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		out[k] = v
	}
	return out
}

// Now returns the current time formatted the way every persisted
// timestamp in the system is stored.
func Now() string {
	return time.Now().Format(time.RFC3339Nano)
}
