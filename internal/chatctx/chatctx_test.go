package chatctx

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untoldecay/ThreadLoom/internal/store/sqlite"
	"github.com/untoldecay/ThreadLoom/internal/types"
)

type fakeHistory struct {
	messages []types.Message
}

func (f *fakeHistory) ThreadMessages(_ context.Context, _, _ string) ([]types.Message, error) {
	return f.messages, nil
}

func newTestManager(t *testing.T, history HistorySource) *Manager {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	engine := sqlite.New(filepath.Join(t.TempDir(), "ctx.db"), log)
	t.Cleanup(func() { engine.Shutdown(context.Background()) })
	m := New(engine, history, log)
	require.NoError(t, m.Init(context.Background()))
	return m
}

func TestAddAndGetContext(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	id, err := m.AddMessage(ctx, "alice", "t1", types.ContextEntry{"role": "user", "content": "hello"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	_, err = m.AddMessage(ctx, "alice", "t1", types.ContextEntry{"role": "assistant", "content": "hi there"}, "m2")
	require.NoError(t, err)

	entries, err := m.GetContext(ctx, "alice", "t1", false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id, entries[0].ID())
	assert.Equal(t, "hello", entries[0]["content"])
	assert.Equal(t, "m2", entries[1].ID())
	assert.NotEmpty(t, entries[0]["timestamp"])
}

func TestGetContextStripsInternalKeys(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.AddMessage(ctx, "alice", "t1", types.ContextEntry{
		"role":     "user",
		"content":  "hello",
		"_scratch": "hook state",
	}, "m1")
	require.NoError(t, err)

	entries, err := m.GetContext(ctx, "alice", "t1", true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0], "_id")
	assert.NotContains(t, entries[0], "_scratch")
	assert.Equal(t, "hello", entries[0]["content"])
}

func TestGetContextMissingThread(t *testing.T) {
	m := newTestManager(t, nil)

	entries, err := m.GetContext(context.Background(), "alice", "nope", false)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestContextTenantIsolation(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.AddMessage(ctx, "alice", "t1", types.ContextEntry{"role": "user", "content": "secret"}, "m1")
	require.NoError(t, err)

	entries, err := m.GetContext(ctx, "bob", "t1", false)
	require.NoError(t, err)
	assert.Empty(t, entries)

	found, err := m.UpdateMessage(ctx, "bob", "t1", "m1", map[string]any{"content": "stolen"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdateMessageMergeAndUnset(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.AddMessage(ctx, "alice", "t1", types.ContextEntry{
		"role":              "assistant",
		"content":           "thinking aloud",
		"reasoning_content": "internal chain",
	}, "m1")
	require.NoError(t, err)

	found, err := m.UpdateMessage(ctx, "alice", "t1", "m1", map[string]any{
		"content":           "final answer",
		"reasoning_content": Unset,
	})
	require.NoError(t, err)
	assert.True(t, found)

	entry, err := m.GetMessage(ctx, "alice", "t1", "m1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "final answer", entry["content"])
	assert.NotContains(t, entry, "reasoning_content")

	_, err = m.UpdateMessage(ctx, "alice", "t1", "m1", map[string]any{"_id": "other"})
	assert.Error(t, err)
}

func TestRemoveMessages(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := m.AddMessage(ctx, "alice", "t1", types.ContextEntry{"role": "user", "content": id}, id)
		require.NoError(t, err)
	}

	removed, err := m.RemoveMessages(ctx, "alice", "t1", []string{"m1", "m3", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := m.GetContext(ctx, "alice", "t1", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m2", entries[0].ID())
}

func TestUpdateContextAssignsIDs(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	err := m.UpdateContext(ctx, "alice", "t1", []types.ContextEntry{
		{"role": "user", "content": "no id yet"},
		{"_id": "keep-me", "role": "assistant", "content": "has id"},
	})
	require.NoError(t, err)

	entries, err := m.GetContext(ctx, "alice", "t1", false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NotEmpty(t, entries[0].ID())
	assert.Equal(t, "keep-me", entries[1].ID())
}

func TestRegenerateContextKeepsOnlyChatMessages(t *testing.T) {
	history := &fakeHistory{messages: []types.Message{
		{Role: types.RoleUser, Type: types.MessageText, Content: "question", Timestamp: "ts1"},
		{Role: types.RoleThinking, Type: types.MessageText, Content: "hmm"},
		{Role: types.RoleTool, Type: types.ToolUpdate, Content: "🔧 Calling search(...)", AuxID: "call_1"},
		{Role: types.RoleAssistant, Type: types.MessageText, Content: "answer", Timestamp: "ts2"},
	}}
	m := newTestManager(t, history)
	ctx := context.Background()

	// Stale state that regeneration must replace.
	_, err := m.AddMessage(ctx, "alice", "t1", types.ContextEntry{"role": "user", "content": "stale"}, "old")
	require.NoError(t, err)

	entries, err := m.RegenerateContext(ctx, "alice", "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "question", entries[0]["content"])
	assert.Equal(t, "answer", entries[1]["content"])
	assert.NotEqual(t, "old", entries[0].ID())

	stored, err := m.GetContext(ctx, "alice", "t1", false)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestRegenerateWithoutHistorySource(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.RegenerateContext(context.Background(), "alice", "t1")
	assert.Error(t, err)
}
