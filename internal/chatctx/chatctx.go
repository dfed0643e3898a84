// Package chatctx manages the mutable model context of a thread. The
// context is what the model actually sees on the next call; it is
// distinct from the immutable display history and may be rewritten by
// hooks at any time.
package chatctx

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/untoldecay/ThreadLoom/internal/store"
	"github.com/untoldecay/ThreadLoom/internal/types"
)

// StoreName is the backing store for per-thread contexts. One record per
// thread, keyed by the thread id.
const StoreName = "ThreadContext"

// Unset marks a key for removal in UpdateMessage.
var Unset = unset{}

type unset struct{}

// HistorySource supplies the immutable message history of a thread.
type HistorySource interface {
	ThreadMessages(ctx context.Context, userID, threadID string) ([]types.Message, error)
}

// Manager reads and rewrites thread contexts.
type Manager struct {
	engine  store.Engine
	history HistorySource
	log     *logrus.Entry
}

// New creates a Manager. history may be nil if RegenerateContext is
// never used.
func New(engine store.Engine, history HistorySource, log *logrus.Logger) *Manager {
	return &Manager{
		engine:  engine,
		history: history,
		log:     log.WithField("component", "chatctx"),
	}
}

// Init ensures the backing store exists. The store is cacheable: every
// write bumps _version so downstream caches can detect changes.
func (m *Manager) Init(ctx context.Context) error {
	_, err := m.engine.CreateStoreIfNotExists(ctx, StoreName, store.Schema{
		"context": store.TypeJSON,
	}, true)
	return err
}

// GetContext returns the thread's context entries in order. A missing
// or corrupted context yields nil. With stripInternal, underscore-prefixed
// keys are removed, which is the shape sent to the model.
func (m *Manager) GetContext(ctx context.Context, userID, threadID string, stripInternal bool) ([]types.ContextEntry, error) {
	record, err := m.engine.Get(ctx, userID, StoreName, threadID, false)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	raw, ok := record["context"].([]any)
	if !ok {
		m.log.WithField("thread", threadID).Warn("context record is not a list, treating as empty")
		return nil, nil
	}
	entries := make([]types.ContextEntry, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			m.log.WithField("thread", threadID).Warn("skipping non-object context entry")
			continue
		}
		e := types.ContextEntry(entry)
		if stripInternal {
			e = e.Stripped()
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// AddMessage appends one entry to the thread's context and returns its
// id. An empty messageID generates one; the entry gets a timestamp if it
// has none.
func (m *Manager) AddMessage(ctx context.Context, userID, threadID string, entry types.ContextEntry, messageID string) (string, error) {
	if messageID == "" {
		messageID = uuid.NewString()
	}
	e := entry.Clone()
	e["_id"] = messageID
	if _, ok := e["timestamp"]; !ok {
		e["timestamp"] = types.Now()
	}

	entries, err := m.GetContext(ctx, userID, threadID, false)
	if err != nil {
		return "", err
	}
	entries = append(entries, e)
	if err := m.save(ctx, userID, threadID, entries); err != nil {
		return "", err
	}
	return messageID, nil
}

// GetMessage returns the entry with the given id, or nil.
func (m *Manager) GetMessage(ctx context.Context, userID, threadID, messageID string) (types.ContextEntry, error) {
	entries, err := m.GetContext(ctx, userID, threadID, false)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID() == messageID {
			return e, nil
		}
	}
	return nil, nil
}

// UpdateMessage merges updates into the entry with the given id. A value
// of Unset removes the key; _id cannot be changed. Returns whether the
// entry was found.
func (m *Manager) UpdateMessage(ctx context.Context, userID, threadID, messageID string, updates map[string]any) (bool, error) {
	entries, err := m.GetContext(ctx, userID, threadID, false)
	if err != nil {
		return false, err
	}
	found := false
	for i, e := range entries {
		if e.ID() != messageID {
			continue
		}
		merged := e.Clone()
		for k, v := range updates {
			if k == "_id" {
				return false, fmt.Errorf("cannot change the _id of a context entry")
			}
			if v == Unset {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		entries[i] = merged
		found = true
		break
	}
	if !found {
		return false, nil
	}
	return true, m.save(ctx, userID, threadID, entries)
}

// RemoveMessages drops every entry whose id is in ids. Returns how many
// were removed.
func (m *Manager) RemoveMessages(ctx context.Context, userID, threadID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	entries, err := m.GetContext(ctx, userID, threadID, false)
	if err != nil {
		return 0, err
	}
	kept := entries[:0]
	removed := 0
	for _, e := range entries {
		if drop[e.ID()] {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, m.save(ctx, userID, threadID, kept)
}

// UpdateContext replaces the whole context. Entries without an _id get
// one assigned.
func (m *Manager) UpdateContext(ctx context.Context, userID, threadID string, entries []types.ContextEntry) error {
	normalized := make([]types.ContextEntry, 0, len(entries))
	for _, e := range entries {
		c := e.Clone()
		if c.ID() == "" {
			c["_id"] = uuid.NewString()
		}
		normalized = append(normalized, c)
	}
	return m.save(ctx, userID, threadID, normalized)
}

// RegenerateContext rebuilds the context from the thread's immutable
// history: user and assistant text messages only, with fresh ids. Tool
// updates and thinking are display artifacts and do not come back.
func (m *Manager) RegenerateContext(ctx context.Context, userID, threadID string) ([]types.ContextEntry, error) {
	if m.history == nil {
		return nil, fmt.Errorf("no history source configured")
	}
	messages, err := m.history.ThreadMessages(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}

	entries := make([]types.ContextEntry, 0, len(messages))
	for _, msg := range messages {
		if msg.Type != types.MessageText {
			continue
		}
		if msg.Role != types.RoleUser && msg.Role != types.RoleAssistant {
			continue
		}
		entries = append(entries, types.ContextEntry{
			"_id":       uuid.NewString(),
			"role":      string(msg.Role),
			"content":   msg.Content,
			"timestamp": msg.Timestamp,
		})
	}
	if err := m.UpdateContext(ctx, userID, threadID, entries); err != nil {
		return nil, err
	}
	m.log.WithField("thread", threadID).WithField("entries", len(entries)).Info("regenerated context from history")
	return entries, nil
}

// save upserts the context record for the thread.
func (m *Manager) save(ctx context.Context, userID, threadID string, entries []types.ContextEntry) error {
	if entries == nil {
		entries = []types.ContextEntry{}
	}
	record, err := m.engine.Get(ctx, userID, StoreName, threadID, false)
	if err != nil {
		return err
	}
	data := store.Record{"context": entries, "_version": uuid.NewString()}
	if record == nil {
		_, err = m.engine.Add(ctx, userID, StoreName, threadID, data)
		return err
	}
	_, err = m.engine.Update(ctx, userID, StoreName, threadID, data)
	return err
}
