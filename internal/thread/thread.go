// Package thread manages conversation threads and their append-only
// message history.
package thread

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/untoldecay/ThreadLoom/internal/store"
	"github.com/untoldecay/ThreadLoom/internal/types"
)

// StoreName is the backing store for threads. Messages live in the
// store's json_collection child table, append-only.
const StoreName = "ChatHistoryThreads"

const snippetRadius = 50

// Manager is a thin layer over the store engine: thread CRUD, history
// appends, and full-text search.
type Manager struct {
	engine store.Engine
	log    *logrus.Entry
}

func New(engine store.Engine, log *logrus.Logger) *Manager {
	return &Manager{
		engine: engine,
		log:    log.WithField("component", "thread"),
	}
}

// Init ensures the backing store exists.
func (m *Manager) Init(ctx context.Context) error {
	_, err := m.engine.CreateStoreIfNotExists(ctx, StoreName, store.Schema{
		"title":         store.TypeStr,
		"model":         store.TypeStr,
		"system_prompt": store.TypeStr,
		"user":          store.TypeStr,
		"is_archived":   store.TypeBool,
		"messages":      store.TypeJSONCollection,
	}, false)
	return err
}

// CreateThread creates a thread and returns it.
func (m *Manager) CreateThread(ctx context.Context, userID, title, model, systemPrompt string) (*types.Thread, error) {
	id, err := m.engine.Add(ctx, userID, StoreName, "", store.Record{
		"title":         title,
		"model":         model,
		"system_prompt": systemPrompt,
		"user":          userID,
		"is_archived":   false,
	})
	if err != nil {
		return nil, err
	}
	m.log.WithField("thread", id).WithField("user", userID).Info("created thread")
	return m.GetThread(ctx, userID, id)
}

// GetThread returns a thread by id, or nil on miss or cross-tenant
// access.
func (m *Manager) GetThread(ctx context.Context, userID, threadID string) (*types.Thread, error) {
	record, err := m.engine.Get(ctx, userID, StoreName, threadID, false)
	if err != nil || record == nil {
		return nil, err
	}
	t := recordToThread(record)
	return &t, nil
}

// GetThreads returns the user's non-archived threads, most recently
// updated first.
func (m *Manager) GetThreads(ctx context.Context, userID string) ([]types.Thread, error) {
	records, err := m.engine.Find(ctx, userID, StoreName,
		store.Filters{"is_archived": store.Eq(false)},
		store.Options{OrderBy: "updated_at", Descending: true})
	if err != nil {
		return nil, err
	}
	threads := make([]types.Thread, 0, len(records))
	for _, record := range records {
		threads = append(threads, recordToThread(record))
	}
	return threads, nil
}

// ThreadMessages returns the thread's history in insertion order, or
// nil on miss or cross-tenant access.
func (m *Manager) ThreadMessages(ctx context.Context, userID, threadID string) ([]types.Message, error) {
	record, err := m.engine.Get(ctx, userID, StoreName, threadID, false)
	if err != nil || record == nil {
		return nil, err
	}
	items, err := m.engine.CollectionGet(ctx, userID, StoreName, threadID, "messages", 0, 0)
	if err != nil {
		return nil, err
	}
	messages := make([]types.Message, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			m.log.WithField("thread", threadID).Warn("skipping malformed history item")
			continue
		}
		messages = append(messages, itemToMessage(obj))
	}
	return messages, nil
}

// MessageOption customizes a history message beyond role and content.
type MessageOption func(*types.Message)

// WithModel records which model produced the message.
func WithModel(model string) MessageOption {
	return func(m *types.Message) { m.Model = model }
}

// WithAuxID attaches a correlation id, e.g. the tool call id of a
// tool_update message.
func WithAuxID(id string) MessageOption {
	return func(m *types.Message) { m.AuxID = id }
}

// WithType overrides the default message_text type.
func WithType(t types.MessageType) MessageOption {
	return func(m *types.Message) { m.Type = t }
}

// AddMessage appends a message to the thread's history. History is
// append-only: there is no update or delete for messages.
func (m *Manager) AddMessage(ctx context.Context, userID, threadID string, role types.Role, content string, opts ...MessageOption) (types.Message, error) {
	msg := types.Message{
		Role:      role,
		Type:      types.MessageText,
		Content:   content,
		Timestamp: types.Now(),
	}
	for _, opt := range opts {
		opt(&msg)
	}
	_, err := m.engine.CollectionAppend(ctx, userID, StoreName, threadID, "messages", msg)
	if err != nil {
		return types.Message{}, err
	}
	return msg, nil
}

// UpdateThread renames a thread. Returns whether it existed.
func (m *Manager) UpdateThread(ctx context.Context, userID, threadID, title string) (bool, error) {
	return m.engine.Update(ctx, userID, StoreName, threadID, store.Record{"title": title})
}

// ArchiveThread hides a thread from listings without deleting its
// history.
func (m *Manager) ArchiveThread(ctx context.Context, userID, threadID string, archived bool) (bool, error) {
	return m.engine.Update(ctx, userID, StoreName, threadID, store.Record{"is_archived": archived})
}

// DeleteThread removes a thread and its entire history.
func (m *Manager) DeleteThread(ctx context.Context, userID, threadID string) (bool, error) {
	return m.engine.Delete(ctx, userID, StoreName, threadID)
}

// SearchThreads matches query against titles and message content. Hits
// from message content carry a snippet around the first match.
func (m *Manager) SearchThreads(ctx context.Context, userID, query string) ([]types.SearchHit, error) {
	records, err := m.engine.FullTextSearch(ctx, userID, StoreName, query, store.Options{})
	if err != nil {
		return nil, err
	}

	hits := make([]types.SearchHit, 0, len(records))
	for _, record := range records {
		hit := types.SearchHit{Thread: recordToThread(record)}
		messages, err := m.ThreadMessages(ctx, userID, hit.ID)
		if err != nil {
			return nil, err
		}
		for _, msg := range messages {
			if s, ok := snippet(msg.Content, query); ok {
				hit.Snippet = s
				break
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// snippet extracts up to 100 characters around the first
// case-insensitive occurrence of query, with ellipses where the content
// is cut. The window is measured in runes so multibyte content is never
// split mid-character.
func snippet(content, query string) (string, bool) {
	lower := strings.ToLower(content)
	idx := strings.Index(lower, strings.ToLower(query))
	if idx < 0 {
		return "", false
	}
	runes := []rune(content)
	center := utf8.RuneCountInString(lower[:idx])
	if center > len(runes) {
		center = len(runes)
	}
	start := center - snippetRadius
	if start < 0 {
		start = 0
	}
	end := start + 2*snippetRadius
	if end > len(runes) {
		end = len(runes)
	}
	s := string(runes[start:end])
	if start > 0 {
		s = "..." + s
	}
	if end < len(runes) {
		s = s + "..."
	}
	return s, true
}

func recordToThread(record store.Record) types.Thread {
	t := types.Thread{ID: str(record["id"])}
	t.Title = str(record["title"])
	t.Model = str(record["model"])
	t.SystemPrompt = str(record["system_prompt"])
	t.User = str(record["user"])
	t.IsArchived, _ = record["is_archived"].(bool)
	t.CreatedAt = str(record["created_at"])
	t.UpdatedAt = str(record["updated_at"])
	return t
}

func itemToMessage(obj map[string]any) types.Message {
	return types.Message{
		Role:      types.Role(str(obj["role"])),
		Type:      types.MessageType(str(obj["type"])),
		Content:   str(obj["content"]),
		Timestamp: str(obj["timestamp"]),
		Model:     str(obj["model"]),
		AuxID:     str(obj["aux_id"]),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
