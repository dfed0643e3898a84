package sqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untoldecay/ThreadLoom/internal/store"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestEngine(t)
	setupThreads(t, src)
	ctx := context.Background()

	id, err := src.Add(ctx, "alice", "threads", "", store.Record{"title": "exported chat", "is_archived": true})
	require.NoError(t, err)
	for _, content := range []string{"first", "second"} {
		_, err := src.CollectionAppend(ctx, "alice", "threads", id, "messages",
			map[string]any{"role": "user", "content": content})
		require.NoError(t, err)
	}
	_, err = src.Add(ctx, "bob", "threads", "", store.Record{"title": "another tenant"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.ExportStore(ctx, "threads", &buf))

	dst := newTestEngine(t)
	imported, err := dst.ImportStore(ctx, bytes.NewReader(buf.Bytes()), false)
	require.NoError(t, err)
	assert.Equal(t, 2, imported)

	record, err := dst.Get(ctx, "alice", "threads", id, true)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "exported chat", record["title"])
	assert.Equal(t, true, record["is_archived"])
	messages, ok := record["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].(map[string]any)["content"])
	assert.Equal(t, "second", messages[1].(map[string]any)["content"])

	// Imported items are searchable again.
	results, err := dst.FullTextSearch(ctx, "alice", "threads", "second", store.Options{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestExportDocumentShape(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	_, err := e.Add(ctx, "alice", "threads", "t1", store.Record{"title": "shape check"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, e.ExportStore(ctx, "threads", &buf))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "threads", doc["store"])
	assert.Equal(t, false, doc["cacheable"])
	schema := doc["schema"].(map[string]any)
	assert.Equal(t, "json_collection", schema["messages"])
	records := doc["records"].([]any)
	require.Len(t, records, 1)
	record := records[0].(map[string]any)
	assert.Equal(t, "alice", record["user_id"])
	// Collections export as item lists, not metadata.
	assert.Equal(t, []any{}, record["messages"])
}

func TestImportSkipsDuplicates(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	_, err := e.Add(ctx, "alice", "threads", "t1", store.Record{"title": "already here"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, e.ExportStore(ctx, "threads", &buf))

	_, err = e.Add(ctx, "alice", "threads", "t2", store.Record{"title": "local only"})
	require.NoError(t, err)

	imported, err := e.ImportStore(ctx, bytes.NewReader(buf.Bytes()), false)
	require.NoError(t, err)
	assert.Equal(t, 0, imported)

	count, err := e.Count(ctx, "alice", "threads", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestImportReplaceExisting(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	_, err := e.Add(ctx, "alice", "threads", "t1", store.Record{"title": "kept"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, e.ExportStore(ctx, "threads", &buf))

	_, err = e.Add(ctx, "alice", "threads", "t2", store.Record{"title": "dropped on replace"})
	require.NoError(t, err)

	imported, err := e.ImportStore(ctx, bytes.NewReader(buf.Bytes()), true)
	require.NoError(t, err)
	assert.Equal(t, 1, imported)

	count, err := e.Count(ctx, "alice", "threads", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	record, err := e.Get(ctx, "alice", "threads", "t2", false)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestImportRejectsBadDocuments(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.ImportStore(ctx, strings.NewReader("{not json"), false)
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = e.ImportStore(ctx, strings.NewReader(`{"store": "s", "records": []}`), false)
	assert.ErrorIs(t, err, store.ErrValidation)

	// A record without user_id aborts the import.
	doc := `{"store": "s", "schema": {"a": "str"}, "records": [{"a": "x"}]}`
	_, err = e.ImportStore(ctx, strings.NewReader(doc), false)
	assert.ErrorIs(t, err, store.ErrValidation)

	count, err := e.Count(ctx, "anyone", "s", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestExportUnknownStore(t *testing.T) {
	e := newTestEngine(t)

	var buf bytes.Buffer
	require.NoError(t, e.ExportStore(context.Background(), "nope", &buf))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, []any{}, doc["records"])
}
