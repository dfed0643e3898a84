package sqlite

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untoldecay/ThreadLoom/internal/store"
)

func setupThreads(t *testing.T, e *Engine) {
	t.Helper()
	_, err := e.CreateStoreIfNotExists(context.Background(), "threads", threadSchema(), false)
	require.NoError(t, err)
}

func TestAddAndGetRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	id, err := e.Add(ctx, "alice", "threads", "", store.Record{
		"title":       "hello world",
		"model":       "claude-sonnet-4",
		"is_archived": false,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record, err := e.Get(ctx, "alice", "threads", id, false)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "hello world", record["title"])
	assert.Equal(t, "claude-sonnet-4", record["model"])
	assert.Equal(t, false, record["is_archived"])
	assert.Equal(t, "alice", record["user_id"])
	assert.NotEmpty(t, record["created_at"])

	// Untouched collection fields carry the empty metadata object.
	meta, ok := record["messages"].(map[string]any)
	require.True(t, ok, "messages should be a metadata object, got %T", record["messages"])
	assert.Equal(t, "threads_messages", meta["collection_store"])
	assert.Equal(t, float64(0), meta["count"])
}

func TestAddExplicitIDConflict(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	_, err := e.Add(ctx, "alice", "threads", "t1", store.Record{"title": "a"})
	require.NoError(t, err)

	_, err = e.Add(ctx, "alice", "threads", "t1", store.Record{"title": "b"})
	assert.ErrorIs(t, err, store.ErrConflict)

	// Even across tenants the id space is shared.
	_, err = e.Add(ctx, "bob", "threads", "t1", store.Record{"title": "c"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestAddRejectsCollectionValue(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)

	_, err := e.Add(context.Background(), "alice", "threads", "", store.Record{
		"title":    "x",
		"messages": []any{map[string]any{"role": "user"}},
	})
	assert.ErrorIs(t, err, store.ErrTypeMismatch)
}

func TestGetMissAndCrossTenant(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	id, err := e.Add(ctx, "alice", "threads", "", store.Record{"title": "private"})
	require.NoError(t, err)

	record, err := e.Get(ctx, "bob", "threads", id, false)
	require.NoError(t, err)
	assert.Nil(t, record)

	record, err = e.Get(ctx, "alice", "threads", "missing", false)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestUpdateFieldsAndTenancy(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	id, err := e.Add(ctx, "alice", "threads", "", store.Record{"title": "old", "is_archived": false})
	require.NoError(t, err)

	updated, err := e.Update(ctx, "alice", "threads", id, store.Record{"title": "new", "is_archived": true})
	require.NoError(t, err)
	assert.True(t, updated)

	record, err := e.Get(ctx, "alice", "threads", id, false)
	require.NoError(t, err)
	assert.Equal(t, "new", record["title"])
	assert.Equal(t, true, record["is_archived"])

	// A miss or cross-tenant access is not an error, just not-updated.
	updated, err = e.Update(ctx, "bob", "threads", id, store.Record{"title": "stolen"})
	require.NoError(t, err)
	assert.False(t, updated)
	updated, err = e.Update(ctx, "alice", "threads", "missing", store.Record{"title": "x"})
	require.NoError(t, err)
	assert.False(t, updated)

	record, err = e.Get(ctx, "alice", "threads", id, false)
	require.NoError(t, err)
	assert.Equal(t, "new", record["title"])

	_, err = e.Update(ctx, "alice", "threads", id, store.Record{"bogus": 1})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = e.Update(ctx, "alice", "threads", id, store.Record{"messages": "x"})
	assert.ErrorIs(t, err, store.ErrTypeMismatch)

	// Empty update is a no-op success.
	updated, err = e.Update(ctx, "alice", "threads", id, store.Record{})
	require.NoError(t, err)
	assert.True(t, updated)
}

func TestDeleteCascadesCollections(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	id, err := e.Add(ctx, "alice", "threads", "", store.Record{"title": "doomed"})
	require.NoError(t, err)
	_, err = e.CollectionAppend(ctx, "alice", "threads", id, "messages", map[string]any{"role": "user", "content": "hi"})
	require.NoError(t, err)

	deleted, err := e.Delete(ctx, "alice", "threads", id)
	require.NoError(t, err)
	assert.True(t, deleted)

	record, err := e.Get(ctx, "alice", "threads", id, false)
	require.NoError(t, err)
	assert.Nil(t, record)

	// Orphaned child search rows would still match here.
	results, err := e.FullTextSearch(ctx, "alice", "threads", "hi", store.Options{})
	require.NoError(t, err)
	assert.Empty(t, results)

	deleted, err = e.Delete(ctx, "alice", "threads", id)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestFindFiltersOrderingPagination(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	for _, title := range []string{"alpha", "beta", "gamma"} {
		_, err := e.Add(ctx, "alice", "threads", "", store.Record{"title": title, "is_archived": title == "beta"})
		require.NoError(t, err)
	}
	_, err := e.Add(ctx, "bob", "threads", "", store.Record{"title": "delta"})
	require.NoError(t, err)

	records, err := e.Find(ctx, "alice", "threads", nil, store.Options{OrderBy: "title"})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "alpha", records[0]["title"])
	assert.Equal(t, "gamma", records[2]["title"])

	records, err = e.Find(ctx, "alice", "threads",
		store.Filters{"is_archived": store.Eq(false)}, store.Options{OrderBy: "title", Descending: true})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "gamma", records[0]["title"])

	records, err = e.Find(ctx, "alice", "threads",
		store.Filters{"title": store.Like("%a%")}, store.Options{OrderBy: "title", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "beta", records[0]["title"])

	// Offset without limit still pages.
	records, err = e.Find(ctx, "alice", "threads", nil, store.Options{OrderBy: "title", Offset: 2})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "gamma", records[0]["title"])

	_, err = e.Find(ctx, "alice", "threads", nil, store.Options{OrderBy: "drop table"})
	assert.ErrorIs(t, err, store.ErrValidation)

	count, err := e.Count(ctx, "alice", "threads", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = e.Count(ctx, "bob", "threads", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSerializationEdgeCases(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	schema := store.Schema{
		"s": store.TypeStr,
		"i": store.TypeInt,
		"f": store.TypeFloat,
		"b": store.TypeBool,
		"j": store.TypeJSON,
	}
	_, err := e.CreateStoreIfNotExists(ctx, "mixed", schema, false)
	require.NoError(t, err)

	id, err := e.Add(ctx, "alice", "mixed", "", store.Record{
		"s": 42,
		"i": "17",
		"f": true,
		"b": "non-empty",
		"j": map[string]any{"k": []any{1.0, 2.0}},
	})
	require.NoError(t, err)

	record, err := e.Get(ctx, "alice", "mixed", id, false)
	require.NoError(t, err)
	assert.Equal(t, "42", record["s"])
	assert.Equal(t, int64(17), record["i"])
	assert.Equal(t, float64(1), record["f"])
	assert.Equal(t, true, record["b"])
	assert.Equal(t, map[string]any{"k": []any{float64(1), float64(2)}}, record["j"])

	_, err = e.Add(ctx, "alice", "mixed", "", store.Record{"i": true})
	assert.ErrorIs(t, err, store.ErrTypeMismatch)

	_, err = e.Add(ctx, "alice", "mixed", "", store.Record{"j": "{not json"})
	assert.ErrorIs(t, err, store.ErrValidation)

	// Float values truncate into int columns.
	id, err = e.Add(ctx, "alice", "mixed", "", store.Record{"i": 3.9})
	require.NoError(t, err)
	record, err = e.Get(ctx, "alice", "mixed", id, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), record["i"])
}

func TestConcurrentWritersAllSucceed(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Add(ctx, "alice", "threads", "", store.Record{"title": "concurrent"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	count, err := e.Count(ctx, "alice", "threads", nil)
	require.NoError(t, err)
	assert.Equal(t, writers, count)
}
