package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untoldecay/ThreadLoom/internal/store"
)

func TestFullTextSearchMatchesMainFields(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	id1, err := e.Add(ctx, "alice", "threads", "", store.Record{"title": "kubernetes deployment woes"})
	require.NoError(t, err)
	_, err = e.Add(ctx, "alice", "threads", "", store.Record{"title": "weekend recipes"})
	require.NoError(t, err)

	results, err := e.FullTextSearch(ctx, "alice", "threads", "kubernetes", store.Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id1, results[0]["id"])

	// Prefix matching on partial words.
	results, err = e.FullTextSearch(ctx, "alice", "threads", "kuber", store.Options{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestFullTextSearchMatchesCollectionItems(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	id, err := e.Add(ctx, "alice", "threads", "", store.Record{"title": "untitled"})
	require.NoError(t, err)
	_, err = e.CollectionAppend(ctx, "alice", "threads", id, "messages",
		map[string]any{"role": "assistant", "content": "the mitochondria is the powerhouse"})
	require.NoError(t, err)

	results, err := e.FullTextSearch(ctx, "alice", "threads", "mitochondria", store.Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0]["id"])

	// One parent even when several items match.
	_, err = e.CollectionAppend(ctx, "alice", "threads", id, "messages",
		map[string]any{"role": "user", "content": "tell me more about mitochondria"})
	require.NoError(t, err)
	results, err = e.FullTextSearch(ctx, "alice", "threads", "mitochondria", store.Options{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestFullTextSearchTenantIsolation(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	_, err := e.Add(ctx, "alice", "threads", "", store.Record{"title": "secret project phoenix"})
	require.NoError(t, err)

	results, err := e.FullTextSearch(ctx, "bob", "threads", "phoenix", store.Options{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFullTextSearchNeutralizesOperators(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	_, err := e.Add(ctx, "alice", "threads", "", store.Record{"title": "plain title"})
	require.NoError(t, err)

	// FTS5 syntax in user input must not error out.
	for _, q := range []string{`"unbalanced`, "NOT AND OR", "col:value", "a* b*"} {
		_, err := e.FullTextSearch(ctx, "alice", "threads", q, store.Options{})
		assert.NoError(t, err, "query %q", q)
	}
}

func TestFullTextSearchAfterUpdate(t *testing.T) {
	e := newTestEngine(t)
	setupThreads(t, e)
	ctx := context.Background()

	id, err := e.Add(ctx, "alice", "threads", "", store.Record{"title": "before rename"})
	require.NoError(t, err)
	_, err = e.Update(ctx, "alice", "threads", id, store.Record{"title": "after rename"})
	require.NoError(t, err)

	results, err := e.FullTextSearch(ctx, "alice", "threads", "before", store.Options{})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = e.FullTextSearch(ctx, "alice", "threads", "after", store.Options{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestFullTextSearchUnknownStore(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.FullTextSearch(context.Background(), "alice", "nope", "x", store.Options{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
