// Package store defines the interface for the typed-schema record store.
package store

import (
	"context"
	"io"
)

// Record is one deserialized row: schema fields plus the system columns
// id, user_id, created_at, updated_at.
type Record map[string]any

// Options controls ordering and pagination of list operations. Limit 0
// means no limit.
type Options struct {
	Limit      int
	Offset     int
	OrderBy    string
	Descending bool
}

// Engine is the durable-state component. Every record operation takes
// the owning userID and applies it in both read and write predicates, so
// no call can observe another tenant's rows.
type Engine interface {
	// CreateStoreIfNotExists creates the store's tables, FTS index, and
	// triggers, or reconciles the schema of an existing store by adding
	// missing fields. Returns true if the store was newly created.
	CreateStoreIfNotExists(ctx context.Context, name string, schema Schema, cacheable bool) (bool, error)

	// ListStores returns all registered store names.
	ListStores(ctx context.Context) ([]string, error)

	// FindStore returns the schema of a store, or nil if it does not exist.
	FindStore(ctx context.Context, name string) (Schema, error)

	// Add inserts a new record. An empty recordID generates one. Returns
	// the record id; ErrConflict if the id already exists.
	Add(ctx context.Context, userID, name, recordID string, data Record) (string, error)

	// Get returns a record by id, or nil on miss or cross-tenant access.
	// With loadCollections, json_collection fields hold the full ordered
	// item list instead of their metadata object.
	Get(ctx context.Context, userID, name, recordID string, loadCollections bool) (Record, error)

	// Update modifies the given fields. Unknown fields and
	// json_collection fields are refused. Returns whether a row changed.
	Update(ctx context.Context, userID, name, recordID string, updates Record) (bool, error)

	// Delete removes a record; child rows and FTS entries follow via
	// cascade and triggers. Returns whether a row was deleted.
	Delete(ctx context.Context, userID, name, recordID string) (bool, error)

	// Count returns the number of records matching filters.
	Count(ctx context.Context, userID, name string, filters Filters) (int, error)

	// Find returns records matching filters, ordered and paginated.
	Find(ctx context.Context, userID, name string, filters Filters, opt Options) ([]Record, error)

	// CollectionAppend appends an item to a json_collection field and
	// returns the assigned order_index.
	CollectionAppend(ctx context.Context, userID, name, recordID, field string, item any) (int, error)

	// CollectionGet returns collection items in insertion order.
	CollectionGet(ctx context.Context, userID, name, recordID, field string, limit, offset int) ([]any, error)

	// FullTextSearch matches the query as a prefix against the store's
	// FTS index and returns the parent records ordered by rank.
	FullTextSearch(ctx context.Context, userID, name, query string, opt Options) ([]Record, error)

	// ExportStore writes every record of a store (all tenants, with
	// collections loaded) as one JSON document.
	ExportStore(ctx context.Context, name string, w io.Writer) error

	// ImportStore reads an export document and imports its records in a
	// single transaction. Duplicate ids are skipped with a warning; any
	// other failure rolls the whole import back. Returns the number of
	// imported records.
	ImportStore(ctx context.Context, r io.Reader, replaceExisting bool) (int, error)

	// Shutdown refuses new work, checkpoints the log, and closes the
	// connections with a bounded wait.
	Shutdown(ctx context.Context) error
}
