package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/untoldecay/ThreadLoom/internal/store"
)

// exportDocument is the on-disk shape of a store export.
type exportDocument struct {
	Store     string         `json:"store"`
	Schema    store.Schema   `json:"schema"`
	Cacheable bool           `json:"cacheable"`
	Records   []store.Record `json:"records"`
}

// ExportStore writes every record of the store, across all tenants, with
// collection items loaded in order. Exports read outside a transaction,
// so they are not a strict snapshot.
func (e *Engine) ExportStore(ctx context.Context, name string, w io.Writer) error {
	if err := store.ValidateStoreName(name); err != nil {
		return err
	}
	db, err := e.reader(ctx)
	if err != nil {
		return err
	}

	schema, err := findStoreTx(ctx, db, name)
	if err != nil {
		return err
	}
	doc := exportDocument{Store: name, Schema: schema, Records: []store.Record{}}
	if schema == nil {
		e.log.WithField("store", name).Warn("export of unknown store")
		doc.Schema = store.Schema{}
		return json.NewEncoder(w).Encode(doc)
	}
	doc.Cacheable, err = e.IsCacheable(ctx, name)
	if err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM "%s"`, name))
	if err != nil {
		return err
	}
	records, err := scanRecords(rows, schema)
	if err != nil {
		return err
	}

	byID := make(map[string]store.Record, len(records))
	for _, r := range records {
		if id, ok := r["id"].(string); ok {
			byID[id] = r
		}
	}

	// Replace collection metadata with the actual ordered items.
	for field, ft := range schema {
		if ft != store.TypeJSONCollection {
			continue
		}
		child := store.CollectionTableName(name, field)
		itemRows, err := db.QueryContext(ctx,
			fmt.Sprintf(`SELECT parent_id, item_json FROM "%s" ORDER BY parent_id ASC, order_index ASC`, child))
		if err != nil {
			return err
		}
		itemsByParent := make(map[string][]any)
		for itemRows.Next() {
			var parentID, itemJSON string
			if err := itemRows.Scan(&parentID, &itemJSON); err != nil {
				itemRows.Close()
				return err
			}
			if _, ok := byID[parentID]; !ok {
				continue
			}
			var item any
			if err := json.Unmarshal([]byte(itemJSON), &item); err != nil {
				e.log.WithError(err).WithField("collection", child).
					WithField("parent", parentID).Error("failed to deserialize item during export")
				continue
			}
			itemsByParent[parentID] = append(itemsByParent[parentID], item)
		}
		if err := itemRows.Err(); err != nil {
			itemRows.Close()
			return err
		}
		itemRows.Close()

		for id, record := range byID {
			items := itemsByParent[id]
			if items == nil {
				items = []any{}
			}
			record[field] = items
		}
	}

	doc.Records = records
	e.log.WithField("store", name).WithField("records", len(records)).Info("exported store")
	return json.NewEncoder(w).Encode(doc)
}

// ImportStore reads an export document, ensures the store exists with a
// compatible schema (its own transaction), then imports every record in
// one transaction. A duplicate id is skipped with a warning; any other
// failure rolls back the whole import. Original timestamps are not
// preserved.
func (e *Engine) ImportStore(ctx context.Context, r io.Reader, replaceExisting bool) (int, error) {
	var doc exportDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return 0, fmt.Errorf("%w: invalid import document: %v", store.ErrValidation, err)
	}
	if len(doc.Schema) == 0 {
		return 0, fmt.Errorf("%w: import data must include a schema", store.ErrValidation)
	}
	if err := store.ValidateStoreName(doc.Store); err != nil {
		return 0, err
	}

	if _, err := e.CreateStoreIfNotExists(ctx, doc.Store, doc.Schema, doc.Cacheable); err != nil {
		return 0, fmt.Errorf("failed to prepare store %q for import: %w", doc.Store, err)
	}
	if len(doc.Records) == 0 {
		return 0, nil
	}

	imported := 0
	skipped := 0
	err := e.withWriteTx(ctx, func(ctx context.Context, tx querier) error {
		schema, err := findStoreTx(ctx, tx, doc.Store)
		if err != nil {
			return err
		}
		if schema == nil {
			return fmt.Errorf("%w: store %q disappeared during import", store.ErrNotFound, doc.Store)
		}

		if replaceExisting {
			// Cascade and triggers clean children and FTS rows.
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, doc.Store)); err != nil {
				return err
			}
		}

		for i, record := range doc.Records {
			userID, _ := record["user_id"].(string)
			if userID == "" {
				return fmt.Errorf("%w: record %d missing required user_id field", store.ErrValidation, i+1)
			}
			recordID, _ := record["id"].(string)
			if recordID == "" {
				recordID = uuid.NewString()
			}

			parentData := make(store.Record)
			collections := make(map[string][]any)
			for field, ft := range schema {
				value, ok := record[field]
				if !ok {
					continue
				}
				if ft == store.TypeJSONCollection {
					if items, ok := value.([]any); ok {
						collections[field] = items
					}
					// Metadata objects and nil are ignored here; the
					// column is re-initialized on add.
					continue
				}
				parentData[field] = value
			}

			if err := e.addTx(ctx, tx, userID, doc.Store, recordID, parentData); err != nil {
				if errors.Is(err, store.ErrConflict) {
					e.log.WithField("store", doc.Store).WithField("id", recordID).
						Warn("skipping duplicate record during import")
					skipped++
					continue
				}
				return err
			}

			for _, field := range sortedKeys(recordKeys(collections)) {
				for _, item := range collections[field] {
					itemJSON, err := marshalCollectionItem(item)
					if err != nil {
						return err
					}
					if _, err := e.collectionAppendTx(ctx, tx, userID, doc.Store, recordID, field, itemJSON); err != nil {
						return err
					}
				}
			}
			imported++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.log.WithField("store", doc.Store).WithField("imported", imported).
		WithField("skipped", skipped).Info("import completed")
	return imported, nil
}

func recordKeys(m map[string][]any) store.Record {
	out := make(store.Record, len(m))
	for k := range m {
		out[k] = nil
	}
	return out
}
