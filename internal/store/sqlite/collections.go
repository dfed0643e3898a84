package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/untoldecay/ThreadLoom/internal/store"
	"github.com/untoldecay/ThreadLoom/internal/types"
)

// CollectionAppend appends one item to a json_collection field. The
// child row gets the next contiguous order_index and the parent's
// metadata count is updated in the same transaction. Returns the
// assigned order_index.
func (e *Engine) CollectionAppend(ctx context.Context, userID, name, recordID, field string, item any) (int, error) {
	if err := store.ValidateStoreName(name); err != nil {
		return 0, err
	}
	if err := store.ValidateFieldName(field); err != nil {
		return 0, err
	}

	itemJSON, err := marshalCollectionItem(item)
	if err != nil {
		return 0, err
	}

	orderIndex := 0
	err = e.withWriteTx(ctx, func(ctx context.Context, tx querier) error {
		var txErr error
		orderIndex, txErr = e.collectionAppendTx(ctx, tx, userID, name, recordID, field, itemJSON)
		return txErr
	})
	if err != nil {
		return 0, err
	}
	return orderIndex, nil
}

func (e *Engine) collectionAppendTx(ctx context.Context, tx querier, userID, name, recordID, field, itemJSON string) (int, error) {
	schema, err := findStoreTx(ctx, tx, name)
	if err != nil {
		return 0, err
	}
	if schema == nil {
		return 0, fmt.Errorf("%w: store %q does not exist", store.ErrNotFound, name)
	}
	ft, ok := schema[field]
	if !ok {
		return 0, fmt.Errorf("%w: field %q does not exist in store %q", store.ErrNotFound, field, name)
	}
	if ft != store.TypeJSONCollection {
		return 0, fmt.Errorf("%w: field %q is type %q, not json_collection; use Update for non-collection fields",
			store.ErrTypeMismatch, field, ft)
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT 1 FROM "%s" WHERE id = ? AND user_id = ?`, name), recordID, userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: record %q does not exist in store %q", store.ErrNotFound, recordID, name)
	}
	if err != nil {
		return 0, err
	}

	child := store.CollectionTableName(name, field)
	var count int
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM "%s" WHERE parent_id = ?`, child), recordID).Scan(&count); err != nil {
		return 0, err
	}
	orderIndex := count

	now := types.Now()
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO "%s" (id, parent_id, order_index, item_json, created_at) VALUES (?, ?, ?, ?, ?)`, child),
		uuid.NewString(), recordID, orderIndex, itemJSON, now); err != nil {
		return 0, fmt.Errorf("failed to append to collection %q: %w", child, err)
	}

	meta, _ := json.Marshal(map[string]any{
		"collection_store": child,
		"count":            orderIndex + 1,
	})
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE "%s" SET "%s" = ?, updated_at = ? WHERE id = ?`, name, field),
		string(meta), now, recordID); err != nil {
		return 0, fmt.Errorf("failed to update collection metadata for %q: %w", name, err)
	}

	e.log.WithField("store", name).WithField("field", field).
		WithField("record", recordID).WithField("index", orderIndex).Debug("appended collection item")
	return orderIndex, nil
}

// CollectionGet returns the items of a json_collection field in
// insertion order. Malformed items are skipped with a log entry.
func (e *Engine) CollectionGet(ctx context.Context, userID, name, recordID, field string, limit, offset int) ([]any, error) {
	if err := store.ValidateStoreName(name); err != nil {
		return nil, err
	}
	if err := store.ValidateFieldName(field); err != nil {
		return nil, err
	}
	db, err := e.reader(ctx)
	if err != nil {
		return nil, err
	}

	var exists int
	err = db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT 1 FROM "%s" WHERE id = ? AND user_id = ?`, name), recordID, userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: record %q does not exist or does not belong to user %q in store %q",
			store.ErrNotFound, recordID, userID, name)
	}
	if err != nil {
		return nil, err
	}

	pagination, pageParams, err := buildPagination(limit, offset)
	if err != nil {
		return nil, err
	}
	child := store.CollectionTableName(name, field)
	query := fmt.Sprintf(`SELECT item_json FROM "%s" WHERE parent_id = ? ORDER BY order_index ASC %s`, child, pagination)
	args := append([]any{recordID}, pageParams...)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []any{}
	for rows.Next() {
		var itemJSON string
		if err := rows.Scan(&itemJSON); err != nil {
			return nil, err
		}
		var item any
		if err := json.Unmarshal([]byte(itemJSON), &item); err != nil {
			e.log.WithError(err).WithField("collection", child).Error("failed to deserialize collection item")
			continue
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// marshalCollectionItem accepts objects and arrays only, matching the
// child table's item_json contract.
func marshalCollectionItem(item any) (string, error) {
	if item == nil {
		return "", fmt.Errorf("%w: collection item must be a map or slice, got nil", store.ErrTypeMismatch)
	}
	k := reflect.ValueOf(item).Kind()
	if k == reflect.Ptr {
		k = reflect.ValueOf(item).Elem().Kind()
	}
	if k != reflect.Map && k != reflect.Slice && k != reflect.Array && k != reflect.Struct {
		return "", fmt.Errorf("%w: collection item must be a map or slice, got %T", store.ErrTypeMismatch, item)
	}
	b, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("%w: cannot serialize collection item: %v", store.ErrTypeMismatch, err)
	}
	return string(b), nil
}
