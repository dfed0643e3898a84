package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/untoldecay/ThreadLoom/internal/store"
	"github.com/untoldecay/ThreadLoom/internal/types"
)

// Add inserts a new record. Every schema field gets a column value:
// absent fields store nil (or the empty-collection metadata for
// json_collection fields). ErrConflict if the id is taken.
func (e *Engine) Add(ctx context.Context, userID, name, recordID string, data store.Record) (string, error) {
	if err := store.ValidateStoreName(name); err != nil {
		return "", err
	}
	if recordID == "" {
		recordID = uuid.NewString()
	}

	err := e.withWriteTx(ctx, func(ctx context.Context, tx querier) error {
		return e.addTx(ctx, tx, userID, name, recordID, data)
	})
	if err != nil {
		return "", err
	}
	return recordID, nil
}

func (e *Engine) addTx(ctx context.Context, tx querier, userID, name, recordID string, data store.Record) error {
	var exists int
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM "%s" WHERE id = ?`, name), recordID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: record id %q already exists in store %q", store.ErrConflict, recordID, name)
	}
	if err != sql.ErrNoRows {
		return err
	}

	schema, err := findStoreTx(ctx, tx, name)
	if err != nil {
		return err
	}
	if schema == nil {
		return fmt.Errorf("%w: store %q does not exist", store.ErrNotFound, name)
	}

	fields := []string{"user_id"}
	placeholders := []string{"?"}
	values := []any{userID}
	for _, field := range sortedFields(schema) {
		serialized, err := serializeValue(data[field], schema[field], field, name)
		if err != nil {
			return err
		}
		fields = append(fields, fmt.Sprintf(`"%s"`, field))
		placeholders = append(placeholders, "?")
		values = append(values, serialized)
	}

	now := types.Now()
	insertSQL := fmt.Sprintf(`INSERT INTO "%s" (id, %s, created_at, updated_at) VALUES (?, %s, ?, ?)`,
		name, strings.Join(fields, ", "), strings.Join(placeholders, ", "))
	args := append([]any{recordID}, values...)
	args = append(args, now, now)
	if _, err := tx.ExecContext(ctx, insertSQL, args...); err != nil {
		return fmt.Errorf("failed to insert into store %q: %w", name, err)
	}
	e.log.WithField("store", name).WithField("id", recordID).Debug("added record")
	return nil
}

// Get returns a record by id, or nil on miss or cross-tenant access.
func (e *Engine) Get(ctx context.Context, userID, name, recordID string, loadCollections bool) (store.Record, error) {
	if err := store.ValidateStoreName(name); err != nil {
		return nil, err
	}
	db, err := e.reader(ctx)
	if err != nil {
		return nil, err
	}

	schema, err := findStoreTx(ctx, db, name)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		e.log.WithField("store", name).Warn("get on unknown store")
		return nil, nil
	}

	rows, err := db.QueryContext(ctx,
		fmt.Sprintf(`SELECT * FROM "%s" WHERE id = ? AND user_id = ?`, name), recordID, userID)
	if err != nil {
		return nil, err
	}
	records, err := scanRecords(rows, schema)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	record := records[0]

	if loadCollections {
		for field, ft := range schema {
			if ft != store.TypeJSONCollection {
				continue
			}
			items, err := e.CollectionGet(ctx, userID, name, recordID, field, 0, 0)
			if err != nil {
				return nil, err
			}
			record[field] = items
		}
	}
	return record, nil
}

// Update modifies the given fields of a record. Unknown fields and
// json_collection fields are refused; updated_at is refreshed. Returns
// whether a matching record existed; a miss or cross-tenant access is
// (false, nil), not an error, mirroring Delete.
func (e *Engine) Update(ctx context.Context, userID, name, recordID string, updates store.Record) (bool, error) {
	if err := store.ValidateStoreName(name); err != nil {
		return false, err
	}
	if len(updates) == 0 {
		return true, nil
	}

	updated := false
	err := e.withWriteTx(ctx, func(ctx context.Context, tx querier) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT 1 FROM "%s" WHERE id = ? AND user_id = ?`, name), recordID, userID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		schema, err := findStoreTx(ctx, tx, name)
		if err != nil {
			return err
		}
		if schema == nil {
			return fmt.Errorf("%w: store %q does not exist", store.ErrNotFound, name)
		}

		setClauses := ""
		var params []any
		for _, field := range sortedKeys(updates) {
			ft, ok := schema[field]
			if !ok {
				return fmt.Errorf("%w: invalid field %q for update in store %q", store.ErrValidation, field, name)
			}
			if ft == store.TypeJSONCollection {
				return fmt.Errorf("%w: cannot update json_collection field %q; use CollectionAppend", store.ErrTypeMismatch, field)
			}
			serialized, err := serializeValue(updates[field], ft, field, name)
			if err != nil {
				return err
			}
			if setClauses != "" {
				setClauses += ", "
			}
			setClauses += fmt.Sprintf(`"%s" = ?`, field)
			params = append(params, serialized)
		}

		query := fmt.Sprintf(`UPDATE "%s" SET %s, updated_at = ? WHERE id = ? AND user_id = ?`, name, setClauses)
		params = append(params, types.Now(), recordID, userID)
		res, err := tx.ExecContext(ctx, query, params...)
		if err != nil {
			return fmt.Errorf("failed to update store %q: %w", name, err)
		}
		n, _ := res.RowsAffected()
		updated = n > 0
		return nil
	})
	return updated, err
}

// Delete removes a record. The FK cascade drops collection children and
// the triggers clean the FTS rows.
func (e *Engine) Delete(ctx context.Context, userID, name, recordID string) (bool, error) {
	if err := store.ValidateStoreName(name); err != nil {
		return false, err
	}

	deleted := false
	err := e.withWriteTx(ctx, func(ctx context.Context, tx querier) error {
		schema, err := findStoreTx(ctx, tx, name)
		if err != nil {
			return err
		}
		if schema == nil {
			return fmt.Errorf("%w: store %q does not exist", store.ErrNotFound, name)
		}

		// Clear FTS rows (main and children) before the cascade runs.
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM "fts_%s" WHERE parent_id = ? AND user_id = ?`, name),
			recordID, userID); err != nil && !isMissingTableError(err) {
			return err
		}

		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM "%s" WHERE id = ? AND user_id = ?`, name), recordID, userID)
		if err != nil {
			return fmt.Errorf("failed to delete from store %q: %w", name, err)
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// Count returns the number of records matching filters.
func (e *Engine) Count(ctx context.Context, userID, name string, filters store.Filters) (int, error) {
	if err := store.ValidateStoreName(name); err != nil {
		return 0, err
	}
	db, err := e.reader(ctx)
	if err != nil {
		return 0, err
	}
	schema, err := findStoreTx(ctx, db, name)
	if err != nil {
		return 0, err
	}
	if schema == nil {
		return 0, fmt.Errorf("%w: store %q does not exist", store.ErrNotFound, name)
	}

	where, params, err := buildWhere(name, userID, schema, filters)
	if err != nil {
		return 0, err
	}
	var count int
	err = db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM "%s" %s`, name, where), params...).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Find returns records matching filters with ordering and pagination.
// Collection fields hold their metadata object, not the items.
func (e *Engine) Find(ctx context.Context, userID, name string, filters store.Filters, opt store.Options) ([]store.Record, error) {
	if err := store.ValidateStoreName(name); err != nil {
		return nil, err
	}
	db, err := e.reader(ctx)
	if err != nil {
		return nil, err
	}
	schema, err := findStoreTx(ctx, db, name)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, fmt.Errorf("%w: store %q does not exist", store.ErrNotFound, name)
	}

	where, params, err := buildWhere(name, userID, schema, filters)
	if err != nil {
		return nil, err
	}
	order, err := buildOrder(name, schema, opt)
	if err != nil {
		return nil, err
	}
	pagination, pageParams, err := buildPagination(opt.Limit, opt.Offset)
	if err != nil {
		return nil, err
	}
	params = append(params, pageParams...)

	query := fmt.Sprintf(`SELECT * FROM "%s" %s %s %s`, name, where, order, pagination)
	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows, schema)
}

// scanRecords reads every row into a Record, deserializing each column
// by its schema type. The caller's *sql.Rows is always closed.
func scanRecords(rows *sql.Rows, schema store.Schema) ([]store.Record, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	full := schemaWithMeta(schema)

	var records []store.Record
	for rows.Next() {
		raw := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(store.Record, len(columns))
		for i, col := range columns {
			ft, ok := full[col]
			if !ok {
				ft = store.TypeStr
			}
			record[col] = deserializeValue(raw[i], ft)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func sortedKeys(r store.Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isMissingTableError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
