package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/untoldecay/ThreadLoom/internal/store"
	"github.com/untoldecay/ThreadLoom/internal/types"
)

// CreateStoreIfNotExists creates the store's main table, user index, FTS
// table, triggers, and collection child tables. If the store already
// exists the schemas are diffed: missing fields are added with ALTER
// TABLE (plus child tables for new collections) and the stored schema
// JSON is updated in the same transaction; extra stored fields are
// ignored. Returns true only when the store was newly created.
func (e *Engine) CreateStoreIfNotExists(ctx context.Context, name string, schema store.Schema, cacheable bool) (bool, error) {
	if err := store.ValidateStoreName(name); err != nil {
		return false, err
	}
	for field, ft := range schema {
		if err := store.ValidateFieldName(field); err != nil {
			return false, err
		}
		if !ft.Valid() {
			return false, fmt.Errorf("%w: unknown field type %q for field %q", store.ErrValidation, ft, field)
		}
	}
	if cacheable {
		if _, ok := schema["_version"]; !ok {
			withVersion := make(store.Schema, len(schema)+1)
			for k, v := range schema {
				withVersion[k] = v
			}
			withVersion["_version"] = store.TypeStr
			schema = withVersion
		}
	}

	created := false
	err := e.withWriteTx(ctx, func(ctx context.Context, tx querier) error {
		existing, err := findStoreTx(ctx, tx, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return e.reconcileSchema(ctx, tx, name, existing, schema)
		}
		created = true
		return e.createStore(ctx, tx, name, schema, cacheable)
	})
	return created, err
}

// reconcileSchema adds the fields present in schema but absent from the
// stored one. Adding an indexable field changes the FTS column set,
// which fts5 cannot alter in place, so the index is rebuilt.
func (e *Engine) reconcileSchema(ctx context.Context, tx querier, name string, existing, schema store.Schema) error {
	var missing []string
	for _, field := range sortedFields(schema) {
		if _, ok := existing[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	e.log.WithField("store", name).WithField("fields", missing).Info("adding missing schema fields")

	merged := make(store.Schema, len(existing)+len(missing))
	for k, v := range existing {
		merged[k] = v
	}
	rebuildIndex := false
	for _, field := range missing {
		ft := schema[field]
		alter := fmt.Sprintf(`ALTER TABLE "%s" ADD COLUMN "%s" %s`, name, field, sqlType(ft))
		if _, err := tx.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("failed to add column %q to store %q: %w", field, name, err)
		}
		if ft == store.TypeJSONCollection {
			if err := e.createCollectionChildTable(ctx, tx, name, field); err != nil {
				return err
			}
		}
		if ft == store.TypeStr || ft == store.TypeJSON || ft == store.TypeJSONCollection {
			rebuildIndex = true
		}
		merged[field] = ft
	}
	if rebuildIndex {
		if err := e.rebuildFTS(ctx, tx, name, merged); err != nil {
			return err
		}
	}

	schemaJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE _stores SET schema_json = ? WHERE name = ?", string(schemaJSON), name); err != nil {
		return fmt.Errorf("failed to update schema for store %q: %w", name, err)
	}
	return nil
}

// rebuildFTS drops and recreates the store's FTS table and triggers from
// the full schema, then re-indexes every existing row, main table and
// collection children alike.
func (e *Engine) rebuildFTS(ctx context.Context, tx querier, name string, schema store.Schema) error {
	var collectionFields, indexableFields []string
	for _, field := range sortedFields(schema) {
		switch schema[field] {
		case store.TypeJSONCollection:
			collectionFields = append(collectionFields, field)
			indexableFields = append(indexableFields, field)
		case store.TypeStr, store.TypeJSON:
			indexableFields = append(indexableFields, field)
		}
	}
	if len(indexableFields) == 0 {
		return nil
	}

	drops := []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS "fts_%s_insert"`, name),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS "fts_%s_update"`, name),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS "fts_%s_delete"`, name),
	}
	for _, field := range collectionFields {
		child := store.CollectionTableName(name, field)
		drops = append(drops,
			fmt.Sprintf(`DROP TRIGGER IF EXISTS "fts_%s_insert"`, child),
			fmt.Sprintf(`DROP TRIGGER IF EXISTS "fts_%s_delete"`, child))
	}
	drops = append(drops, fmt.Sprintf(`DROP TABLE IF EXISTS "fts_%s"`, name))
	for _, drop := range drops {
		if _, err := tx.ExecContext(ctx, drop); err != nil {
			return fmt.Errorf("failed to drop FTS objects for store %q: %w", name, err)
		}
	}

	if err := createFTSTable(ctx, tx, name, indexableFields); err != nil {
		return err
	}
	if err := createFTSTriggers(ctx, tx, name, indexableFields); err != nil {
		return err
	}
	for _, field := range collectionFields {
		child := store.CollectionTableName(name, field)
		if err := createCollectionFTSTriggers(ctx, tx, name, field, child); err != nil {
			return err
		}
	}

	reindex := fmt.Sprintf(`
		INSERT INTO "fts_%s" (user_id, parent_id, child_id, %s)
		SELECT user_id, id, '', %s FROM "%s"`,
		name, quoteJoin(indexableFields), quoteJoin(indexableFields), name)
	if _, err := tx.ExecContext(ctx, reindex); err != nil {
		return fmt.Errorf("failed to re-index store %q: %w", name, err)
	}
	for _, field := range collectionFields {
		child := store.CollectionTableName(name, field)
		reindexChild := fmt.Sprintf(`
			INSERT INTO "fts_%s" (user_id, parent_id, child_id, "%s")
			SELECT parent.user_id, item.parent_id, '%s_' || item.id, item.item_json
			FROM "%s" item JOIN "%s" parent ON parent.id = item.parent_id`,
			name, field, field, child, name)
		if _, err := tx.ExecContext(ctx, reindexChild); err != nil {
			return fmt.Errorf("failed to re-index collection %q: %w", child, err)
		}
	}
	e.log.WithField("store", name).WithField("fields", indexableFields).Info("rebuilt full-text index")
	return nil
}

func (e *Engine) createStore(ctx context.Context, tx querier, name string, schema store.Schema, cacheable bool) error {
	columns := []string{"user_id TEXT NOT NULL"}
	var collectionFields, indexableFields []string
	for _, field := range sortedFields(schema) {
		ft := schema[field]
		columns = append(columns, fmt.Sprintf(`"%s" %s`, field, sqlType(ft)))
		switch ft {
		case store.TypeJSONCollection:
			collectionFields = append(collectionFields, field)
			indexableFields = append(indexableFields, field)
		case store.TypeStr, store.TypeJSON:
			indexableFields = append(indexableFields, field)
		}
	}

	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s" (
			id TEXT PRIMARY KEY,
			%s,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, name, joinColumns(columns))
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create store %q: %w", name, err)
	}

	indexSQL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "idx_%s_user_id" ON "%s" (user_id)`, name, name)
	if _, err := tx.ExecContext(ctx, indexSQL); err != nil {
		return fmt.Errorf("failed to create user index for store %q: %w", name, err)
	}

	for _, field := range collectionFields {
		if err := e.createCollectionChildTable(ctx, tx, name, field); err != nil {
			return err
		}
	}

	if len(indexableFields) > 0 {
		if err := createFTSTable(ctx, tx, name, indexableFields); err != nil {
			return err
		}
		if err := createFTSTriggers(ctx, tx, name, indexableFields); err != nil {
			return err
		}
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	cacheableInt := 0
	if cacheable {
		cacheableInt = 1
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO _stores (name, schema_json, cacheable, created_at) VALUES (?, ?, ?, ?)",
		name, string(schemaJSON), cacheableInt, types.Now()); err != nil {
		return fmt.Errorf("failed to register store %q: %w", name, err)
	}

	e.log.WithField("store", name).WithField("collections", len(collectionFields)).Info("created store")
	return nil
}

// createCollectionChildTable creates the append-only child table for a
// json_collection field, registers it as a store with a fixed schema,
// and installs its FTS triggers.
func (e *Engine) createCollectionChildTable(ctx context.Context, tx querier, storeName, field string) error {
	child := store.CollectionTableName(storeName, field)
	childSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s" (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL,
			order_index INTEGER NOT NULL,
			item_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (parent_id) REFERENCES "%s"(id) ON DELETE CASCADE,
			UNIQUE(parent_id, order_index)
		)`, child, storeName)
	if _, err := tx.ExecContext(ctx, childSQL); err != nil {
		return fmt.Errorf("failed to create collection table %q: %w", child, err)
	}

	indexSQL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "idx_%s_parent" ON "%s"(parent_id, order_index)`, child, child)
	if _, err := tx.ExecContext(ctx, indexSQL); err != nil {
		return fmt.Errorf("failed to create parent index for %q: %w", child, err)
	}

	childSchema, _ := json.Marshal(store.Schema{
		"parent_id":   store.TypeStr,
		"order_index": store.TypeInt,
		"item_json":   store.TypeJSON,
	})
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO _stores (name, schema_json, cacheable, parent, created_at) VALUES (?, ?, 0, ?, ?)",
		child, string(childSchema), storeName, types.Now()); err != nil {
		return fmt.Errorf("failed to register collection store %q: %w", child, err)
	}

	return createCollectionFTSTriggers(ctx, tx, storeName, field, child)
}

func createFTSTable(ctx context.Context, tx querier, name string, fields []string) error {
	ftsSQL := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS "fts_%s" USING fts5(
			user_id UNINDEXED,
			parent_id UNINDEXED,
			child_id UNINDEXED,
			%s,
			tokenize='porter'
		)`, name, quoteJoin(fields))
	if _, err := tx.ExecContext(ctx, ftsSQL); err != nil {
		return fmt.Errorf("failed to create FTS table for store %q: %w", name, err)
	}
	return nil
}

// createFTSTriggers installs the insert/update/delete triggers that keep
// the FTS table synchronized with the main table. Application code never
// writes FTS rows.
func createFTSTriggers(ctx context.Context, tx querier, name string, fields []string) error {
	ftsTable := "fts_" + name
	ftsColumns := quoteJoin(fields)
	newValues := ""
	for i, f := range fields {
		if i > 0 {
			newValues += ", "
		}
		newValues += fmt.Sprintf(`NEW."%s"`, f)
	}

	insertTrigger := fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS "fts_%s_insert"
		AFTER INSERT ON "%s"
		BEGIN
			INSERT INTO "%s" (user_id, parent_id, child_id, %s)
			VALUES (NEW.user_id, NEW.id, '', %s);
		END`, name, name, ftsTable, ftsColumns, newValues)
	if _, err := tx.ExecContext(ctx, insertTrigger); err != nil {
		return fmt.Errorf("failed to create FTS insert trigger for %q: %w", name, err)
	}

	updateTrigger := fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS "fts_%s_update"
		AFTER UPDATE ON "%s"
		BEGIN
			DELETE FROM "%s" WHERE parent_id = OLD.id AND user_id = OLD.user_id AND child_id = '';
			INSERT INTO "%s" (user_id, parent_id, child_id, %s)
			VALUES (NEW.user_id, NEW.id, '', %s);
		END`, name, name, ftsTable, ftsTable, ftsColumns, newValues)
	if _, err := tx.ExecContext(ctx, updateTrigger); err != nil {
		return fmt.Errorf("failed to create FTS update trigger for %q: %w", name, err)
	}

	deleteTrigger := fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS "fts_%s_delete"
		AFTER DELETE ON "%s"
		BEGIN
			DELETE FROM "%s" WHERE parent_id = OLD.id AND user_id = OLD.user_id;
		END`, name, name, ftsTable)
	if _, err := tx.ExecContext(ctx, deleteTrigger); err != nil {
		return fmt.Errorf("failed to create FTS delete trigger for %q: %w", name, err)
	}
	return nil
}

// createCollectionFTSTriggers mirrors collection items into the parent
// store's FTS table under the synthetic child_id <field>_<item_id>.
func createCollectionFTSTriggers(ctx context.Context, tx querier, storeName, field, child string) error {
	ftsTable := "fts_" + storeName

	insertTrigger := fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS "fts_%s_insert"
		AFTER INSERT ON "%s"
		BEGIN
			INSERT INTO "%s" (user_id, parent_id, child_id, "%s")
			SELECT parent.user_id, NEW.parent_id, '%s_' || NEW.id, NEW.item_json
			FROM "%s" parent WHERE parent.id = NEW.parent_id;
		END`, child, child, ftsTable, field, field, storeName)
	if _, err := tx.ExecContext(ctx, insertTrigger); err != nil {
		return fmt.Errorf("failed to create collection FTS insert trigger for %q: %w", child, err)
	}

	deleteTrigger := fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS "fts_%s_delete"
		AFTER DELETE ON "%s"
		BEGIN
			DELETE FROM "%s" WHERE child_id = '%s_' || OLD.id;
		END`, child, child, ftsTable, field)
	if _, err := tx.ExecContext(ctx, deleteTrigger); err != nil {
		return fmt.Errorf("failed to create collection FTS delete trigger for %q: %w", child, err)
	}
	return nil
}

// ListStores returns all registered top-level store names in order.
// Collection child tables are registered with a parent and excluded.
func (e *Engine) ListStores(ctx context.Context) ([]string, error) {
	db, err := e.reader(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT name FROM _stores WHERE parent = '' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// FindStore returns the schema of a store, or nil when it does not exist.
func (e *Engine) FindStore(ctx context.Context, name string) (store.Schema, error) {
	if err := store.ValidateStoreName(name); err != nil {
		return nil, err
	}
	db, err := e.reader(ctx)
	if err != nil {
		return nil, err
	}
	return findStoreTx(ctx, db, name)
}

// IsCacheable reports whether a store was registered cacheable.
func (e *Engine) IsCacheable(ctx context.Context, name string) (bool, error) {
	if err := store.ValidateStoreName(name); err != nil {
		return false, err
	}
	db, err := e.reader(ctx)
	if err != nil {
		return false, err
	}
	var cacheable int
	err = db.QueryRowContext(ctx, "SELECT cacheable FROM _stores WHERE name = ?", name).Scan(&cacheable)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cacheable != 0, nil
}

func findStoreTx(ctx context.Context, q querier, name string) (store.Schema, error) {
	var schemaJSON string
	err := q.QueryRowContext(ctx, "SELECT schema_json FROM _stores WHERE name = ?", name).Scan(&schemaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up store %q: %w", name, err)
	}
	var schema store.Schema
	if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
		return nil, fmt.Errorf("%w: schema for store %q: %v", store.ErrCorrupt, name, err)
	}
	return schema, nil
}

func sortedFields(schema store.Schema) []string {
	fields := make([]string, 0, len(schema))
	for f := range schema {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func joinColumns(cols []string) string {
	return strings.Join(cols, ",\n\t\t\t")
}

func quoteJoin(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + f + `"`
	}
	return strings.Join(quoted, ", ")
}
