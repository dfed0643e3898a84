package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/untoldecay/ThreadLoom/internal/store"
)

// FullTextSearch matches query against the store's FTS index and returns
// the parent records ordered by rank. The query is wrapped as a quoted
// prefix so partial words match. Two steps: distinct parent ids from the
// FTS table (filtered by user), then the full rows.
func (e *Engine) FullTextSearch(ctx context.Context, userID, name, query string, opt store.Options) ([]store.Record, error) {
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

	// Quoting neutralizes FTS5 operators in user input; the trailing *
	// turns the last token into a prefix match.
	match := `"` + strings.ReplaceAll(query, `"`, `""`) + `"*`

	pagination, pageParams, err := buildPagination(opt.Limit, opt.Offset)
	if err != nil {
		return nil, err
	}

	ftsTable := "fts_" + name
	parentQuery := fmt.Sprintf(`
		SELECT DISTINCT parent_id
		FROM "%s"
		WHERE "%s" MATCH ? AND user_id = ?
		ORDER BY rank
		%s`, ftsTable, ftsTable, pagination)
	args := append([]any{match, userID}, pageParams...)

	rows, err := db.QueryContext(ctx, parentQuery, args...)
	if err != nil {
		return nil, err
	}
	var parentIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		parentIDs = append(parentIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(parentIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(parentIDs)), ",")
	mainQuery := fmt.Sprintf(`SELECT * FROM "%s" WHERE id IN (%s) AND user_id = ?`, name, placeholders)
	mainArgs := make([]any, 0, len(parentIDs)+1)
	for _, id := range parentIDs {
		mainArgs = append(mainArgs, id)
	}
	mainArgs = append(mainArgs, userID)

	mainRows, err := db.QueryContext(ctx, mainQuery, mainArgs...)
	if err != nil {
		return nil, err
	}
	records, err := scanRecords(mainRows, schema)
	if err != nil {
		return nil, err
	}

	// Restore FTS rank order; the IN query returns rows in table order.
	byID := make(map[string]store.Record, len(records))
	for _, r := range records {
		if id, ok := r["id"].(string); ok {
			byID[id] = r
		}
	}
	ordered := make([]store.Record, 0, len(records))
	for _, id := range parentIDs {
		if r, ok := byID[id]; ok {
			ordered = append(ordered, r)
		}
	}
	return ordered, nil
}
