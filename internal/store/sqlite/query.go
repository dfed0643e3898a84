package sqlite

import (
	"fmt"
	"sort"

	"github.com/untoldecay/ThreadLoom/internal/store"
)

// systemFields are the columns every store carries beyond its schema.
// ISO8601 timestamps compare correctly as strings.
var systemFields = store.Schema{
	"id":         store.TypeStr,
	"user_id":    store.TypeStr,
	"created_at": store.TypeStr,
	"updated_at": store.TypeStr,
}

// schemaWithMeta returns the schema extended with the system columns.
func schemaWithMeta(schema store.Schema) store.Schema {
	out := make(store.Schema, len(schema)+len(systemFields))
	for k, v := range schema {
		out[k] = v
	}
	for k, v := range systemFields {
		out[k] = v
	}
	return out
}

// buildWhere validates filters against the schema and builds the WHERE
// clause. The user_id predicate is always present, filters or not.
func buildWhere(storeName, userID string, schema store.Schema, filters store.Filters) (string, []any, error) {
	clauses := []string{"user_id = ?"}
	params := []any{userID}

	if len(filters) == 0 {
		return "WHERE user_id = ?", params, nil
	}

	full := schemaWithMeta(schema)

	fields := make([]string, 0, len(filters))
	for f := range filters {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		ft, ok := full[field]
		if !ok {
			return "", nil, fmt.Errorf("%w: invalid filter field %q for store %q", store.ErrValidation, field, storeName)
		}
		if err := store.ValidateFieldName(field); err != nil {
			return "", nil, err
		}

		f := filters[field]
		serialized, err := serializeValue(f.Value, ft, field, storeName)
		if err != nil {
			return "", nil, err
		}

		switch f.Op {
		case store.OpEq:
			clauses = append(clauses, fmt.Sprintf(`"%s" = ?`, field))
			params = append(params, serialized)
		case store.OpLike:
			if _, ok := serialized.(string); !ok {
				serialized = fmt.Sprint(f.Value)
			}
			clauses = append(clauses, fmt.Sprintf(`"%s" LIKE ?`, field))
			params = append(params, serialized)
		case store.OpGT, store.OpGTE, store.OpLT, store.OpLTE:
			sqlOp := map[store.Op]string{
				store.OpGT: ">", store.OpGTE: ">=",
				store.OpLT: "<", store.OpLTE: "<=",
			}[f.Op]
			clauses = append(clauses, fmt.Sprintf(`"%s" %s ?`, field, sqlOp))
			params = append(params, serialized)
		default:
			return "", nil, fmt.Errorf("%w: unsupported filter operator %q for field %q", store.ErrValidation, f.Op, field)
		}
	}

	where := "WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, params, nil
}

// buildPagination returns the LIMIT/OFFSET fragment. Limit 0 means no
// limit; negative values are rejected.
func buildPagination(limit, offset int) (string, []any, error) {
	if limit < 0 {
		return "", nil, fmt.Errorf("%w: limit must be non-negative", store.ErrValidation)
	}
	if offset < 0 {
		return "", nil, fmt.Errorf("%w: offset must be non-negative", store.ErrValidation)
	}

	var sqlStr string
	var params []any
	if limit > 0 {
		sqlStr = "LIMIT ?"
		params = append(params, limit)
	}
	if offset > 0 {
		if sqlStr != "" {
			sqlStr += " "
		} else if limit == 0 {
			// SQLite requires a LIMIT before OFFSET.
			sqlStr = "LIMIT -1 "
		}
		sqlStr += "OFFSET ?"
		params = append(params, offset)
	}
	return sqlStr, params, nil
}

// buildOrder validates the order field against the schema and returns
// the ORDER BY fragment.
func buildOrder(storeName string, schema store.Schema, opt store.Options) (string, error) {
	if opt.OrderBy == "" {
		return "", nil
	}
	full := schemaWithMeta(schema)
	if _, ok := full[opt.OrderBy]; !ok {
		return "", fmt.Errorf("%w: invalid order_by field %q for store %q", store.ErrValidation, opt.OrderBy, storeName)
	}
	if err := store.ValidateFieldName(opt.OrderBy); err != nil {
		return "", err
	}
	direction := "ASC"
	if opt.Descending {
		direction = "DESC"
	}
	return fmt.Sprintf(`ORDER BY "%s" %s`, opt.OrderBy, direction), nil
}
