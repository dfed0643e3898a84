package sqlite

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/untoldecay/ThreadLoom/internal/store"
)

// sqlType maps a schema field type to its SQLite column type.
func sqlType(t store.FieldType) string {
	switch t {
	case store.TypeInt, store.TypeBool:
		return "INTEGER"
	case store.TypeFloat:
		return "REAL"
	default:
		// str, json, json_collection (collection columns hold metadata)
		return "TEXT"
	}
}

// serializeValue validates a field value and converts it to the driver
// value stored in SQLite. A nil value stays nil, except for
// json_collection fields where nil initializes the metadata object.
func serializeValue(value any, fieldType store.FieldType, fieldName, storeName string) (any, error) {
	if value == nil {
		if fieldType == store.TypeJSONCollection {
			meta, _ := json.Marshal(map[string]any{
				"collection_store": store.CollectionTableName(storeName, fieldName),
				"count":            0,
			})
			return string(meta), nil
		}
		return nil, nil
	}

	switch fieldType {
	case store.TypeStr:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprint(value), nil

	case store.TypeInt:
		switch v := value.(type) {
		case bool:
			return nil, fmt.Errorf("%w: field %q expects int, got bool; use 1/0 or convert explicitly", store.ErrTypeMismatch, fieldName)
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float32:
			return int64(v), nil
		case float64:
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q expects int, got string %q that cannot be converted", store.ErrTypeMismatch, fieldName, v)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("%w: field %q expects int, got %T", store.ErrTypeMismatch, fieldName, value)
		}

	case store.TypeFloat:
		switch v := value.(type) {
		case bool:
			if v {
				return float64(1), nil
			}
			return float64(0), nil
		case int:
			return float64(v), nil
		case int32:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float32:
			return float64(v), nil
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q expects float, got string %q that cannot be converted", store.ErrTypeMismatch, fieldName, v)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("%w: field %q expects float, got %T", store.ErrTypeMismatch, fieldName, value)
		}

	case store.TypeBool:
		// Truthiness rules: zero numbers and empty strings are false,
		// everything else true. Stored as 0/1.
		if truthy(value) {
			return int64(1), nil
		}
		return int64(0), nil

	case store.TypeJSON:
		switch v := value.(type) {
		case string:
			if v == "" {
				return nil, fmt.Errorf("%w: field %q (json): empty string is not valid JSON; use {} or []", store.ErrValidation, fieldName)
			}
			if !json.Valid([]byte(v)) {
				return nil, fmt.Errorf("%w: field %q (json): invalid JSON string", store.ErrValidation, fieldName)
			}
			// Store the original text to preserve formatting and key order.
			return v, nil
		case json.RawMessage:
			return serializeValue(string(v), fieldType, fieldName, storeName)
		default:
			k := reflect.ValueOf(value).Kind()
			if k != reflect.Map && k != reflect.Slice && k != reflect.Array {
				return nil, fmt.Errorf("%w: field %q (json) expects map, slice, or JSON string, got %T", store.ErrTypeMismatch, fieldName, value)
			}
			b, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q (json): cannot serialize %T: %v", store.ErrTypeMismatch, fieldName, value, err)
			}
			return string(b), nil
		}

	case store.TypeJSONCollection:
		return nil, fmt.Errorf("%w: field %q (json_collection): cannot set collection directly; use CollectionAppend and leave the field unset on add", store.ErrTypeMismatch, fieldName)

	default:
		return fmt.Sprint(value), nil
	}
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case int:
		return v != 0
	case int32:
		return v != 0
	case int64:
		return v != 0
	case float32:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	case nil:
		return false
	default:
		return true
	}
}

// deserializeValue converts a raw SQLite value back to its field type.
// Unparseable stored data comes back raw so reads never lose data.
func deserializeValue(raw any, fieldType store.FieldType) any {
	if raw == nil {
		return nil
	}

	switch fieldType {
	case store.TypeBool:
		switch v := raw.(type) {
		case int64:
			return v != 0
		case bool:
			return v
		}
		return raw

	case store.TypeInt:
		switch v := raw.(type) {
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return raw

	case store.TypeFloat:
		switch v := raw.(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		}
		return raw

	case store.TypeJSONCollection:
		// Metadata is stored as {"collection_store": ..., "count": N}.
		if s, ok := asString(raw); ok {
			var meta map[string]any
			if err := json.Unmarshal([]byte(s), &meta); err == nil {
				return meta
			}
		}
		return raw

	case store.TypeJSON:
		if s, ok := asString(raw); ok {
			var v any
			if err := json.Unmarshal([]byte(s), &v); err == nil {
				return v
			}
		}
		return raw

	case store.TypeStr:
		if s, ok := asString(raw); ok {
			return s
		}
		return fmt.Sprint(raw)

	default:
		return raw
	}
}

func asString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}
