package store

import (
	"fmt"
	"regexp"
)

// FieldType is the closed set of schema field types.
type FieldType string

const (
	TypeStr            FieldType = "str"
	TypeInt            FieldType = "int"
	TypeFloat          FieldType = "float"
	TypeBool           FieldType = "bool"
	TypeJSON           FieldType = "json"
	TypeJSONCollection FieldType = "json_collection"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeStr, TypeInt, TypeFloat, TypeBool, TypeJSON, TypeJSONCollection:
		return true
	}
	return false
}

// Schema maps field names to their types.
type Schema map[string]FieldType

// Op is a find filter operator. The zero value means exact match.
type Op string

const (
	OpEq   Op = ""
	OpLike Op = "$like"
	OpGT   Op = "$gt"
	OpGTE  Op = "$gte"
	OpLT   Op = "$lt"
	OpLTE  Op = "$lte"
)

// Filter is one condition on a field.
type Filter struct {
	Op    Op
	Value any
}

// Filters maps field names to conditions.
type Filters map[string]Filter

// Eq builds an exact-match filter.
func Eq(v any) Filter { return Filter{Value: v} }

// Like builds a LIKE filter.
func Like(pattern string) Filter { return Filter{Op: OpLike, Value: pattern} }

// Cmp builds a range filter with one of the comparison operators.
func Cmp(op Op, v any) Filter { return Filter{Op: op, Value: v} }

var (
	storeNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	fieldNameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

// ValidateStoreName checks the store identifier grammar: letters,
// digits, underscore, hyphen, at most 64 chars.
func ValidateStoreName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: store name cannot be empty", ErrValidation)
	}
	if !storeNameRe.MatchString(name) {
		return fmt.Errorf("%w: store name %q can only contain letters, numbers, underscore, and hyphen", ErrValidation, name)
	}
	if len(name) > 64 {
		return fmt.Errorf("%w: store name too long (max 64 characters)", ErrValidation)
	}
	return nil
}

// ValidateFieldName checks the field identifier grammar: letters,
// digits, underscore, at most 64 chars.
func ValidateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: field name cannot be empty", ErrValidation)
	}
	if !fieldNameRe.MatchString(name) {
		return fmt.Errorf("%w: field name %q can only contain letters, numbers, and underscore", ErrValidation, name)
	}
	if len(name) > 64 {
		return fmt.Errorf("%w: field name too long (max 64 characters)", ErrValidation)
	}
	return nil
}

// CollectionTableName returns the child table backing a json_collection
// field: <store>_<field>.
func CollectionTableName(storeName, fieldName string) string {
	return storeName + "_" + fieldName
}
