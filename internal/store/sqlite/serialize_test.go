package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untoldecay/ThreadLoom/internal/store"
)

func TestSerializeValueRules(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		ft      store.FieldType
		want    any
		wantErr error
	}{
		{"nil stays nil", nil, store.TypeStr, nil, nil},
		{"int coerces to str", 42, store.TypeStr, "42", nil},
		{"bool coerces to str", true, store.TypeStr, "true", nil},
		{"numeric string to int", "17", store.TypeInt, int64(17), nil},
		{"float truncates to int", 3.9, store.TypeInt, int64(3), nil},
		{"bool rejected for int", true, store.TypeInt, nil, store.ErrTypeMismatch},
		{"garbage string rejected for int", "abc", store.TypeInt, nil, store.ErrTypeMismatch},
		{"bool to float", true, store.TypeFloat, float64(1), nil},
		{"int to float", 2, store.TypeFloat, float64(2), nil},
		{"zero is false", 0, store.TypeBool, int64(0), nil},
		{"empty string is false", "", store.TypeBool, int64(0), nil},
		{"non-empty string is true", "no", store.TypeBool, int64(1), nil},
		{"nonzero float is true", 0.1, store.TypeBool, int64(1), nil},
		{"json string passes through", `{"a": 1}`, store.TypeJSON, `{"a": 1}`, nil},
		{"invalid json string rejected", "{oops", store.TypeJSON, nil, store.ErrValidation},
		{"empty json string rejected", "", store.TypeJSON, nil, store.ErrValidation},
		{"collection direct set refused", []any{}, store.TypeJSONCollection, nil, store.ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := serializeValue(tt.value, tt.ft, "f", "s")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSerializeMapToJSON(t *testing.T) {
	got, err := serializeValue(map[string]any{"k": "v"}, store.TypeJSON, "f", "s")
	require.NoError(t, err)
	assert.JSONEq(t, `{"k": "v"}`, got.(string))
}

func TestSerializeNilCollectionInitializesMetadata(t *testing.T) {
	got, err := serializeValue(nil, store.TypeJSONCollection, "messages", "threads")
	require.NoError(t, err)
	assert.JSONEq(t, `{"collection_store": "threads_messages", "count": 0}`, got.(string))
}

func TestDeserializeCorruptJSONReturnsRaw(t *testing.T) {
	got := deserializeValue("{broken", store.TypeJSON)
	assert.Equal(t, "{broken", got)
}
