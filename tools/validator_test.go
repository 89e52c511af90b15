package tools

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var personSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	},
	"required": ["name"]
}`)

func TestValidator_ValidArgs(t *testing.T) {
	v := NewValidator()

	err := v.ValidateArgs("people__add", personSchema, []byte(`{"name":"Ada","age":36}`))
	assert.NoError(t, err)
}

func TestValidator_InvalidArgs(t *testing.T) {
	v := NewValidator()

	err := v.ValidateArgs("people__add", personSchema, []byte(`{"age":-1}`))
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "args_invalid", verr.Type)
	assert.Equal(t, "people__add", verr.Subject)
	assert.Contains(t, verr.Detail, "name")
}

func TestValidator_InputKind(t *testing.T) {
	v := NewValidator()

	err := v.ValidateInput("greet", personSchema, []byte(`{}`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "input_invalid", verr.Type)
}

func TestValidator_EmptySchemaAcceptsAnything(t *testing.T) {
	v := NewValidator()

	for _, schema := range []json.RawMessage{nil, []byte(""), []byte("{}"), []byte("null"), []byte("true"), []byte("  {} ")} {
		assert.NoError(t, v.ValidateArgs("x__y", schema, []byte(`{"anything":1}`)), string(schema))
		assert.NoError(t, v.CheckSchema(schema), string(schema))
	}
}

func TestValidator_BadSchema(t *testing.T) {
	v := NewValidator()

	bad := json.RawMessage(`{"type": 12}`)
	assert.Error(t, v.CheckSchema(bad))
	assert.Error(t, v.ValidateArgs("x__y", bad, []byte(`{}`)))
}

func TestValidator_EmptyDocValidatesAsNull(t *testing.T) {
	v := NewValidator()

	// Schema requiring an object rejects a missing document.
	err := v.ValidateArgs("x__y", personSchema, nil)
	assert.Error(t, err)
}

func TestValidator_CompiledSchemaReused(t *testing.T) {
	v := NewValidator()

	require.NoError(t, v.ValidateArgs("x__y", personSchema, []byte(`{"name":"a"}`)))
	require.NoError(t, v.ValidateArgs("x__y", personSchema, []byte(`{"name":"b"}`)))
	assert.Equal(t, 1, v.cache.Len())
}
