package jsonschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schema = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string"},
    "age": {"type": "integer", "minimum": 0}
  }
}`

func TestValidate(t *testing.T) {
	ok, err := Validate(`{"name":"amy","age":3}`, schema)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Validate(`{"age":-1}`, schema)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateBrokenInput(t *testing.T) {
	_, err := Validate(`{`, schema)
	assert.Error(t, err)

	_, err = Validate(`{}`, `{`)
	assert.Error(t, err)
}

func TestValidateWithErrors(t *testing.T) {
	ok, errs := ValidateWithErrors(`{"name":1,"age":-2}`, schema)
	assert.False(t, ok)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs.Error(), "validation error")
}
