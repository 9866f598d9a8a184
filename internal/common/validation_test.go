package common

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidator(t *testing.T) {
	v := NewValidator().
		Field("document_id", uuid.New(), NonNilUUID).
		Field("priority", 10, IntRange(-1000, 1000)).
		Field("filename", "cbc.pdf", Required, MaxLength(255))
	assert.False(t, v.HasErrors())
	assert.NoError(t, v.Error())
	assert.NoError(t, ValidateAndReturnError(v))

	v = NewValidator().
		Field("document_id", uuid.Nil, NonNilUUID).
		Field("priority", 1001, IntRange(-1000, 1000)).
		Field("filename", "  ", Required).
		Field("title", strings.Repeat("é", 6), MaxLength(5))
	assert.Len(t, v.Errors(), 4)
	assert.ErrorIs(t, v.Error(), ErrValidation)
	assert.Contains(t, v.ErrorMessage(), "must be between -1000 and 1000")

	err := ValidateAndReturnError(v)
	assert.ErrorIs(t, err, ErrInvalidInput)
	var appErr *AppError
	assert.ErrorAs(t, err, &appErr)
	assert.Equal(t, "INVALID_ARGUMENT", appErr.Code)
}

func TestRules(t *testing.T) {
	var empty *string
	assert.NotNil(t, Required("x", nil))
	assert.NotNil(t, Required("x", empty))
	assert.Nil(t, Required("x", 0))
	assert.Nil(t, MaxLength(3)("x", 12345), "non-strings pass")
	assert.NotNil(t, IntRange(0, 1)("x", "1"))
}
