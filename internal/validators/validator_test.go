package validators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type commentBody struct {
	Text string `validate:"notblank,max=10"`
}

type profileBody struct {
	Username string `validate:"omitempty,min=3,username"`
	Name     string `validate:"omitempty,notblank"`
}

func TestNotBlank(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.Struct(commentBody{Text: "hi"}))
	assert.Error(t, v.Struct(commentBody{Text: "   "}))
	assert.Error(t, v.Struct(commentBody{Text: ""}))
	assert.Error(t, v.Struct(commentBody{Text: "\u00a0\n"}))

	assert.NoError(t, v.Struct(profileBody{}))
	assert.Error(t, v.Struct(profileBody{Name: "  "}))
}

func TestDescribe(t *testing.T) {
	v := NewValidator()

	err := v.Struct(commentBody{Text: "this is far too long"})
	assert.Equal(t, "text must be at most 10 characters", Describe(err))

	err = v.Struct(commentBody{Text: "\t"})
	assert.Equal(t, "text is required", Describe(err))
}

func TestUsername(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.Struct(profileBody{Username: "jane_doe.1"}))
	assert.NoError(t, v.Struct(profileBody{}))
	assert.Error(t, v.Struct(profileBody{Username: "jane doe"}))
}

func TestValidateReturnsHTTPError(t *testing.T) {
	v := NewValidator()
	err := v.Validate(commentBody{})
	assert.ErrorContains(t, err, "text is required")
}
