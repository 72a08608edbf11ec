package app

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchmgr/api/internal/patch"
)

func TestInvalidFieldKeepsCause(t *testing.T) {
	cause := &patch.OpError{Op: "put", ID: "p1", Path: "../x", Err: patch.ErrInvalid}
	err := invalidField("path", cause)

	var domainErr *DomainError
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, http.StatusUnprocessableEntity, domainErr.Status)
	assert.Equal(t, "path is invalid", domainErr.Message)
	assert.Equal(t, map[string]any{"field": "path"}, domainErr.Details)
	assert.ErrorIs(t, err, patch.ErrInvalid)

	status, code, _, _ := mapError(err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "VALIDATION_ERROR", code)
}

func TestInvalidFieldPassesOtherErrors(t *testing.T) {
	assert.Same(t, patch.ErrNotFound, invalidField("path", patch.ErrNotFound))
}

func TestRequiredField(t *testing.T) {
	err := requiredField("q")
	assert.EqualError(t, err, "VALIDATION_ERROR: q is required")
	assert.ErrorIs(t, err, patch.ErrInvalid)

	var nilErr *DomainError
	assert.Equal(t, "", nilErr.Error())
	assert.Nil(t, nilErr.Unwrap())
}
