package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	cases := []struct {
		err  *Error
		code int
	}{
		{BadRequest("bad"), http.StatusBadRequest},
		{Unauthorized("nope"), http.StatusUnauthorized},
		{Forbidden("forbidden"), http.StatusForbidden},
		{NotFound("missing"), http.StatusNotFound},
		{Conflict("dup"), http.StatusConflict},
		{TooManyRequests("slow down"), http.StatusTooManyRequests},
		{Internal(errors.New("db down"), ""), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, tc.err.StatusCode)
		assert.NotEmpty(t, tc.err.Message)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	sentinel := errors.New("record not found")
	err := Wrap(sentinel, http.StatusNotFound, "Book not found")

	assert.True(t, errors.Is(err, sentinel))
	assert.Contains(t, err.Error(), "record not found")
	assert.True(t, strings.Contains(err.Stack(), "apperror_test.go"), "stack should point at caller")
}

func TestAsThroughWrapping(t *testing.T) {
	inner := Conflict("User with email already exists")
	wrapped := fmt.Errorf("register: %w", inner)

	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, got.StatusCode)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}

func TestWithErrors(t *testing.T) {
	err := BadRequest("Required fields are missing or invalid.").
		WithErrors(FieldError{Field: "isbn", Message: "Invalid ISBN format"})
	require.Len(t, err.Errors, 1)
	assert.Equal(t, "isbn", err.Errors[0].Field)
}
