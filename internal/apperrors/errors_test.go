package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestError_KindMatching(t *testing.T) {
	err := fmt.Errorf("load contact: %w", NotFound("contact %s", "abc"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))

	appErr, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "NOT_FOUND", appErr.Code())
	assert.Equal(t, "contact abc", appErr.Message)
}

func TestError_Status(t *testing.T) {
	tests := []struct {
		err      *Error
		httpCode int
		grpcCode codes.Code
	}{
		{BadRequest("x"), http.StatusBadRequest, codes.InvalidArgument},
		{Unauthorized("x"), http.StatusUnauthorized, codes.Unauthenticated},
		{Forbidden("x"), http.StatusForbidden, codes.PermissionDenied},
		{NotFound("x"), http.StatusNotFound, codes.NotFound},
		{Conflict(nil, "x"), http.StatusConflict, codes.AlreadyExists},
		{Validation("x", nil), http.StatusBadRequest, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.err.Code(), func(t *testing.T) {
			assert.Equal(t, tt.httpCode, tt.err.Status())
			assert.Equal(t, tt.httpCode, StatusOf(tt.err))

			st, ok := status.FromError(tt.err)
			require.True(t, ok)
			assert.Equal(t, tt.grpcCode, st.Code())
		})
	}

	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("boom")))
}

func TestValidation_ListsEveryField(t *testing.T) {
	err := Validation("contact is invalid", []FieldError{
		{Path: "name", Message: "is required"},
		{Path: "email", Message: "must be an email"},
	})
	assert.Equal(t, "contact is invalid: name: is required; email: must be an email", err.Error())
	assert.ErrorIs(t, err, ErrValidation)
}

func TestConflict_Unwrap(t *testing.T) {
	cause := errors.New("duplicate key")
	err := Conflict(cause, "contact exists")
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrConflict)
}
