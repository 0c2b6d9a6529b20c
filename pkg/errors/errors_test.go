package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromErrorKeepsTypedErrors(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", Clone(ErrValidation, "token is required"))

	appErr := FromError(wrapped)
	require.Equal(t, ErrValidation.Code, appErr.Code)
	require.Equal(t, "token is required", appErr.Message)
	require.Equal(t, http.StatusBadRequest, appErr.Status)
}

func TestFromErrorWrapsUnknownAsInternal(t *testing.T) {
	cause := errors.New("boom")

	appErr := FromError(cause)
	require.Equal(t, ErrInternal.Code, appErr.Code)
	require.ErrorIs(t, appErr, cause)
}

func TestCloneDoesNotMutateOriginal(t *testing.T) {
	clone := Clone(ErrServiceUnavailable, "store unavailable")
	require.Equal(t, "store unavailable", clone.Message)
	require.Equal(t, "service temporarily unavailable", ErrServiceUnavailable.Message)
}

func TestHasCodeAndTemporary(t *testing.T) {
	err := fmt.Errorf("admit: %w", Wrap(errors.New("db down"), ErrServiceUnavailable.Code, ErrServiceUnavailable.Status, "store unavailable"))

	require.True(t, HasCode(err, ErrServiceUnavailable))
	require.False(t, HasCode(err, ErrNotFound))
	require.True(t, Temporary(err))
	require.False(t, Temporary(Clone(ErrValidation, "")))
	require.False(t, Temporary(errors.New("plain")))
}
