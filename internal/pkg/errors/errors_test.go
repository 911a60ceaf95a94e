package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromErrorPassthrough(t *testing.T) {
	base := Conflict("KEY_ALREADY_EXISTS", "key already exists")
	wrapped := fmt.Errorf("outer: %w", base)

	got := FromError(wrapped)
	require.Equal(t, http.StatusConflict, got.Code)
	require.Equal(t, "KEY_ALREADY_EXISTS", got.Reason)
}

func TestFromErrorOpaque(t *testing.T) {
	got := FromError(errors.New("boom"))
	require.Equal(t, http.StatusInternalServerError, got.Code)
	require.Equal(t, "INTERNAL_ERROR", got.Reason)
	require.NotContains(t, got.Message, "boom")
}

func TestWithMetadataDoesNotMutateBase(t *testing.T) {
	base := TooManyRequests("RATE_LIMIT", "rate limited")
	derived := base.WithMetadata(map[string]string{"retry_after": "2"})

	require.Empty(t, base.Metadata)
	require.Equal(t, "2", derived.Metadata["retry_after"])
	require.True(t, errors.Is(derived, base))
}

func TestWithCauseUnwraps(t *testing.T) {
	cause := errors.New("socket closed")
	err := ServiceUnavailable("UPSTREAM_DOWN", "upstream down").WithCause(cause)

	require.ErrorIs(t, err, cause)
	require.Equal(t, http.StatusServiceUnavailable, Code(err))
	require.Equal(t, "UPSTREAM_DOWN", Reason(err))
}

func TestCodeAndReasonNil(t *testing.T) {
	require.Equal(t, http.StatusOK, Code(nil))
	require.Equal(t, "", Reason(nil))
}
