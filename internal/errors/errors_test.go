package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/victornm/contestboard/internal/errors"
)

func TestError_HTTPStatusCode(t *testing.T) {
	tests := map[errors.Code]int{
		errors.CodeInvalidArgument:    http.StatusBadRequest,
		errors.CodeNotFound:           http.StatusNotFound,
		errors.CodeFailedPrecondition: http.StatusConflict,
		errors.CodeResourceExhausted:  http.StatusTooManyRequests,
		errors.CodeUnavailable:        http.StatusServiceUnavailable,
		errors.CodeUnauthenticated:    http.StatusUnauthorized,
		errors.CodePermissionDenied:   http.StatusForbidden,
		errors.Code(codes.DataLoss):   http.StatusInternalServerError,
	}

	for code, want := range tests {
		assert.Equal(t, want, errors.New(code).HTTPStatusCode(), "code %d", code)
	}
}

func TestConvert(t *testing.T) {
	cause := stderrors.New("boom")

	e := errors.Convert(cause)
	require.Equal(t, errors.CodeInternal, e.Code)
	require.ErrorIs(t, e, cause)

	wrapped := fmt.Errorf("wrap: %w", errors.New(errors.CodeNotFound, errors.WithMessagef("contest %s", "c1")))
	e = errors.Convert(wrapped)
	require.Equal(t, errors.CodeNotFound, e.Code)
	require.Equal(t, "contest c1", e.Message)
	require.True(t, errors.Is(wrapped, errors.CodeNotFound))
	require.False(t, errors.Is(cause, errors.CodeNotFound))
}

func TestError_GRPCStatus(t *testing.T) {
	e := errors.Unavailable(stderrors.New("redis down"))
	require.True(t, e.Retryable())

	s, ok := status.FromError(e)
	require.True(t, ok)
	require.Equal(t, codes.Unavailable, s.Code())
}
