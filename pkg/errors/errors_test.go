package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "daygraph-backend/pkg/errors"
)

func TestAppError_CarriesTypeAndCode(t *testing.T) {
	err := pkgerrors.NewRateLimitError("minute", 12)
	assert.Equal(t, pkgerrors.ErrorTypeRateLimit, err.Type)
	assert.Equal(t, pkgerrors.CodeRateLimited, err.Code)
	assert.Equal(t, 12, err.RetryAfter)
	assert.Contains(t, err.Message, "minute")
}

func TestGetAppError_UnwrapsChains(t *testing.T) {
	inner := pkgerrors.NewNotFoundError("node")
	wrapped := fmt.Errorf("loading snapshot: %w", inner)

	got := pkgerrors.GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, pkgerrors.ErrorTypeNotFound, got.Type)
	assert.True(t, pkgerrors.IsNotFound(wrapped))
}

func TestGetAppError_PlainErrorIsNil(t *testing.T) {
	assert.Nil(t, pkgerrors.GetAppError(stderrors.New("plain")))
	assert.False(t, pkgerrors.IsNotFound(stderrors.New("plain")))
}

func TestWrap_PreservesAppErrorType(t *testing.T) {
	err := pkgerrors.Wrap(pkgerrors.NewConflictError("version mismatch"), "committing node")
	assert.True(t, pkgerrors.IsConflict(err))
	assert.Contains(t, err.Error(), "committing node")
}

func TestWrap_PlainErrorBecomesInternal(t *testing.T) {
	cause := stderrors.New("disk on fire")
	err := pkgerrors.Wrap(cause, "writing record")
	appErr := pkgerrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, pkgerrors.ErrorTypeInternal, appErr.Type)
	assert.ErrorIs(t, err, cause)
}

func TestWrap_NilIsNil(t *testing.T) {
	assert.NoError(t, pkgerrors.Wrap(nil, "anything"))
}

func TestIsTransient(t *testing.T) {
	transient := pkgerrors.NewTransientError("put", stderrors.New("throttled"))
	assert.True(t, pkgerrors.IsTransient(transient))
	assert.False(t, pkgerrors.IsTransient(pkgerrors.NewConflictError("raced")))
	assert.False(t, pkgerrors.IsTransient(nil))
}

func TestIsPolicyRejection(t *testing.T) {
	assert.True(t, pkgerrors.IsPolicyRejection(pkgerrors.NewRateLimitError("hour", 60)))
	assert.True(t, pkgerrors.IsPolicyRejection(pkgerrors.NewQuotaError("entity limit reached", pkgerrors.CodeEntityLimit)))
	assert.True(t, pkgerrors.IsPolicyRejection(pkgerrors.NewStoreFullError()))
	assert.True(t, pkgerrors.IsPolicyRejection(pkgerrors.NewValidationError("bad payload")))
	assert.False(t, pkgerrors.IsPolicyRejection(pkgerrors.NewNotFoundError("edge")))
	assert.False(t, pkgerrors.IsPolicyRejection(pkgerrors.NewTransientError("get", nil)))
}
