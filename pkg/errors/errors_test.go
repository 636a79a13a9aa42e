package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	err := New(ErrCodeAllocationFailed, "outstanding limit reached")
	require.NotNil(t, err)
	assert.Equal(t, ErrCodeAllocationFailed, err.Code)
	assert.Equal(t, CategoryResource, err.Category)
	assert.NotNil(t, err.Details)
	assert.False(t, err.Timestamp.IsZero())
	assert.False(t, err.Retryable)
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeConfigSave, CategoryConfiguration},
		{ErrCodeAllocationFailed, CategoryResource},
		{ErrCodeInvalidRequest, CategoryResource},
		{ErrCodePersistenceRead, CategoryPersistence},
		{ErrCodePersistenceCorrupt, CategoryPersistence},
		{ErrCodeRemoteUnavailable, CategoryStorage},
		{ErrCodeNotInitialized, CategoryState},
		{ErrCodeShutdownInProgress, CategoryState},
		{ErrCodeRequestNotFound, CategoryOperation},
		{ErrCodeRetryExhausted, CategoryOperation},
		{ErrCodeInvariantViolation, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, GetCategory(tt.code))
		})
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	t.Run("component and operation", func(t *testing.T) {
		err := New(ErrCodeRequestNotFound, "no such request").
			WithComponent("performance").
			WithOperation("release")
		assert.Equal(t, "[performance:release] REQUEST_NOT_FOUND: no such request", err.Error())
	})

	t.Run("cause appended", func(t *testing.T) {
		err := New(ErrCodePersistenceWrite, "save failed").WithCause(fmt.Errorf("disk full"))
		assert.True(t, strings.HasSuffix(err.Error(), ": disk full"))
	})

	t.Run("detailed string", func(t *testing.T) {
		err := New(ErrCodeRemoteUnavailable, "mirror down").WithDetail("bucket", "state")
		s := err.String()
		assert.Contains(t, s, "Code=REMOTE_UNAVAILABLE")
		assert.Contains(t, s, "Retryable=true")
		assert.Contains(t, s, `"bucket":"state"`)
	})
}

func TestErrorsIsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("short read")
	err := New(ErrCodePersistenceCorrupt, "truncated").WithCause(cause)
	wrapped := fmt.Errorf("load: %w", err)

	assert.True(t, errors.Is(wrapped, New(ErrCodePersistenceCorrupt, "")))
	assert.False(t, errors.Is(wrapped, New(ErrCodePersistenceRead, "")))
	assert.True(t, errors.Is(wrapped, cause))
	assert.True(t, HasCode(wrapped, ErrCodePersistenceCorrupt))
	assert.False(t, HasCode(cause, ErrCodePersistenceCorrupt))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(fmt.Errorf("x: %w", New(ErrCodeRemoteUnavailable, "down"))))
	assert.False(t, IsRetryable(New(ErrCodeRemoteNotFound, "missing")))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestInvariant(t *testing.T) {
	t.Parallel()

	err := Invariant("cache", "negative counter %d", -1)
	assert.Equal(t, ErrCodeInvariantViolation, err.Code)
	assert.Equal(t, "cache", err.Component)
	assert.Equal(t, "negative counter -1", err.Message)
	assert.NotEmpty(t, err.Stack)
}
