package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RetryabilityComesFromCodeTable(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		retry bool
	}{
		{"corruption never retries", ErrCodeStoreCorrupt, false},
		{"environment error never retries", ErrCodeStoreEnv, false},
		{"ambiguous zero retries", ErrCodeStoreNotOpen, true},
		{"download retries", ErrCodeModelDownload, true},
		{"all backends failed is final", ErrCodeAllBackendsFailed, false},
		{"validation is final", ErrCodeInvalidInput, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retry, New(tt.code, "x", nil).Retryable)
		})
	}
}

func TestCategory_ReadsTheHundredsBlock(t *testing.T) {
	assert.Equal(t, CategoryConfig, New(ErrCodeSchemaNewer, "", nil).Category())
	assert.Equal(t, CategoryIO, New(ErrCodeStoreCorrupt, "", nil).Category())
	assert.Equal(t, CategoryNetwork, New(ErrCodeModelDownload, "", nil).Category())
	assert.Equal(t, CategoryValidation, New(ErrCodeUnknownFolder, "", nil).Category())
	assert.Equal(t, CategoryInternal, New(ErrCodeInferenceFailed, "", nil).Category())
	assert.Equal(t, CategoryInternal, New("bad", "", nil).Category())
}

func TestCoreError_ErrorFormat(t *testing.T) {
	err := New(ErrCodeStoreCorrupt, "integrity check failed", nil)
	assert.Equal(t, "ERR_205_STORE_CORRUPT: integrity check failed", err.Error())
}

func TestCoreError_ChainResolution(t *testing.T) {
	// Given: a CoreError buried under plain fmt wrapping
	cause := fmt.Errorf("disk I/O error")
	coded := New(ErrCodeStoreNotOpen, "store is not open", cause)
	wrapped := fmt.Errorf("count embeddings: %w", coded)

	// Then: code, retryability, and the cause all resolve through the chain
	assert.Equal(t, ErrCodeStoreNotOpen, GetCode(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.True(t, stderrors.Is(wrapped, cause))
	assert.True(t, stderrors.Is(wrapped, New(ErrCodeStoreNotOpen, "different message", nil)),
		"CoreErrors compare by code")
	assert.False(t, stderrors.Is(wrapped, New(ErrCodeStoreCorrupt, "", nil)))
}

func TestGetCode_PlainError(t *testing.T) {
	assert.Empty(t, GetCode(fmt.Errorf("plain")))
	assert.Empty(t, GetCode(nil))
}

func TestIsRetryable_PlainErrorsAreNot(t *testing.T) {
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestEnvironmentError_PolicyShape(t *testing.T) {
	err := EnvironmentError("libonnxruntime.so missing", nil)
	assert.Equal(t, ErrCodeStoreEnv, err.Code)
	assert.False(t, err.Retryable)
	assert.NotEmpty(t, err.Suggestion, "environment errors must tell the user the data is safe")
}

func TestCorruptionError_PolicyShape(t *testing.T) {
	err := CorruptionError("integrity check failed", nil)
	assert.Equal(t, ErrCodeStoreCorrupt, err.Code)
	assert.False(t, err.Retryable)
}

func TestWithContext_Chains(t *testing.T) {
	err := New(ErrCodeInferenceFailed, "batch failed", nil).
		WithContext("batch_size", "32").
		WithContext("backend", "cpu")
	assert.Equal(t, "32", err.Context["batch_size"])
	assert.Equal(t, "cpu", err.Context["backend"])
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	// Given: a function that fails twice then succeeds
	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	}

	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}

	// When: retrying
	err := Retry(context.Background(), cfg, fn)

	// Then: it eventually succeeds
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_ExhaustsAndWrapsLastError(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	last := fmt.Errorf("still broken")
	err := Retry(context.Background(), cfg, func() error { return last })

	require.Error(t, err)
	assert.True(t, stderrors.Is(err, last))
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := DefaultRetryConfig()
	err := Retry(ctx, cfg, func() error { return fmt.Errorf("never") })

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	got, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
