package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewError(t *testing.T) {
	err := NewError(60001, "test error")

	if err.Code != 60001 {
		t.Errorf("Expected code 60001, got %d", err.Code)
	}
	if err.Message != "test error" {
		t.Errorf("Expected message 'test error', got '%s'", err.Message)
	}
	if err.Err != nil {
		t.Error("Expected Err to be nil")
	}
}

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			err:      NewError(60004, "storage unavailable"),
			expected: "[60004] storage unavailable",
		},
		{
			name:     "with wrapped error",
			err:      NewError(60001, "hot cache unavailable").Wrap(errors.New("dial tcp: refused")),
			expected: "[60001] hot cache unavailable: dial tcp: refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	appErr := ErrLedgerUnavailable.Wrap(originalErr)

	if !errors.Is(appErr, originalErr) {
		t.Error("Expected wrapped error to be reachable through errors.Is")
	}
	if errors.Unwrap(appErr) != originalErr {
		t.Error("Expected unwrapped error to be the original error")
	}
}

func TestStdErrorsIs(t *testing.T) {
	wrapped := fmt.Errorf("get unread: %w", ErrStorageUnavailable.Wrap(errors.New("both tiers down")))

	if !errors.Is(wrapped, ErrStorageUnavailable) {
		t.Error("Expected errors.Is to match by code through fmt wrapping")
	}
	if errors.Is(wrapped, ErrHotCacheUnavailable) {
		t.Error("Expected different code not to match")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   *AppError
		expected bool
	}{
		{
			name:     "same error",
			err:      ErrHotCacheUnavailable,
			target:   ErrHotCacheUnavailable,
			expected: true,
		},
		{
			name:     "wrapped same error",
			err:      ErrHotCacheUnavailable.Wrap(errors.New("wrapped")),
			target:   ErrHotCacheUnavailable,
			expected: true,
		},
		{
			name:     "different error",
			err:      ErrLedgerUnavailable,
			target:   ErrStorageUnavailable,
			expected: false,
		},
		{
			name:     "non-app error",
			err:      errors.New("standard error"),
			target:   ErrStorageUnavailable,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.target); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestGetCodeAndMessage(t *testing.T) {
	if got := GetCode(ErrWriteBackFailed.Wrap(errors.New("x"))); got != CodeWriteBackFailed {
		t.Errorf("Expected %d, got %d", CodeWriteBackFailed, got)
	}
	if got := GetCode(errors.New("plain")); got != CodeServerError {
		t.Errorf("Expected %d, got %d", CodeServerError, got)
	}
	if got := GetMessage(ErrStorageUnavailable); got != "storage unavailable" {
		t.Errorf("Expected 'storage unavailable', got '%s'", got)
	}
	if got := GetMessage(errors.New("plain")); got != "internal server error" {
		t.Errorf("Expected 'internal server error', got '%s'", got)
	}
}
