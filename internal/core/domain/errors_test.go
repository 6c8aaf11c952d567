package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *DomainError
		expected string
	}{
		{
			name:     "error without details",
			err:      NewDomainError("CS-TEST-1000", "test message"),
			expected: "[CS-TEST-1000] test message",
		},
		{
			name:     "error with details",
			err:      NewDomainError("CS-TEST-1001", "test message").WithDetails("extra info"),
			expected: "[CS-TEST-1001] test message: extra info",
		},
		{
			name:     "error with formatted details",
			err:      ErrNotFound.WithDetailsf("id=%d", 7),
			expected: "[CS-SNAP-4040] snapshot not found: id=7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDomainError_Is(t *testing.T) {
	err1 := NewDomainError("CS-TEST-1000", "message 1")
	err2 := NewDomainError("CS-TEST-1000", "message 2")
	err3 := NewDomainError("CS-TEST-1001", "message 1")

	if !errors.Is(err1, err2) {
		t.Error("errors.Is should return true for same error code")
	}
	if errors.Is(err1, err3) {
		t.Error("errors.Is should return false for different error code")
	}
	if errors.Is(err1, fmt.Errorf("some error")) {
		t.Error("errors.Is should return false for non-DomainError")
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying cause")
	err := ErrInternal.WithCause(cause)

	if errors.Unwrap(err) != cause {
		t.Errorf("Unwrap() = %v, want %v", errors.Unwrap(err), cause)
	}
	if errors.Unwrap(ErrInternal) != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestDomainError_CopiesDoNotMutate(t *testing.T) {
	original := NewDomainError("CS-TEST-1000", "original message")
	withDetails := original.WithDetails("details")
	withCause := original.WithCause(fmt.Errorf("cause"))

	if original.Details != "" || original.Cause != nil {
		t.Error("With* should not modify the original error")
	}
	if withDetails.Code != original.Code || withCause.Code != original.Code {
		t.Error("With* should preserve the code")
	}
}

func TestIsDomainError(t *testing.T) {
	wrapped := fmt.Errorf("create: %w", ErrDeviceBusy.WithDetails("device=sda"))

	tests := []struct {
		name string
		err  error
		code string
		want bool
	}{
		{"matching code", ErrDeviceBusy, "CS-DEV-4090", true},
		{"other code", ErrDeviceBusy, "CS-DEV-4000", false},
		{"any domain error", ErrOutOfSpace, "", true},
		{"wrapped", wrapped, "CS-DEV-4090", true},
		{"plain error", fmt.Errorf("boom"), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDomainError(tt.err, tt.code); got != tt.want {
				t.Errorf("IsDomainError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetErrorCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"domain error", ErrNotFound, "CS-SNAP-4040"},
		{"wrapped domain error", fmt.Errorf("wrapped: %w", ErrDoubleFree), "CS-COW-5000"},
		{"regular error", fmt.Errorf("regular error"), ""},
		{"nil error", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetErrorCode(tt.err); got != tt.expected {
				t.Errorf("GetErrorCode() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestPredefinedErrors(t *testing.T) {
	tests := []struct {
		err  *DomainError
		code string
	}{
		{ErrInvalidDevice, "CS-DEV-4000"},
		{ErrDeviceBusy, "CS-DEV-4090"},
		{ErrNotFound, "CS-SNAP-4040"},
		{ErrSnapshotClosed, "CS-SNAP-4100"},
		{ErrOutOfSpace, "CS-COW-5070"},
		{ErrDoubleFree, "CS-COW-5000"},
		{ErrFeatureDisabled, "CS-SYS-4030"},
		{ErrInternal, "CS-SYS-5000"},
		{ErrKeyService, "CS-KEY-5020"},
		{ErrInvalidArgument, "CS-ARG-1001"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Error code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("Error message should not be empty")
			}
		})
	}
}
