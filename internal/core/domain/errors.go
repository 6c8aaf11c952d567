package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain error with a structured error code.
//
// Codes have the form CS-<AREA>-<NNNN>.
type DomainError struct {
	Code    string // Error code (e.g., "CS-SNAP-4040")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DomainError with the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithDetailsf is WithDetails with fmt formatting.
func (e *DomainError) WithDetailsf(format string, args ...any) *DomainError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Device Errors (DEV)
// ============================================================================

var (
	// ErrInvalidDevice indicates the origin device could not be resolved.
	ErrInvalidDevice = NewDomainError("CS-DEV-4000", "invalid device")

	// ErrDeviceBusy indicates the device already has an active snapshot.
	ErrDeviceBusy = NewDomainError("CS-DEV-4090", "device busy")
)

// ============================================================================
// Snapshot Errors (SNAP)
// ============================================================================

var (
	// ErrNotFound indicates the snapshot id is unknown.
	ErrNotFound = NewDomainError("CS-SNAP-4040", "snapshot not found")

	// ErrSnapshotClosed indicates the snapshot was deleted or fully merged
	// while the caller still held a reference to it.
	ErrSnapshotClosed = NewDomainError("CS-SNAP-4100", "snapshot closed")
)

// ============================================================================
// Copy-on-Write Errors (COW)
// ============================================================================

var (
	// ErrOutOfSpace indicates the chunk allocator is exhausted.
	ErrOutOfSpace = NewDomainError("CS-COW-5070", "cow space exhausted")

	// ErrDoubleFree indicates a slot was freed twice. Always an upstream bug.
	ErrDoubleFree = NewDomainError("CS-COW-5000", "chunk slot double free")
)

// ============================================================================
// System Errors (SYS)
// ============================================================================

var (
	// ErrFeatureDisabled indicates the requested feature is switched off.
	ErrFeatureDisabled = NewDomainError("CS-SYS-4030", "feature disabled")

	// ErrInternal indicates an internal error.
	ErrInternal = NewDomainError("CS-SYS-5000", "internal error")

	// ErrKeyService indicates the key/crypto collaborator failed.
	ErrKeyService = NewDomainError("CS-KEY-5020", "key service failure")
)

// ============================================================================
// Argument Errors (ARG)
// ============================================================================

var (
	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("CS-ARG-1001", "invalid argument")
)
