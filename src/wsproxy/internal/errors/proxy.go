package errors

import (
	stderr "errors"
	"fmt"
)

// SpawnError indicates that a language server process could not be brought to
// a ready state: missing or unexecutable binary, start failure, or startup
// timeout. Fatal to the owning session, never retried.
type SpawnError struct {
	Variant string
	Cause   error
}

// Error is an implementation of the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s language server: %v", e.Variant, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *SpawnError) Unwrap() error {
	return e.Cause
}

// IsSpawnError reports whether SpawnError is part of the error chain.
func IsSpawnError(e error) bool {
	var se *SpawnError
	return stderr.As(e, &se)
}

// FramingError indicates a malformed stdio frame: missing or unparseable
// Content-Length header, an unreasonable declared length, or a stream that
// closed mid-frame. No partial message is ever forwarded past one of these.
type FramingError struct {
	Reason string
	Cause  error
}

// Error is an implementation of the error interface.
func (e *FramingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("framing: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("framing: %s", e.Reason)
}

// Unwrap exposes the underlying cause.
func (e *FramingError) Unwrap() error {
	return e.Cause
}

// IsFramingError reports whether FramingError is part of the error chain.
func IsFramingError(e error) bool {
	var fe *FramingError
	return stderr.As(e, &fe)
}

// UnsupportedVariantError indicates that the requested language server variant
// is not one of the supported set. Fatal at dispatch; the connection is closed
// with an explicit reason rather than silently defaulting.
type UnsupportedVariantError struct {
	Requested string
}

// Error is an implementation of the error interface.
func (e *UnsupportedVariantError) Error() string {
	return fmt.Sprintf("unsupported language server variant %q", e.Requested)
}

// IsUnsupportedVariantError reports whether UnsupportedVariantError is part of the error chain.
func IsUnsupportedVariantError(e error) bool {
	var ue *UnsupportedVariantError
	return stderr.As(e, &ue)
}

// ProcessCrashError indicates that the language server exited abnormally while
// the session was active. Per-process state is unrecoverable, so the transport
// is closed with a reason instead of reconnecting.
type ProcessCrashError struct {
	Variant  string
	ExitCode int
}

// Error is an implementation of the error interface.
func (e *ProcessCrashError) Error() string {
	return fmt.Sprintf("%s language server exited with code %d", e.Variant, e.ExitCode)
}

// IsProcessCrashError reports whether ProcessCrashError is part of the error chain.
func IsProcessCrashError(e error) bool {
	var pe *ProcessCrashError
	return stderr.As(e, &pe)
}

// CapacityError indicates that the active session ceiling was reached and the
// connection was shed before a process was provisioned.
type CapacityError struct {
	Active int
	Limit  int
}

// Error is an implementation of the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("session limit reached (%d of %d active)", e.Active, e.Limit)
}

// IsCapacityError reports whether CapacityError is part of the error chain.
func IsCapacityError(e error) bool {
	var ce *CapacityError
	return stderr.As(e, &ce)
}
