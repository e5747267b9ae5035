package protocol

import "fmt"

// ErrorCode classifies recoverable protocol failures. Codes travel on the
// wire in error.data.error and in *_response.data.error.
type ErrorCode string

const (
	ErrMalformedMessage ErrorCode = "malformed_message"
	ErrUnauthorized     ErrorCode = "unauthorized"
	ErrNotFound         ErrorCode = "not_found"
	ErrBoundsViolation  ErrorCode = "bounds_violation"
	ErrTargetOccupied   ErrorCode = "target_occupied"
	ErrVersionConflict  ErrorCode = "version_conflict"
	ErrHashMismatch     ErrorCode = "hash_mismatch"
	ErrCopyMismatch     ErrorCode = "copy_mismatch"
	ErrIOError          ErrorCode = "io_error"
	ErrRateLimited      ErrorCode = "rate_limited"
	ErrSessionClosed    ErrorCode = "session_closed"
)

// WireError is a protocol failure that maps onto an error code. The session
// stays open when one of these surfaces; the sender receives an error
// envelope or a typed failure response.
type WireError struct {
	Code   ErrorCode
	Detail string
}

func (e *WireError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Errorf builds a WireError with a formatted detail string.
func Errorf(code ErrorCode, format string, args ...any) *WireError {
	return &WireError{Code: code, Detail: fmt.Sprintf(format, args...)}
}
