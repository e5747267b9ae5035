// Package actions is the validated mutation layer between the protocol
// handlers and the table model. Every operation returns a Result; failures
// carry a protocol error code in Data["error"] so handlers can reply with a
// typed failure without inspecting Go errors.
package actions

import (
	"errors"

	"github.com/tableforge/server/internal/protocol"
)

// Result is the uniform outcome of an action.
type Result struct {
	Success bool
	Message string
	Data    map[string]any
}

// OK builds a successful result. A nil data map is allocated so callers can
// always merge fields in.
func OK(message string, data map[string]any) Result {
	if data == nil {
		data = map[string]any{}
	}
	return Result{Success: true, Message: message, Data: data}
}

// Fail converts an error into a failed result, preserving the protocol
// error code when the error carries one.
func Fail(err error) Result {
	code := protocol.ErrIOError
	var we *protocol.WireError
	if errors.As(err, &we) {
		code = we.Code
	}
	return Result{
		Success: false,
		Message: err.Error(),
		Data:    map[string]any{"error": string(code)},
	}
}

// Failf builds a failed result with an explicit code.
func Failf(code protocol.ErrorCode, message string) Result {
	return Result{
		Success: false,
		Message: message,
		Data:    map[string]any{"error": string(code)},
	}
}

// ErrorCode extracts the protocol code of a failed result, or "" on success.
func (r Result) ErrorCode() protocol.ErrorCode {
	if r.Success {
		return ""
	}
	code, _ := r.Data["error"].(string)
	return protocol.ErrorCode(code)
}
