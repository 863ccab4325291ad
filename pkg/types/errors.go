package types

import (
	"errors"
	"fmt"
)

// ToolError is a request-level failure: the caller supplied something
// unusable (bad path, bad parameters, unknown operation). Handlers map it to
// HTTP 400; every other error is a 500.
type ToolError struct {
	Message string
}

func (e *ToolError) Error() string {
	return e.Message
}

// NewToolError creates a ToolError with the given message.
func NewToolError(message string) *ToolError {
	return &ToolError{Message: message}
}

// ToolErrorf creates a ToolError from a format string.
func ToolErrorf(format string, args ...any) *ToolError {
	return &ToolError{Message: fmt.Sprintf(format, args...)}
}

// IsToolError reports whether err is (or wraps) a ToolError.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}
