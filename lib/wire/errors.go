package wire

import "fmt"

// MarshalError is returned for malformed or out-of-range wire data
// (bad enum values, size overflows, truncated buffers, ...).
// It is always fatal to the current decode operation.
type MarshalError struct {
	Reason string
}

// Error implements the error interface.
func (e *MarshalError) Error() string {
	return fmt.Sprintf("MarshalError: %s", e.Reason)
}

// newMarshalError creates a new MarshalError with a formatted reason.
func newMarshalError(format string, args ...interface{}) *MarshalError {
	return &MarshalError{Reason: fmt.Sprintf(format, args...)}
}

// errUnderflow is the common error for truncated input
func errUnderflow(what string, need, have int) *MarshalError {
	return newMarshalError("unmarshal out of bounds: %s needs %d bytes, %d remaining", what, need, have)
}
