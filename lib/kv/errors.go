package kv

import "fmt"

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("KVError (code %s): %s", e.Code, e.Msg)
}

// Is matches errors with the same return code, so errors.Is(err, kv.ErrDeadlock)
// holds for every deadlock regardless of the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new Error with the given code and a formatted message.
func Errorf(code RetCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

var (
	// ErrDeadlock matches every error reporting a transaction conflict or deadlock
	ErrDeadlock = NewError(RetCDeadlock, "deadlock")

	// ErrNotFound matches every error reporting a missing key or table
	ErrNotFound = NewError(RetCNotFound, "not found")

	// ErrTxFinished is returned when a committed or aborted transaction is used
	ErrTxFinished = NewError(RetCInvalidOperation, "transaction already finished")

	// ErrClosed is returned when a closed store is used
	ErrClosed = NewError(RetCClosed, "store closed")
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by underlying store.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCNotFound                            // 4: Key or table does not exist.
	RetCDeadlock                            // 5: Transaction conflicted with a concurrent transaction.
	RetCClosed                              // 6: Store is closed.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCNotFound:
		return "NotFound"
	case RetCDeadlock:
		return "Deadlock"
	case RetCClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
