package freeze

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/freeze/lib/kv"
	"strings"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type of the evictor. It carries an error code and, where
// known, the identity, facet and transaction the failure belongs to. Err is the
// underlying cause (usually a *kv.Error).
type Error struct {
	Code     ErrorCode
	Msg      string
	Identity Identity
	Facet    string
	TxID     string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("FreezeError (code %s): %s", e.Code, e.Msg))
	if e.Identity != (Identity{}) {
		sb.WriteString(fmt.Sprintf(" [identity %s]", e.Identity))
	}
	if e.Facet != "" {
		sb.WriteString(fmt.Sprintf(" [facet %s]", e.Facet))
	}
	if e.TxID != "" {
		sb.WriteString(fmt.Sprintf(" [transaction %s]", e.TxID))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Is matches errors with the same code, so errors.Is(err, freeze.ErrFacetNotExist)
// holds regardless of the message or identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// databaseError wraps a failure of the key-value store. Deadlocks keep their
// own code so callers can tell them apart. An *Error in err is returned as a
// copy, callers annotate the result and must not touch shared values.
func databaseError(err error, format string, args ...interface{}) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		cp := *fe
		return &cp
	}
	code := ErrCDatabase
	if errors.Is(err, kv.ErrDeadlock) {
		code = ErrCDeadlock
	}
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsDeadlock reports whether err signals a deadlock of the store or the
// evictor. Callers driving their own transactions retry on it.
func IsDeadlock(err error) bool {
	return errors.Is(err, ErrDeadlock) || errors.Is(err, kv.ErrDeadlock)
}

var (
	// ErrDatabase matches policy violations and store failures other than deadlocks
	ErrDatabase = &Error{Code: ErrCDatabase, Msg: "database error"}

	// ErrDeadlock matches transaction conflicts reported to the caller
	ErrDeadlock = &Error{Code: ErrCDeadlock, Msg: "deadlock"}

	// ErrObjectNotExist matches requests for identities that exist under no facet
	ErrObjectNotExist = &Error{Code: ErrCObjectNotExist, Msg: "object does not exist"}

	// ErrFacetNotExist matches requests for identities that exist under another facet only
	ErrFacetNotExist = &Error{Code: ErrCFacetNotExist, Msg: "facet does not exist"}

	// ErrOperationNotExist matches requests for operations the servant does not implement
	ErrOperationNotExist = &Error{Code: ErrCOperationNotExist, Msg: "operation does not exist"}

	// ErrAlreadyRegistered matches adds of identities that are already present
	ErrAlreadyRegistered = &Error{Code: ErrCAlreadyRegistered, Msg: "already registered"}

	// ErrNotRegistered matches removals of identities that are not present
	ErrNotRegistered = &Error{Code: ErrCNotRegistered, Msg: "not registered"}

	// ErrDeactivated matches calls made after the evictor started deactivating
	ErrDeactivated = &Error{Code: ErrCDeactivated, Msg: "evictor deactivated"}
)

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

type ErrorCode uint8

const (
	// ErrCDatabase indicates a transaction policy violation or a store failure
	ErrCDatabase ErrorCode = iota + 1
	// ErrCDeadlock indicates a deadlock of a transaction the evictor does not own
	ErrCDeadlock
	// ErrCObjectNotExist indicates that the identity is not registered under any facet
	ErrCObjectNotExist
	// ErrCFacetNotExist indicates that the identity is registered under other facets only
	ErrCFacetNotExist
	// ErrCOperationNotExist indicates that the servant does not implement the operation
	ErrCOperationNotExist
	// ErrCAlreadyRegistered indicates that the identity is already registered for the facet
	ErrCAlreadyRegistered
	// ErrCNotRegistered indicates that the identity is not registered for the facet
	ErrCNotRegistered
	// ErrCDeactivated indicates that the evictor is deactivating or deactivated
	ErrCDeactivated
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCDatabase:
		return "DatabaseError"
	case ErrCDeadlock:
		return "DeadlockError"
	case ErrCObjectNotExist:
		return "ObjectNotExist"
	case ErrCFacetNotExist:
		return "FacetNotExist"
	case ErrCOperationNotExist:
		return "OperationNotExist"
	case ErrCAlreadyRegistered:
		return "AlreadyRegistered"
	case ErrCNotRegistered:
		return "NotRegistered"
	case ErrCDeactivated:
		return "Deactivated"
	default:
		return "Unknown"
	}
}
