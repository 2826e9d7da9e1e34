package freeze

import (
	"context"
	"github.com/ValentinKolb/freeze/lib/wire"
)

// --------------------------------------------------------------------------
// Servants
// --------------------------------------------------------------------------

// Servant is an application object managed by the evictor.
//
// Marshal and Unmarshal define the persistent state of the servant. The body
// is stored in its own encapsulation, so optionals appended by newer versions
// of a servant are skipped by older readers.
type Servant interface {
	// TypeID identifies the servant type, it is passed to the ServantFactory on load
	TypeID() string

	// Operation returns the static metadata of an operation, false if the
	// servant does not implement it
	Operation(name string) (OperationInfo, bool)

	// Marshal writes the persistent state
	Marshal(os *wire.OutputStream) error

	// Unmarshal reads the persistent state written by Marshal
	Unmarshal(is *wire.InputStream) error
}

// ServantFactory creates an empty servant for a type id, the evictor calls
// Unmarshal on it afterward
type ServantFactory func(typeID string) (Servant, error)

// Initializer is called for every servant after it has been loaded from the store
type Initializer func(ident Identity, facet string, servant Servant)

// OperationInfo is the static metadata of an operation
type OperationInfo struct {
	// ReadOnly operations never cause the servant to be saved
	ReadOnly bool
	// Mode is the transaction requirement of the operation
	Mode TxMode
}

// TxMode describes how an operation relates to transactions
type TxMode uint8

const (
	// TxNever operations must not run inside a transaction
	TxNever TxMode = iota
	// TxSupports operations run inside the ambient transaction if there is one
	TxSupports
	// TxMandatory operations require an ambient transaction
	TxMandatory
	// TxRequired operations run inside the ambient transaction or one created by the evictor
	TxRequired
)

func (m TxMode) String() string {
	switch m {
	case TxNever:
		return "never"
	case TxSupports:
		return "supports"
	case TxMandatory:
		return "mandatory"
	case TxRequired:
		return "required"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// Status is the outcome of a successful invocation
type Status uint8

const (
	// StatusSuccess means the operation completed normally
	StatusSuccess Status = iota
	// StatusUserError means the operation raised an application error. An
	// evictor owned transaction is rolled back.
	StatusUserError
)

// Result is the outcome of an invocation, the payload is opaque to the evictor
type Result struct {
	Status  Status
	Payload []byte
}

// DispatchRequest is an incoming request for one operation of one servant.
// Invoke executes the operation; a returned error is a system error and always
// rolls back an evictor owned transaction. tx is nil when the operation runs
// outside a transaction.
type DispatchRequest interface {
	Identity() Identity
	Facet() string
	Operation() string
	Invoke(ctx context.Context, servant Servant, tx *TransactionContext) (Result, error)
}

// InvokeFunc executes an operation on a servant
type InvokeFunc func(ctx context.Context, servant Servant, tx *TransactionContext) (Result, error)

type request struct {
	ident     Identity
	facet     string
	operation string
	invoke    InvokeFunc
}

// NewRequest creates a DispatchRequest calling invoke
func NewRequest(ident Identity, facet, operation string, invoke InvokeFunc) DispatchRequest {
	return &request{ident: ident, facet: facet, operation: operation, invoke: invoke}
}

func (r *request) Identity() Identity { return r.ident }
func (r *request) Facet() string      { return r.facet }
func (r *request) Operation() string  { return r.operation }
func (r *request) Invoke(ctx context.Context, servant Servant, tx *TransactionContext) (Result, error) {
	return r.invoke(ctx, servant, tx)
}
