package kv

import "io"

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMaple  Implementation = "maple"
	ImplBadger Implementation = "badger"
)

// Feature represents store features as bit flags
type Feature uint64

const (
	FeatureTransactions   Feature = 1 << iota // Support for interactive transactions with conflict detection
	FeatureCursor                             // Support for ordered forward cursors
	FeatureReverseCursor                      // Support for Cursor.Prev
	FeaturePersistent                         // Data survives a restart of the process
	FeatureSave                               // Support for Save (snapshot to io.Writer)
	FeatureLoad                               // Support for Load (restore from io.Reader)
	FeatureGarbageCollect                     // Support for GarbageCollect
)

func (f Feature) String() string {
	switch f {
	case FeatureTransactions:
		return "Transactions"
	case FeatureCursor:
		return "Cursor"
	case FeatureReverseCursor:
		return "ReverseCursor"
	case FeaturePersistent:
		return "Persistent"
	case FeatureSave:
		return "Save"
	case FeatureLoad:
		return "Load"
	case FeatureGarbageCollect:
		return "GarbageCollect"
	default:
		return "Unknown"
	}
}

// StoreInfo reports metadata of a store. Sizes may be estimates.
type StoreInfo struct {
	Implementation    Implementation `json:"implementation"`
	Tables            int            `json:"tables"`
	Entries           int            `json:"entries"`
	SizeBytes         int64          `json:"size_bytes"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// SupportedFeatures lists every single feature flag contained in mask
func SupportedFeatures(mask Feature) []Feature {
	var out []Feature
	for f := FeatureTransactions; f <= FeatureGarbageCollect; f <<= 1 {
		if mask&f != 0 {
			out = append(out, f)
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Store Interface
// --------------------------------------------------------------------------

// Store is a transactional key-value store made of named tables.
// Every method is safe for concurrent use.
type Store interface {
	// Open returns the table with the given name. If the table does not exist it
	// is created when create is true, otherwise an error with RetCNotFound is returned.
	Open(name string, create bool) (Table, error)

	// Tables returns the names of all tables in ascending order
	Tables() ([]string, error)

	// BeginTransaction starts a new transaction spanning all tables of the store
	BeginTransaction() (Tx, error)

	// Info returns metadata about the store
	Info() StoreInfo

	// SupportsFeature checks if the store supports all given features.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) bool

	// Close releases all resources. Open transactions become invalid.
	Close() error
}

// Snapshotter is implemented by stores supporting FeatureSave and FeatureLoad
type Snapshotter interface {
	// Save writes the committed state of all tables to w
	Save(w io.Writer) error

	// Load replaces the state of all tables with the snapshot in r
	Load(r io.Reader) error
}

// --------------------------------------------------------------------------
// Table Interface
// --------------------------------------------------------------------------

// Table is a named key space of a Store. All operations take an optional
// transaction: a nil tx runs the operation in its own short transaction.
type Table interface {
	// Name returns the table name
	Name() string

	// Get returns the value for key, or an error matching ErrNotFound
	Get(tx Tx, key []byte) ([]byte, error)

	// Has reports whether key exists
	Has(tx Tx, key []byte) (bool, error)

	// Put inserts or overwrites the value for key
	Put(tx Tx, key, value []byte) error

	// PutIfAbsent inserts the value only if key does not exist and reports whether it was inserted
	PutIfAbsent(tx Tx, key, value []byte) (bool, error)

	// Delete removes key and reports whether it existed
	Delete(tx Tx, key []byte) (bool, error)

	// Cursor returns a cursor iterating the keys of the table in ascending byte order
	Cursor(tx Tx) (Cursor, error)

	// Count returns the number of keys in the table
	Count(tx Tx) (int, error)
}

// --------------------------------------------------------------------------
// Transaction Interface
// --------------------------------------------------------------------------

// Tx is an interactive transaction. Reads see the state at the start of the
// transaction plus its own writes. Commit fails with an error matching
// ErrDeadlock if a concurrent transaction committed a conflicting change; the
// caller may retry with a new transaction.
type Tx interface {
	// ID returns a unique id of the transaction
	ID() string

	// Commit makes all writes visible. The transaction is finished afterward, even on error.
	Commit() error

	// Abort discards all writes. Aborting a finished transaction is a no-op.
	Abort() error
}

// --------------------------------------------------------------------------
// Cursor Interface
// --------------------------------------------------------------------------

// Cursor iterates the entries of a table. A cursor is positioned on at most one
// entry. The positioning methods return false if no entry is at the new position.
//
// Thread-safety: a Cursor must not be used concurrently.
type Cursor interface {
	// SeekFirst positions on the smallest key
	SeekFirst() bool

	// SeekTo positions on the smallest key >= key
	SeekTo(key []byte) bool

	// Next moves to the next larger key
	Next() bool

	// Prev moves to the next smaller key (FeatureReverseCursor)
	Prev() bool

	// Current returns the entry the cursor is positioned on
	Current() (key, value []byte, err error)

	// Delete removes the current entry, the position is kept
	Delete() error

	// Close releases the cursor. For a cursor started without transaction the
	// internal transaction is committed.
	Close() error
}
