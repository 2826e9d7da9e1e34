package wire

import (
	"fmt"
	"sync"
)

// --------------------------------------------------------------------------
// Kinds and Traits
// --------------------------------------------------------------------------

// Kind is the wire shape category of a type
type Kind uint8

const (
	KindUnknown Kind = iota
	KindBuiltin
	KindStruct
	KindClass
	KindEnum
	KindSequence
	KindDictionary
	KindProxy
	KindUserException
)

func (k Kind) String() string {
	switch k {
	case KindBuiltin:
		return "Builtin"
	case KindStruct:
		return "Struct"
	case KindClass:
		return "Class"
	case KindEnum:
		return "Enum"
	case KindSequence:
		return "Sequence"
	case KindDictionary:
		return "Dictionary"
	case KindProxy:
		return "Proxy"
	case KindUserException:
		return "UserException"
	default:
		return "Unknown"
	}
}

// Trait describes how values of a type look on the wire.
// Traits are computed once when a codec is constructed and never change.
type Trait struct {
	Name           string         // type name, used as registry key
	Kind           Kind           // wire shape
	MinWireSize    int            // minimum number of bytes of an encoded value
	VariableLength bool           // false if every value has exactly MinWireSize bytes
	Optional       OptionalFormat // format used when the value is an optional

	// elemSize is the fixed size of one container element (key+value for
	// dictionaries), 0 for variable elements and non-containers
	elemSize int
}

func (t Trait) String() string {
	return fmt.Sprintf("Trait{Name: %s, Kind: %s, MinWireSize: %d, VariableLength: %t, Optional: %s}",
		t.Name, t.Kind, t.MinWireSize, t.VariableLength, t.Optional)
}

// selfSized reports whether a VSize optional needs no extra size prefix because
// the value starts with a size covering all of its bytes (strings and sequences
// of 1-byte elements).
func (t Trait) selfSized() bool {
	if t.Optional != OptionalVSize {
		return false
	}
	switch t.Kind {
	case KindBuiltin:
		return true
	case KindSequence:
		return t.elemSize == 1
	default:
		return false
	}
}

// ProxyTrait returns the trait of a proxy type. Proxies are always encoded as FSize optionals.
func ProxyTrait(name string) Trait {
	return Trait{Name: name, Kind: KindProxy, MinWireSize: 2, VariableLength: true, Optional: OptionalFSize}
}

// UserExceptionTrait returns the trait of a user exception type
func UserExceptionTrait(name string) Trait {
	return Trait{Name: name, Kind: KindUserException, MinWireSize: 1, VariableLength: true, Optional: OptionalFSize}
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

/*
	Note: the registry is filled during program initialization (package init and
	generated code registration) and sealed by the first lookup. After that it is
	read without any locking, registering a trait late is a programming error.
	There is no fallback for unknown names: every marshalled Go type has a Codec,
	so a missing trait is reported instead of silently treated as a sequence.
*/

var registry = struct {
	mu     sync.Mutex
	seal   sync.Once
	sealed bool
	traits map[string]Trait
}{
	traits: make(map[string]Trait),
}

// Register adds a trait to the process-wide registry.
// It panics if the registry is already sealed or the name is taken by a different trait.
//
// Registration must complete during program initialization, before Lookup is
// called from concurrent goroutines. Lookup reads the registry without the lock.
func Register(t Trait) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.sealed {
		panic(fmt.Sprintf("wire: Register(%s) after the trait registry was sealed", t.Name))
	}
	if old, ok := registry.traits[t.Name]; ok && old != t {
		panic(fmt.Sprintf("wire: conflicting traits registered for %s", t.Name))
	}
	registry.traits[t.Name] = t
}

// RegisterCodec registers the trait of c and returns c, intended for package level vars:
//
//	var pointCodec = wire.RegisterCodec(wire.NewStructCodec[Point]("Point", 8, writePoint, readPoint))
func RegisterCodec[T any](c Codec[T]) Codec[T] {
	Register(c.Trait())
	return c
}

// Lookup returns the trait registered under name and seals the registry.
//
// Thread-safety: safe for concurrent use.
func Lookup(name string) (Trait, bool) {
	registry.seal.Do(func() {
		registry.mu.Lock()
		registry.sealed = true
		registry.mu.Unlock()
	})
	t, ok := registry.traits[name]
	return t, ok
}

func init() {
	for _, t := range []Trait{
		Bool.Trait(), Byte.Trait(), Short.Trait(), Int.Trait(),
		Long.Trait(), Float.Trait(), Double.Trait(), String.Trait(),
	} {
		Register(t)
	}
}
