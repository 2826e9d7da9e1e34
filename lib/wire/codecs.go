package wire

import (
	"fmt"
	"sort"
)

// Codec marshals values of type T. Every Go type that goes on the wire has
// exactly one Codec, its Trait is fixed when the codec is constructed.
type Codec[T any] interface {
	// Trait returns the wire shape of T
	Trait() Trait

	// Write appends v to the stream
	Write(os *OutputStream, v T) error

	// Read reads one T from the stream
	Read(is *InputStream) (T, error)
}

// --------------------------------------------------------------------------
// Builtin Codecs
// --------------------------------------------------------------------------

var (
	Bool   Codec[bool]    = boolCodec{}
	Byte   Codec[byte]    = byteCodec{}
	Short  Codec[int16]   = shortCodec{}
	Int    Codec[int32]   = intCodec{}
	Long   Codec[int64]   = longCodec{}
	Float  Codec[float32] = floatCodec{}
	Double Codec[float64] = doubleCodec{}
	String Codec[string]  = stringCodec{}
)

func builtin(name string, size int) Trait {
	f, _ := fixedFormat(size)
	return Trait{Name: name, Kind: KindBuiltin, MinWireSize: size, Optional: f}
}

type boolCodec struct{}

func (boolCodec) Trait() Trait { return builtin("bool", 1) }
func (boolCodec) Write(os *OutputStream, v bool) error {
	os.WriteBool(v)
	return nil
}
func (boolCodec) Read(is *InputStream) (bool, error) { return is.ReadBool() }

type byteCodec struct{}

func (byteCodec) Trait() Trait                         { return builtin("byte", 1) }
func (byteCodec) Write(os *OutputStream, v byte) error { return os.WriteByte(v) }
func (byteCodec) Read(is *InputStream) (byte, error)   { return is.ReadByte() }

type shortCodec struct{}

func (shortCodec) Trait() Trait { return builtin("short", 2) }
func (shortCodec) Write(os *OutputStream, v int16) error {
	os.WriteShort(v)
	return nil
}
func (shortCodec) Read(is *InputStream) (int16, error) { return is.ReadShort() }

type intCodec struct{}

func (intCodec) Trait() Trait { return builtin("int", 4) }
func (intCodec) Write(os *OutputStream, v int32) error {
	os.WriteInt(v)
	return nil
}
func (intCodec) Read(is *InputStream) (int32, error) { return is.ReadInt() }

type longCodec struct{}

func (longCodec) Trait() Trait { return builtin("long", 8) }
func (longCodec) Write(os *OutputStream, v int64) error {
	os.WriteLong(v)
	return nil
}
func (longCodec) Read(is *InputStream) (int64, error) { return is.ReadLong() }

type floatCodec struct{}

func (floatCodec) Trait() Trait { return builtin("float", 4) }
func (floatCodec) Write(os *OutputStream, v float32) error {
	os.WriteFloat(v)
	return nil
}
func (floatCodec) Read(is *InputStream) (float32, error) { return is.ReadFloat() }

type doubleCodec struct{}

func (doubleCodec) Trait() Trait { return builtin("double", 8) }
func (doubleCodec) Write(os *OutputStream, v float64) error {
	os.WriteDouble(v)
	return nil
}
func (doubleCodec) Read(is *InputStream) (float64, error) { return is.ReadDouble() }

type stringCodec struct{}

func (stringCodec) Trait() Trait {
	return Trait{Name: "string", Kind: KindBuiltin, MinWireSize: 1, VariableLength: true, Optional: OptionalVSize}
}
func (stringCodec) Write(os *OutputStream, v string) error {
	os.WriteString(v)
	return nil
}
func (stringCodec) Read(is *InputStream) (string, error) { return is.ReadString() }

// --------------------------------------------------------------------------
// Enums
// --------------------------------------------------------------------------

type enumCodec[T ~int32] struct {
	trait Trait
	limit int32
}

// NewEnumCodec creates a codec for an enumeration with the enumerators [0, limit).
// The wire width is the smallest of byte, short and int able to hold limit-1.
// As an optional the enum uses the fixed format of that width, not Size.
func NewEnumCodec[T ~int32](name string, limit int32) Codec[T] {
	if limit <= 0 {
		panic(fmt.Sprintf("wire: enum %s needs at least one enumerator", name))
	}
	w := enumWidth(limit)
	f, _ := fixedFormat(w)
	return &enumCodec[T]{
		trait: Trait{Name: name, Kind: KindEnum, MinWireSize: w, Optional: f},
		limit: limit,
	}
}

func (c *enumCodec[T]) Trait() Trait { return c.trait }

func (c *enumCodec[T]) Write(os *OutputStream, v T) error {
	return os.WriteEnum(int32(v), c.limit)
}

func (c *enumCodec[T]) Read(is *InputStream) (T, error) {
	v, err := is.ReadEnum(c.limit)
	return T(v), err
}

// --------------------------------------------------------------------------
// Sequences
// --------------------------------------------------------------------------

type sequenceCodec[T any] struct {
	trait Trait
	elem  Codec[T]
}

// NewSequenceCodec creates a codec for []T: a size followed by the elements
func NewSequenceCodec[T any](elem Codec[T]) Codec[[]T] {
	et := elem.Trait()
	t := Trait{
		Name:           "seq<" + et.Name + ">",
		Kind:           KindSequence,
		MinWireSize:    1,
		VariableLength: true,
		Optional:       OptionalFSize,
	}
	if !et.VariableLength {
		t.Optional = OptionalVSize
		t.elemSize = et.MinWireSize
	}
	return &sequenceCodec[T]{trait: t, elem: elem}
}

func (c *sequenceCodec[T]) Trait() Trait { return c.trait }

func (c *sequenceCodec[T]) Write(os *OutputStream, v []T) error {
	os.WriteSize(len(v))
	for i := range v {
		if err := c.elem.Write(os, v[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *sequenceCodec[T]) Read(is *InputStream) ([]T, error) {
	n, err := is.ReadAndCheckSeqSize(c.elem.Trait().MinWireSize)
	if err != nil {
		return nil, err
	}
	out := make([]T, n)
	for i := range out {
		if out[i], err = c.elem.Read(is); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Dictionaries
// --------------------------------------------------------------------------

type dictionaryCodec[K comparable, V any] struct {
	trait Trait
	key   Codec[K]
	value Codec[V]
	less  func(a, b K) bool
}

// NewDictionaryCodec creates a codec for map[K]V: a size followed by key/value pairs.
// If less is not nil the pairs are written in key order, giving a deterministic encoding.
func NewDictionaryCodec[K comparable, V any](key Codec[K], value Codec[V], less func(a, b K) bool) Codec[map[K]V] {
	kt, vt := key.Trait(), value.Trait()
	t := Trait{
		Name:           "dict<" + kt.Name + "," + vt.Name + ">",
		Kind:           KindDictionary,
		MinWireSize:    1,
		VariableLength: true,
		Optional:       OptionalFSize,
	}
	if !kt.VariableLength && !vt.VariableLength {
		t.Optional = OptionalVSize
		t.elemSize = kt.MinWireSize + vt.MinWireSize
	}
	return &dictionaryCodec[K, V]{trait: t, key: key, value: value, less: less}
}

func (c *dictionaryCodec[K, V]) Trait() Trait { return c.trait }

func (c *dictionaryCodec[K, V]) Write(os *OutputStream, v map[K]V) error {
	os.WriteSize(len(v))
	keys := make([]K, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	if c.less != nil {
		sort.Slice(keys, func(i, j int) bool { return c.less(keys[i], keys[j]) })
	}
	for _, k := range keys {
		if err := c.key.Write(os, k); err != nil {
			return err
		}
		if err := c.value.Write(os, v[k]); err != nil {
			return err
		}
	}
	return nil
}

func (c *dictionaryCodec[K, V]) Read(is *InputStream) (map[K]V, error) {
	n, err := is.ReadAndCheckSeqSize(c.key.Trait().MinWireSize + c.value.Trait().MinWireSize)
	if err != nil {
		return nil, err
	}
	out := make(map[K]V, n)
	for i := 0; i < n; i++ {
		k, err := c.key.Read(is)
		if err != nil {
			return nil, err
		}
		v, err := c.value.Read(is)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Structs
// --------------------------------------------------------------------------

// WriteFunc writes the members of a value in declaration order
type WriteFunc[T any] func(os *OutputStream, v T) error

// ReadFunc reads the members of a value in declaration order
type ReadFunc[T any] func(is *InputStream) (T, error)

type structCodec[T any] struct {
	trait Trait
	write WriteFunc[T]
	read  ReadFunc[T]
}

// NewStructCodec creates a codec for a fixed-length struct: every value is
// encoded in exactly size bytes. It is written as a VSize optional.
func NewStructCodec[T any](name string, size int, write WriteFunc[T], read ReadFunc[T]) Codec[T] {
	if size <= 0 {
		panic(fmt.Sprintf("wire: fixed struct %s needs a positive size", name))
	}
	return &structCodec[T]{
		trait: Trait{Name: name, Kind: KindStruct, MinWireSize: size, Optional: OptionalVSize},
		write: write,
		read:  read,
	}
}

// NewVariableStructCodec creates a codec for a struct with at least one
// variable-length member. It is written as an FSize optional.
func NewVariableStructCodec[T any](name string, minSize int, write WriteFunc[T], read ReadFunc[T]) Codec[T] {
	return &structCodec[T]{
		trait: Trait{Name: name, Kind: KindStruct, MinWireSize: minSize, VariableLength: true, Optional: OptionalFSize},
		write: write,
		read:  read,
	}
}

// NewClassAsStructCodec creates a codec for a class type that is marshalled by
// value like a struct (no instance graph, no slicing).
func NewClassAsStructCodec[T any](name string, minSize int, write WriteFunc[T], read ReadFunc[T]) Codec[T] {
	return &structCodec[T]{
		trait: Trait{Name: name, Kind: KindClass, MinWireSize: minSize, VariableLength: true, Optional: OptionalFSize},
		write: write,
		read:  read,
	}
}

func (c *structCodec[T]) Trait() Trait { return c.trait }

func (c *structCodec[T]) Write(os *OutputStream, v T) error { return c.write(os, v) }

func (c *structCodec[T]) Read(is *InputStream) (T, error) { return c.read(is) }
