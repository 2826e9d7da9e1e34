package wire

import (
	"encoding/binary"
	"math"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// sizeMarker is written in front of a 4-byte size when the size does not fit in one byte
	sizeMarker = 255

	// encapsHeaderSize is the int32 size followed by the major and minor encoding bytes
	encapsHeaderSize = 6
)

// Encoding is the version of the encoding carried by an encapsulation
type Encoding struct {
	Major byte
	Minor byte
}

// Encoding11 is the only encoding written by this package
var Encoding11 = Encoding{Major: 1, Minor: 1}

// --------------------------------------------------------------------------
// OutputStream
// --------------------------------------------------------------------------

// OutputStream marshals values into a growing byte buffer.
// The zero value is ready to use.
//
// Thread-safety: an OutputStream must not be used concurrently.
type OutputStream struct {
	buf    []byte
	encaps []int // start positions of open encapsulations
}

// NewOutputStream creates an output stream with the given initial capacity
func NewOutputStream(capacity int) *OutputStream {
	return &OutputStream{buf: make([]byte, 0, capacity)}
}

// Bytes returns the marshalled data. The slice aliases the internal buffer.
func (os *OutputStream) Bytes() []byte {
	return os.buf
}

// Len returns the number of bytes written so far
func (os *OutputStream) Len() int {
	return len(os.buf)
}

// Reset discards all written data but keeps the allocated buffer
func (os *OutputStream) Reset() {
	os.buf = os.buf[:0]
	os.encaps = os.encaps[:0]
}

// --------------------------------------------------------------------------
// Primitive Types
// --------------------------------------------------------------------------

func (os *OutputStream) WriteBool(v bool) {
	if v {
		os.buf = append(os.buf, 1)
	} else {
		os.buf = append(os.buf, 0)
	}
}

func (os *OutputStream) WriteByte(v byte) error {
	os.buf = append(os.buf, v)
	return nil
}

func (os *OutputStream) WriteShort(v int16) {
	os.buf = binary.LittleEndian.AppendUint16(os.buf, uint16(v))
}

func (os *OutputStream) WriteInt(v int32) {
	os.buf = binary.LittleEndian.AppendUint32(os.buf, uint32(v))
}

func (os *OutputStream) WriteLong(v int64) {
	os.buf = binary.LittleEndian.AppendUint64(os.buf, uint64(v))
}

func (os *OutputStream) WriteFloat(v float32) {
	os.buf = binary.LittleEndian.AppendUint32(os.buf, math.Float32bits(v))
}

func (os *OutputStream) WriteDouble(v float64) {
	os.buf = binary.LittleEndian.AppendUint64(os.buf, math.Float64bits(v))
}

// WriteString writes the size of the UTF-8 bytes followed by the bytes
func (os *OutputStream) WriteString(v string) {
	os.WriteSize(len(v))
	os.buf = append(os.buf, v...)
}

// WriteBlob appends raw bytes without any size prefix
func (os *OutputStream) WriteBlob(v []byte) {
	os.buf = append(os.buf, v...)
}

// --------------------------------------------------------------------------
// Sizes
// --------------------------------------------------------------------------

// WriteSize writes a compact size: one byte if n < 255,
// otherwise the marker byte 255 followed by n as a 4-byte integer.
func (os *OutputStream) WriteSize(n int) {
	if n < sizeMarker {
		os.buf = append(os.buf, byte(n))
		return
	}
	os.buf = append(os.buf, sizeMarker)
	os.WriteInt(int32(n))
}

// StartSize writes a 4-byte placeholder and returns its position.
// The placeholder is back-patched by EndSize with the number of bytes
// written after it.
func (os *OutputStream) StartSize() int {
	pos := len(os.buf)
	os.WriteInt(0)
	return pos
}

// EndSize back-patches the placeholder written by StartSize
func (os *OutputStream) EndSize(pos int) {
	n := len(os.buf) - pos - 4
	binary.LittleEndian.PutUint32(os.buf[pos:pos+4], uint32(n))
}

// sizeOfSize returns the number of bytes WriteSize uses for n
func sizeOfSize(n int) int {
	if n < sizeMarker {
		return 1
	}
	return 5
}

// --------------------------------------------------------------------------
// Enums
// --------------------------------------------------------------------------

// WriteEnum writes v using the smallest integer able to hold [0, limit).
// Values outside that range are rejected with a MarshalError.
func (os *OutputStream) WriteEnum(v int32, limit int32) error {
	if v < 0 || v >= limit {
		return newMarshalError("enumerator %d out of range [0, %d)", v, limit)
	}
	switch enumWidth(limit) {
	case 1:
		os.buf = append(os.buf, byte(v))
	case 2:
		os.WriteShort(int16(v))
	default:
		os.WriteInt(v)
	}
	return nil
}

// enumWidth returns the number of bytes used to write an enum with the given limit
func enumWidth(limit int32) int {
	maxValue := limit - 1
	switch {
	case maxValue < 127:
		return 1
	case maxValue < 32767:
		return 2
	default:
		return 4
	}
}

// --------------------------------------------------------------------------
// Sequences of builtin types
// --------------------------------------------------------------------------

func (os *OutputStream) WriteByteSeq(v []byte) {
	os.WriteSize(len(v))
	os.buf = append(os.buf, v...)
}

func (os *OutputStream) WriteBoolSeq(v []bool) {
	os.WriteSize(len(v))
	for _, b := range v {
		os.WriteBool(b)
	}
}

func (os *OutputStream) WriteIntSeq(v []int32) {
	os.WriteSize(len(v))
	for _, i := range v {
		os.WriteInt(i)
	}
}

func (os *OutputStream) WriteLongSeq(v []int64) {
	os.WriteSize(len(v))
	for _, l := range v {
		os.WriteLong(l)
	}
}

func (os *OutputStream) WriteStringSeq(v []string) {
	os.WriteSize(len(v))
	for _, s := range v {
		os.WriteString(s)
	}
}

// --------------------------------------------------------------------------
// Encapsulations
// --------------------------------------------------------------------------

// StartEncapsulation opens an encapsulation: a 4-byte size (including the
// header) followed by the encoding version. Encapsulations can be nested.
func (os *OutputStream) StartEncapsulation() {
	os.encaps = append(os.encaps, len(os.buf))
	os.WriteInt(0)
	os.buf = append(os.buf, Encoding11.Major, Encoding11.Minor)
}

// EndEncapsulation closes the innermost open encapsulation.
// It panics if no encapsulation is open since this is a programming error.
func (os *OutputStream) EndEncapsulation() {
	if len(os.encaps) == 0 {
		panic("wire: EndEncapsulation without StartEncapsulation")
	}
	start := os.encaps[len(os.encaps)-1]
	os.encaps = os.encaps[:len(os.encaps)-1]
	binary.LittleEndian.PutUint32(os.buf[start:start+4], uint32(len(os.buf)-start))
}
