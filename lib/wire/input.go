package wire

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// --------------------------------------------------------------------------
// InputStream
// --------------------------------------------------------------------------

// encapsState tracks an open input encapsulation
type encapsState struct {
	start    int
	end      int
	encoding Encoding
}

// InputStream unmarshals values from a byte buffer.
// All read methods return a *MarshalError if the data is malformed.
//
// Thread-safety: an InputStream must not be used concurrently.
type InputStream struct {
	buf    []byte
	pos    int
	encaps []encapsState
}

// NewInputStream creates an input stream reading from data.
// The data is not copied and must not be modified while the stream is in use.
func NewInputStream(data []byte) *InputStream {
	return &InputStream{buf: data}
}

// Pos returns the current read position
func (is *InputStream) Pos() int {
	return is.pos
}

// Remaining returns the number of unread bytes (bounded by the innermost encapsulation)
func (is *InputStream) Remaining() int {
	return is.limit() - is.pos
}

// limit returns the end of the readable region
func (is *InputStream) limit() int {
	if len(is.encaps) > 0 {
		return is.encaps[len(is.encaps)-1].end
	}
	return len(is.buf)
}

// need checks that n bytes can be read
func (is *InputStream) need(what string, n int) error {
	if n < 0 || is.Remaining() < n {
		return errUnderflow(what, n, is.Remaining())
	}
	return nil
}

// Skip advances the read position by n bytes
func (is *InputStream) Skip(n int) error {
	if err := is.need("skip", n); err != nil {
		return err
	}
	is.pos += n
	return nil
}

// --------------------------------------------------------------------------
// Primitive Types
// --------------------------------------------------------------------------

func (is *InputStream) ReadBool() (bool, error) {
	b, err := is.ReadByte()
	return b != 0, err
}

func (is *InputStream) ReadByte() (byte, error) {
	if err := is.need("byte", 1); err != nil {
		return 0, err
	}
	b := is.buf[is.pos]
	is.pos++
	return b, nil
}

func (is *InputStream) ReadShort() (int16, error) {
	if err := is.need("short", 2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(is.buf[is.pos:])
	is.pos += 2
	return int16(v), nil
}

func (is *InputStream) ReadInt() (int32, error) {
	if err := is.need("int", 4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(is.buf[is.pos:])
	is.pos += 4
	return int32(v), nil
}

func (is *InputStream) ReadLong() (int64, error) {
	if err := is.need("long", 8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(is.buf[is.pos:])
	is.pos += 8
	return int64(v), nil
}

func (is *InputStream) ReadFloat() (float32, error) {
	if err := is.need("float", 4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(is.buf[is.pos:])
	is.pos += 4
	return math.Float32frombits(v), nil
}

func (is *InputStream) ReadDouble() (float64, error) {
	if err := is.need("double", 8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(is.buf[is.pos:])
	is.pos += 8
	return math.Float64frombits(v), nil
}

// ReadString reads a size-prefixed UTF-8 string
func (is *InputStream) ReadString() (string, error) {
	n, err := is.ReadSize()
	if err != nil {
		return "", err
	}
	if err := is.need("string", n); err != nil {
		return "", err
	}
	s := string(is.buf[is.pos : is.pos+n])
	is.pos += n
	if !utf8.ValidString(s) {
		return "", newMarshalError("string is not valid UTF-8")
	}
	return s, nil
}

// ReadBlob reads n raw bytes. The returned slice is a copy.
func (is *InputStream) ReadBlob(n int) ([]byte, error) {
	if err := is.need("blob", n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, is.buf[is.pos:is.pos+n])
	is.pos += n
	return out, nil
}

// --------------------------------------------------------------------------
// Sizes
// --------------------------------------------------------------------------

// ReadSize reads a size written by OutputStream.WriteSize
func (is *InputStream) ReadSize() (int, error) {
	b, err := is.ReadByte()
	if err != nil {
		return 0, err
	}
	if b < sizeMarker {
		return int(b), nil
	}
	v, err := is.ReadInt()
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, newMarshalError("negative size %d", v)
	}
	return int(v), nil
}

// ReadAndCheckSeqSize reads a sequence size and rejects it if the claimed number
// of elements would need more bytes than remain in the buffer. This prevents a
// corrupt size from triggering a huge allocation.
func (is *InputStream) ReadAndCheckSeqSize(minElementSize int) (int, error) {
	n, err := is.ReadSize()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if int64(n)*int64(minElementSize) > int64(is.Remaining()) {
		return 0, newMarshalError("sequence of %d elements (min %d bytes each) exceeds %d remaining bytes",
			n, minElementSize, is.Remaining())
	}
	return n, nil
}

// --------------------------------------------------------------------------
// Enums
// --------------------------------------------------------------------------

// ReadEnum reads an enumerator written by WriteEnum with the same limit.
// A value outside [0, limit) is rejected with a MarshalError.
func (is *InputStream) ReadEnum(limit int32) (int32, error) {
	var v int32
	switch enumWidth(limit) {
	case 1:
		b, err := is.ReadByte()
		if err != nil {
			return 0, err
		}
		v = int32(b)
	case 2:
		s, err := is.ReadShort()
		if err != nil {
			return 0, err
		}
		v = int32(s)
	default:
		i, err := is.ReadInt()
		if err != nil {
			return 0, err
		}
		v = i
	}
	if v < 0 || v >= limit {
		return 0, newMarshalError("enumerator %d out of range [0, %d)", v, limit)
	}
	return v, nil
}

// --------------------------------------------------------------------------
// Sequences of builtin types
// --------------------------------------------------------------------------

func (is *InputStream) ReadByteSeq() ([]byte, error) {
	n, err := is.ReadAndCheckSeqSize(1)
	if err != nil {
		return nil, err
	}
	return is.ReadBlob(n)
}

func (is *InputStream) ReadBoolSeq() ([]bool, error) {
	n, err := is.ReadAndCheckSeqSize(1)
	if err != nil {
		return nil, err
	}
	out := make([]bool, n)
	for i := range out {
		if out[i], err = is.ReadBool(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (is *InputStream) ReadIntSeq() ([]int32, error) {
	n, err := is.ReadAndCheckSeqSize(4)
	if err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		if out[i], err = is.ReadInt(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (is *InputStream) ReadLongSeq() ([]int64, error) {
	n, err := is.ReadAndCheckSeqSize(8)
	if err != nil {
		return nil, err
	}
	out := make([]int64, n)
	for i := range out {
		if out[i], err = is.ReadLong(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (is *InputStream) ReadStringSeq() ([]string, error) {
	n, err := is.ReadAndCheckSeqSize(1)
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		if out[i], err = is.ReadString(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Encapsulations
// --------------------------------------------------------------------------

// StartEncapsulation opens an encapsulation and returns its encoding.
// Reads are bounded by the encapsulation until EndEncapsulation is called.
func (is *InputStream) StartEncapsulation() (Encoding, error) {
	start := is.pos
	size, err := is.ReadInt()
	if err != nil {
		return Encoding{}, err
	}
	if size < encapsHeaderSize {
		return Encoding{}, newMarshalError("encapsulation size %d smaller than header", size)
	}
	if int(size)-4 > is.Remaining() {
		return Encoding{}, errUnderflow("encapsulation", int(size)-4, is.Remaining())
	}
	var enc Encoding
	if enc.Major, err = is.ReadByte(); err != nil {
		return Encoding{}, err
	}
	if enc.Minor, err = is.ReadByte(); err != nil {
		return Encoding{}, err
	}
	if enc.Major != Encoding11.Major || enc.Minor > Encoding11.Minor {
		return Encoding{}, newMarshalError("unsupported encoding %d.%d", enc.Major, enc.Minor)
	}
	is.encaps = append(is.encaps, encapsState{start: start, end: start + int(size), encoding: enc})
	return enc, nil
}

// EndEncapsulation closes the innermost encapsulation. Trailing optional
// values unknown to the reader are skipped; any other unread data is an error.
func (is *InputStream) EndEncapsulation() error {
	if len(is.encaps) == 0 {
		return newMarshalError("EndEncapsulation without StartEncapsulation")
	}
	if err := is.SkipOptionals(); err != nil {
		return err
	}
	e := is.encaps[len(is.encaps)-1]
	if is.pos != e.end {
		return newMarshalError("encapsulation has %d unread bytes", e.end-is.pos)
	}
	is.encaps = is.encaps[:len(is.encaps)-1]
	return nil
}

// SkipEncapsulation skips a whole encapsulation and returns its encoding
func (is *InputStream) SkipEncapsulation() (Encoding, error) {
	size, err := is.ReadInt()
	if err != nil {
		return Encoding{}, err
	}
	if size < encapsHeaderSize {
		return Encoding{}, newMarshalError("encapsulation size %d smaller than header", size)
	}
	var enc Encoding
	if enc.Major, err = is.ReadByte(); err != nil {
		return Encoding{}, err
	}
	if enc.Minor, err = is.ReadByte(); err != nil {
		return Encoding{}, err
	}
	return enc, is.Skip(int(size) - encapsHeaderSize)
}
