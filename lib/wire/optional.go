package wire

import "fmt"

// --------------------------------------------------------------------------
// Optional Formats
// --------------------------------------------------------------------------

// OptionalFormat is the 3-bit wire type written in front of every optional value.
// It tells a reader that does not know the tag how to skip the value.
type OptionalFormat byte

const (
	OptionalF1    OptionalFormat = iota // 1 byte fixed (bool, byte, 1-byte enums)
	OptionalF2                          // 2 bytes fixed
	OptionalF4                          // 4 bytes fixed
	OptionalF8                          // 8 bytes fixed
	OptionalSize                        // a single size (see WriteSize)
	OptionalVSize                       // a size followed by that many bytes
	OptionalFSize                       // a 4-byte length followed by that many bytes
	OptionalClass                       // reserved for class instances, never skippable here
)

func (f OptionalFormat) String() string {
	switch f {
	case OptionalF1:
		return "F1"
	case OptionalF2:
		return "F2"
	case OptionalF4:
		return "F4"
	case OptionalF8:
		return "F8"
	case OptionalSize:
		return "Size"
	case OptionalVSize:
		return "VSize"
	case OptionalFSize:
		return "FSize"
	case OptionalClass:
		return "Class"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(f))
	}
}

// fixedFormat returns the fixed optional format for a value of n bytes
func fixedFormat(n int) (OptionalFormat, bool) {
	switch n {
	case 1:
		return OptionalF1, true
	case 2:
		return OptionalF2, true
	case 4:
		return OptionalF4, true
	case 8:
		return OptionalF8, true
	default:
		return 0, false
	}
}

const (
	// optionalEndMarker terminates a list of optional values
	optionalEndMarker byte = 0xFF

	// tags >= largeTag are written as a size after the marker byte
	largeTag = 30
)

// --------------------------------------------------------------------------
// Writing
// --------------------------------------------------------------------------

// WriteOptionalTag writes the (tag, format) marker preceding an optional value.
// Optional values must be written in increasing tag order.
func (os *OutputStream) WriteOptionalTag(tag int, format OptionalFormat) {
	v := byte(format)
	if tag < largeTag {
		v |= byte(tag) << 3
		os.buf = append(os.buf, v)
		return
	}
	v |= largeTag << 3
	os.buf = append(os.buf, v)
	os.WriteSize(tag)
}

// WriteOptionalEnd writes the marker that terminates a list of optional values
func (os *OutputStream) WriteOptionalEnd() {
	os.buf = append(os.buf, optionalEndMarker)
}

// --------------------------------------------------------------------------
// Reading
// --------------------------------------------------------------------------

// ReadOptional positions the stream on the optional value with the given tag.
// Values with lower (unknown) tags are skipped using their format. It returns
// false, leaving the stream untouched, if the next tag is higher, if the end
// marker is reached or if no data remains. A known tag with a different format
// than expected is a MarshalError.
func (is *InputStream) ReadOptional(tag int, expected OptionalFormat) (bool, error) {
	for {
		if is.Remaining() <= 0 {
			return false, nil
		}
		save := is.pos
		v, err := is.ReadByte()
		if err != nil {
			return false, err
		}
		if v == optionalEndMarker {
			is.pos = save
			return false, nil
		}

		format := OptionalFormat(v & 0x07)
		t := int(v >> 3)
		if t == largeTag {
			if t, err = is.ReadSize(); err != nil {
				return false, err
			}
		}

		if t > tag {
			is.pos = save
			return false, nil
		}
		if t < tag {
			if err := is.SkipOptional(format); err != nil {
				return false, err
			}
			continue
		}
		if format != expected {
			return false, newMarshalError("optional tag %d has format %s, expected %s", tag, format, expected)
		}
		return true, nil
	}
}

// SkipOptional skips one optional value of the given format
func (is *InputStream) SkipOptional(format OptionalFormat) error {
	switch format {
	case OptionalF1:
		return is.Skip(1)
	case OptionalF2:
		return is.Skip(2)
	case OptionalF4:
		return is.Skip(4)
	case OptionalF8:
		return is.Skip(8)
	case OptionalSize:
		_, err := is.ReadSize()
		return err
	case OptionalVSize:
		n, err := is.ReadSize()
		if err != nil {
			return err
		}
		return is.Skip(n)
	case OptionalFSize:
		n, err := is.ReadInt()
		if err != nil {
			return err
		}
		if n < 0 {
			return newMarshalError("negative FSize length %d", n)
		}
		return is.Skip(int(n))
	default:
		return newMarshalError("cannot skip optional of format %s", format)
	}
}

// SkipOptionals skips all remaining optional values including the end marker
func (is *InputStream) SkipOptionals() error {
	for is.Remaining() > 0 {
		v, err := is.ReadByte()
		if err != nil {
			return err
		}
		if v == optionalEndMarker {
			return nil
		}
		if v>>3 == largeTag {
			if _, err := is.ReadSize(); err != nil {
				return err
			}
		}
		if err := is.SkipOptional(OptionalFormat(v & 0x07)); err != nil {
			return err
		}
	}
	return nil
}
