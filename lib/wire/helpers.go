package wire

// --------------------------------------------------------------------------
// Typed Optional Values
// --------------------------------------------------------------------------

// WriteOptional writes v as the optional value with the given tag, using the
// optional format of the codec's trait:
//
//   - F1..F8: the value as is
//   - VSize: strings and sequences of 1-byte elements as is (their leading size
//     covers the whole value), everything else prefixed by its byte length
//   - FSize: a back-patched 4-byte length followed by the value
func WriteOptional[T any](os *OutputStream, tag int, c Codec[T], v T) error {
	t := c.Trait()
	os.WriteOptionalTag(tag, t.Optional)
	return writeOptionalBody(os, t, c, v)
}

// WriteOptionalPtr writes v if it is not nil, a nil pointer means "not set"
// and writes nothing
func WriteOptionalPtr[T any](os *OutputStream, tag int, c Codec[T], v *T) error {
	if v == nil {
		return nil
	}
	return WriteOptional(os, tag, c, *v)
}

func writeOptionalBody[T any](os *OutputStream, t Trait, c Codec[T], v T) error {
	switch t.Optional {
	case OptionalVSize:
		if t.selfSized() {
			return c.Write(os, v)
		}
		// The size in front is the exact byte length of the value. For fixed
		// elements this equals count*elemSize + sizeOfSize(count).
		scratch := OutputStream{}
		if err := c.Write(&scratch, v); err != nil {
			return err
		}
		os.WriteSize(scratch.Len())
		os.WriteBlob(scratch.Bytes())
		return nil
	case OptionalFSize:
		pos := os.StartSize()
		if err := c.Write(os, v); err != nil {
			return err
		}
		os.EndSize(pos)
		return nil
	case OptionalClass:
		return newMarshalError("class instances cannot be written as optional %s", t.Name)
	default:
		return c.Write(os, v)
	}
}

// ReadOptional reads the optional value with the given tag. It returns nil
// without error if the value is not present.
func ReadOptional[T any](is *InputStream, tag int, c Codec[T]) (*T, error) {
	t := c.Trait()
	ok, err := is.ReadOptional(tag, t.Optional)
	if err != nil || !ok {
		return nil, err
	}
	v, err := readOptionalBody(is, t, c)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func readOptionalBody[T any](is *InputStream, t Trait, c Codec[T]) (T, error) {
	var zero T
	switch t.Optional {
	case OptionalVSize:
		if t.selfSized() {
			return c.Read(is)
		}
		n, err := is.ReadSize()
		if err != nil {
			return zero, err
		}
		return readExact(is, t, c, n)
	case OptionalFSize:
		n, err := is.ReadInt()
		if err != nil {
			return zero, err
		}
		if n < 0 {
			return zero, newMarshalError("negative FSize length %d for %s", n, t.Name)
		}
		return readExact(is, t, c, int(n))
	case OptionalClass:
		return zero, newMarshalError("class instances cannot be read as optional %s", t.Name)
	default:
		return c.Read(is)
	}
}

// readExact reads a value that must occupy exactly n bytes
func readExact[T any](is *InputStream, t Trait, c Codec[T], n int) (T, error) {
	var zero T
	if err := is.need(t.Name, n); err != nil {
		return zero, err
	}
	start := is.pos
	v, err := c.Read(is)
	if err != nil {
		return zero, err
	}
	if is.pos-start != n {
		return zero, newMarshalError("optional %s declared %d bytes but used %d", t.Name, n, is.pos-start)
	}
	return v, nil
}
