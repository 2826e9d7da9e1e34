// Package wire implements the binary encoding (version 1.1) used to persist
// servant state and frame evictor records.
//
// The package focuses on:
//   - Little-endian primitive types and compact sizes
//   - Encapsulations (size prefixed, versioned byte ranges)
//   - Tagged optional values that old readers can skip
//   - Typed codecs with a fixed wire Trait per type
//
// Key Components:
//
//   - OutputStream / InputStream: Append-only writer and bounded reader. A size
//     below 255 takes one byte, larger sizes take the marker 255 followed by an
//     int32. Every malformed input is reported as a *MarshalError, a reader never
//     panics on untrusted data.
//
//   - Optional Values: An optional is a marker byte (format | tag<<3) followed by
//     the value. Tags >= 30 store the tag as a size after the marker, 0xFF ends a
//     list of optionals. A reader positions on a tag with ReadOptional and skips
//     lower unknown tags on the way.
//
//   - Codec[T]: Marshals one Go type. Builtin codecs (Bool, Byte, Short, Int,
//     Long, Float, Double, String) are predefined. Enums, sequences,
//     dictionaries, structs and by-value classes are created with the New...Codec
//     constructors. WriteOptional / ReadOptional encode a value as an optional
//     using the format of its trait.
//
//   - Trait Registry: Traits can be registered by name and looked up at
//     runtime. The registry is sealed by the first Lookup, unknown names are
//     reported as not found.
//
// Example:
//
//	os := wire.NewOutputStream(64)
//	os.StartEncapsulation()
//	os.WriteString("::Demo::Counter")
//	_ = wire.WriteOptional(os, 1, wire.Long, int64(42))
//	os.WriteOptionalEnd()
//	os.EndEncapsulation()
//
//	is := wire.NewInputStream(os.Bytes())
//	_, _ = is.StartEncapsulation()
//	typeID, _ := is.ReadString()
//	v, _ := wire.ReadOptional(is, 1, wire.Long) // *int64 or nil
//	_ = is.EndEncapsulation()
package wire
