package wire

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestPrimitives(t *testing.T) {
	os := NewOutputStream(0)
	os.WriteBool(true)
	_ = os.WriteByte(0xAB)
	os.WriteShort(-2)
	os.WriteInt(math.MinInt32)
	os.WriteLong(math.MaxInt64)
	os.WriteFloat(1.5)
	os.WriteDouble(-3.25)
	os.WriteString("héllo")

	is := NewInputStream(os.Bytes())
	if v, err := is.ReadBool(); err != nil || !v {
		t.Errorf("ReadBool() = %v, %v", v, err)
	}
	if v, err := is.ReadByte(); err != nil || v != 0xAB {
		t.Errorf("ReadByte() = %x, %v", v, err)
	}
	if v, err := is.ReadShort(); err != nil || v != -2 {
		t.Errorf("ReadShort() = %d, %v", v, err)
	}
	if v, err := is.ReadInt(); err != nil || v != math.MinInt32 {
		t.Errorf("ReadInt() = %d, %v", v, err)
	}
	if v, err := is.ReadLong(); err != nil || v != math.MaxInt64 {
		t.Errorf("ReadLong() = %d, %v", v, err)
	}
	if v, err := is.ReadFloat(); err != nil || v != 1.5 {
		t.Errorf("ReadFloat() = %f, %v", v, err)
	}
	if v, err := is.ReadDouble(); err != nil || v != -3.25 {
		t.Errorf("ReadDouble() = %f, %v", v, err)
	}
	if v, err := is.ReadString(); err != nil || v != "héllo" {
		t.Errorf("ReadString() = %q, %v", v, err)
	}
	if is.Remaining() != 0 {
		t.Errorf("expected all data to be consumed, %d bytes left", is.Remaining())
	}
}

func TestLittleEndian(t *testing.T) {
	os := NewOutputStream(0)
	os.WriteInt(1)
	os.WriteShort(0x0102)
	want := []byte{1, 0, 0, 0, 0x02, 0x01}
	if !bytes.Equal(os.Bytes(), want) {
		t.Errorf("got %v, want %v", os.Bytes(), want)
	}
}

func TestSizes(t *testing.T) {
	tests := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0}},
		{254, []byte{254}},
		{255, []byte{255, 255, 0, 0, 0}},
		{256, []byte{255, 0, 1, 0, 0}},
		{70000, []byte{255, 0x70, 0x11, 0x01, 0x00}},
	}
	for _, tt := range tests {
		os := NewOutputStream(0)
		os.WriteSize(tt.n)
		if !bytes.Equal(os.Bytes(), tt.want) {
			t.Errorf("WriteSize(%d) = %v, want %v", tt.n, os.Bytes(), tt.want)
		}
		if sizeOfSize(tt.n) != len(tt.want) {
			t.Errorf("sizeOfSize(%d) = %d, want %d", tt.n, sizeOfSize(tt.n), len(tt.want))
		}
		got, err := NewInputStream(tt.want).ReadSize()
		if err != nil || got != tt.n {
			t.Errorf("ReadSize(%v) = %d, %v, want %d", tt.want, got, err, tt.n)
		}
	}

	t.Run("Negative", func(t *testing.T) {
		_, err := NewInputStream([]byte{255, 0xFF, 0xFF, 0xFF, 0xFF}).ReadSize()
		var me *MarshalError
		if !errors.As(err, &me) {
			t.Errorf("expected MarshalError, got %v", err)
		}
	})
}

func TestFixedSizePlaceholder(t *testing.T) {
	os := NewOutputStream(0)
	pos := os.StartSize()
	os.WriteString("abc")
	os.WriteLong(7)
	os.EndSize(pos)

	is := NewInputStream(os.Bytes())
	n, err := is.ReadInt()
	if err != nil || n != 12 {
		t.Errorf("expected back-patched size 12, got %d, %v", n, err)
	}
}

func TestTruncatedInput(t *testing.T) {
	var me *MarshalError

	if _, err := NewInputStream([]byte{1, 2, 3}).ReadInt(); !errors.As(err, &me) {
		t.Errorf("ReadInt on 3 bytes: expected MarshalError, got %v", err)
	}
	if _, err := NewInputStream([]byte{5, 'a', 'b'}).ReadString(); !errors.As(err, &me) {
		t.Errorf("ReadString with short data: expected MarshalError, got %v", err)
	}
	if _, err := NewInputStream([]byte{2, 0xC3, 0x28}).ReadString(); !errors.As(err, &me) {
		t.Errorf("ReadString with invalid UTF-8: expected MarshalError, got %v", err)
	}
	if _, err := NewInputStream(nil).ReadByte(); !errors.As(err, &me) {
		t.Errorf("ReadByte on empty input: expected MarshalError, got %v", err)
	}
}

func TestSequences(t *testing.T) {
	os := NewOutputStream(0)
	os.WriteByteSeq([]byte{1, 2, 3})
	os.WriteBoolSeq([]bool{true, false})
	os.WriteIntSeq([]int32{-1, 0, 1})
	os.WriteLongSeq(nil)
	os.WriteStringSeq([]string{"a", "", "ccc"})

	is := NewInputStream(os.Bytes())
	if v, err := is.ReadByteSeq(); err != nil || !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Errorf("ReadByteSeq() = %v, %v", v, err)
	}
	if v, err := is.ReadBoolSeq(); err != nil || len(v) != 2 || !v[0] || v[1] {
		t.Errorf("ReadBoolSeq() = %v, %v", v, err)
	}
	if v, err := is.ReadIntSeq(); err != nil || len(v) != 3 || v[0] != -1 || v[2] != 1 {
		t.Errorf("ReadIntSeq() = %v, %v", v, err)
	}
	if v, err := is.ReadLongSeq(); err != nil || len(v) != 0 {
		t.Errorf("ReadLongSeq() = %v, %v", v, err)
	}
	if v, err := is.ReadStringSeq(); err != nil || len(v) != 3 || v[2] != "ccc" {
		t.Errorf("ReadStringSeq() = %v, %v", v, err)
	}

	t.Run("SizeExceedsData", func(t *testing.T) {
		// 200 ints claimed, no data follows
		_, err := NewInputStream([]byte{200}).ReadIntSeq()
		var me *MarshalError
		if !errors.As(err, &me) {
			t.Errorf("expected MarshalError, got %v", err)
		}
	})

	t.Run("LongSequence", func(t *testing.T) {
		in := make([]int64, 300)
		for i := range in {
			in[i] = int64(i * i)
		}
		os := NewOutputStream(0)
		os.WriteLongSeq(in)
		if len(os.Bytes()) != 5+300*8 {
			t.Errorf("unexpected encoded length %d", len(os.Bytes()))
		}
		out, err := NewInputStream(os.Bytes()).ReadLongSeq()
		if err != nil || len(out) != 300 || out[299] != 299*299 {
			t.Errorf("ReadLongSeq() failed: %v", err)
		}
	})
}

func TestEnums(t *testing.T) {
	widths := []struct {
		limit int32
		width int
	}{
		{1, 1}, {127, 1}, {128, 2}, {200, 2}, {32767, 2}, {32768, 4}, {40000, 4},
	}
	for _, w := range widths {
		if got := enumWidth(w.limit); got != w.width {
			t.Errorf("enumWidth(%d) = %d, want %d", w.limit, got, w.width)
		}
	}

	var me *MarshalError
	os := NewOutputStream(0)
	if err := os.WriteEnum(10, 10); !errors.As(err, &me) {
		t.Errorf("WriteEnum(10, 10): expected MarshalError, got %v", err)
	}
	if err := os.WriteEnum(-1, 10); !errors.As(err, &me) {
		t.Errorf("WriteEnum(-1, 10): expected MarshalError, got %v", err)
	}
	if os.Len() != 0 {
		t.Errorf("rejected enumerators must not be written")
	}

	if _, err := NewInputStream([]byte{12}).ReadEnum(10); !errors.As(err, &me) {
		t.Errorf("ReadEnum(12) with limit 10: expected MarshalError, got %v", err)
	}

	if err := os.WriteEnum(150, 200); err != nil {
		t.Fatalf("WriteEnum(150, 200) failed: %v", err)
	}
	if os.Len() != 2 {
		t.Errorf("enum with limit 200 should use 2 bytes, got %d", os.Len())
	}
	v, err := NewInputStream(os.Bytes()).ReadEnum(200)
	if err != nil || v != 150 {
		t.Errorf("ReadEnum() = %d, %v", v, err)
	}
}

func TestEncapsulation(t *testing.T) {
	os := NewOutputStream(0)
	os.StartEncapsulation()
	os.WriteString("ab")
	os.EndEncapsulation()

	want := []byte{9, 0, 0, 0, 1, 1, 2, 'a', 'b'}
	if !bytes.Equal(os.Bytes(), want) {
		t.Fatalf("got %v, want %v", os.Bytes(), want)
	}

	is := NewInputStream(os.Bytes())
	enc, err := is.StartEncapsulation()
	if err != nil || enc != Encoding11 {
		t.Fatalf("StartEncapsulation() = %v, %v", enc, err)
	}
	if s, err := is.ReadString(); err != nil || s != "ab" {
		t.Errorf("ReadString() = %q, %v", s, err)
	}
	if err := is.EndEncapsulation(); err != nil {
		t.Errorf("EndEncapsulation() failed: %v", err)
	}

	t.Run("Nested", func(t *testing.T) {
		os := NewOutputStream(0)
		os.StartEncapsulation()
		os.WriteInt(1)
		os.StartEncapsulation()
		os.WriteInt(2)
		os.EndEncapsulation()
		os.WriteInt(3)
		os.EndEncapsulation()

		is := NewInputStream(os.Bytes())
		_, _ = is.StartEncapsulation()
		a, _ := is.ReadInt()
		_, _ = is.StartEncapsulation()
		if is.Remaining() != 4 {
			t.Errorf("inner encapsulation should bound reads to 4 bytes, got %d", is.Remaining())
		}
		b, _ := is.ReadInt()
		if err := is.EndEncapsulation(); err != nil {
			t.Errorf("inner EndEncapsulation() failed: %v", err)
		}
		c, _ := is.ReadInt()
		if err := is.EndEncapsulation(); err != nil {
			t.Errorf("outer EndEncapsulation() failed: %v", err)
		}
		if a != 1 || b != 2 || c != 3 {
			t.Errorf("got %d %d %d, want 1 2 3", a, b, c)
		}
	})

	t.Run("Skip", func(t *testing.T) {
		is := NewInputStream(append(append([]byte{}, want...), 7))
		if _, err := is.SkipEncapsulation(); err != nil {
			t.Fatalf("SkipEncapsulation() failed: %v", err)
		}
		if b, err := is.ReadByte(); err != nil || b != 7 {
			t.Errorf("expected trailing byte 7, got %d, %v", b, err)
		}
	})

	t.Run("TruncatedSize", func(t *testing.T) {
		is := NewInputStream([]byte{100, 0, 0, 0, 1, 1})
		var me *MarshalError
		if _, err := is.StartEncapsulation(); !errors.As(err, &me) {
			t.Errorf("expected MarshalError, got %v", err)
		}
	})

	t.Run("UnsupportedEncoding", func(t *testing.T) {
		is := NewInputStream([]byte{6, 0, 0, 0, 2, 0})
		var me *MarshalError
		if _, err := is.StartEncapsulation(); !errors.As(err, &me) {
			t.Errorf("expected MarshalError, got %v", err)
		}
	})

	t.Run("EndWithoutStart", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Errorf("expected panic")
			}
		}()
		NewOutputStream(0).EndEncapsulation()
	})
}
