package protocol

import (
	"errors"
	"math"
	"testing"
)

func TestFieldRoundTrips(t *testing.T) {
	fields := []Field{
		Uint8Field(1, 200),
		Uint16Field(2, 40000),
		Uint32Field(3, 3000000000),
		Uint64Field(4, 1<<60),
		BoolField(5, true),
		StringField(6, "treelet"),
		BytesField(7, []byte{0, 1, 2}),
		Float64Field(8, -math.Pi),
	}
	decoded, err := DecodeFields(EncodeFields(fields))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(fields) {
		t.Fatalf("decoded %d fields, want %d", len(decoded), len(fields))
	}

	if v, err := decoded[0].Uint8(); err != nil || v != 200 {
		t.Fatalf("uint8: %v %v", v, err)
	}
	if v, err := decoded[1].Uint16(); err != nil || v != 40000 {
		t.Fatalf("uint16: %v %v", v, err)
	}
	if v, err := decoded[2].Uint32(); err != nil || v != 3000000000 {
		t.Fatalf("uint32: %v %v", v, err)
	}
	if v, err := decoded[3].Uint64(); err != nil || v != 1<<60 {
		t.Fatalf("uint64: %v %v", v, err)
	}
	if v, err := decoded[4].Bool(); err != nil || !v {
		t.Fatalf("bool: %v %v", v, err)
	}
	if v, err := decoded[5].String(); err != nil || v != "treelet" {
		t.Fatalf("string: %q %v", v, err)
	}
	if v, err := decoded[6].Bytes(); err != nil || len(v) != 3 {
		t.Fatalf("bytes: %v %v", v, err)
	}
	if v, err := decoded[7].Float64(); err != nil || v != -math.Pi {
		t.Fatalf("float64: %v %v", v, err)
	}
}

func TestFieldTypeMismatch(t *testing.T) {
	f := StringField(1, "nope")
	if _, err := f.Uint32(); !errors.Is(err, ErrFieldTypeMismatch) {
		t.Fatalf("expected ErrFieldTypeMismatch, got %v", err)
	}
}

func TestDecodeFieldsShortHeader(t *testing.T) {
	if _, err := DecodeFields([]byte{0, 1, 2}); !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsShortValue(t *testing.T) {
	buf := EncodeFields([]Field{BytesField(9, []byte("payload"))})
	if _, err := DecodeFields(buf[:len(buf)-3]); !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestGetFieldsReturnsRepeats(t *testing.T) {
	buf := EncodeFields([]Field{
		Uint32Field(4, 10),
		Uint32Field(4, 20),
		Uint32Field(5, 30),
	})
	fields, err := DecodeFields(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	repeats := GetFields(fields, 4)
	if len(repeats) != 2 {
		t.Fatalf("got %d repeats, want 2", len(repeats))
	}
	first, _ := repeats[0].Uint32()
	second, _ := repeats[1].Uint32()
	if first != 10 || second != 20 {
		t.Fatalf("repeat order lost: %d %d", first, second)
	}
}
