package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/powerplant/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(1, "plant-a"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestTypedAccessors(t *testing.T) {
	testlog.Start(t)
	fields, err := DecodeFields(EncodeFields([]Field{
		U8(1, 2),
		U16(2, 7447),
		U32(3, 0x7F000001),
		U64(4, 1<<40),
		Bool(5, true),
		String(6, "a"),
		String(6, "b"),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	u8, _ := fields[0].AsU8()
	u16, _ := fields[1].AsU16()
	u32, _ := fields[2].AsU32()
	u64, _ := fields[3].AsU64()
	b, _ := fields[4].AsBool()
	if u8 != 2 || u16 != 7447 || u32 != 0x7F000001 || u64 != 1<<40 || !b {
		t.Fatalf("unexpected values: %d %d %d %d %t", u8, u16, u32, u64, b)
	}
	repeated := GetFields(fields, 6)
	if len(repeated) != 2 {
		t.Fatalf("expected 2 repeated fields, got %d", len(repeated))
	}
	if s, _ := repeated[1].AsString(); s != "b" {
		t.Fatalf("repeated order lost: %q", s)
	}
	if _, err := fields[0].AsU16(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	bad := Field{ID: 9, Type: TypeU32, Value: []byte{1}}
	if _, err := bad.AsU32(); !errors.Is(err, ErrBadLength) {
		t.Fatalf("expected ErrBadLength, got %v", err)
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	testlog.Start(t)
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
