// Package tlv encodes frame payloads as a flat list of typed fields:
// id u16 | type u8 | length u32 | value. Unknown field ids survive a
// decode/encode cycle untouched.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
	ErrBadLength        = errors.New("tlv: bad value length")
)

const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: v}
}

func U8(id uint16, v uint8) Field {
	return Field{ID: id, Type: TypeU8, Value: []byte{v}}
}

func U16(id uint16, v uint16) Field {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return Field{ID: id, Type: TypeU16, Value: b}
}

func U32(id uint16, v uint32) Field {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Field{ID: id, Type: TypeU32, Value: b}
}

func U64(id uint16, v uint64) Field {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return Field{ID: id, Type: TypeU64, Value: b}
}

func Bool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func EncodeFields(fields []Field) []byte {
	size := 0
	for _, f := range fields {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	var hdr [HeaderLen]byte
	for _, f := range fields {
		binary.BigEndian.PutUint16(hdr[0:2], f.ID)
		hdr[2] = f.Type
		binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Value)))
		out = append(out, hdr[:]...)
		out = append(out, f.Value...)
	}
	return out
}

func DecodeFields(payload []byte) ([]Field, error) {
	var fields []Field
	for i := 0; i < len(payload); {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typ := payload[i+2]
		n := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint64(len(payload)-i) < uint64(n) {
			return nil, fmt.Errorf("%w: field=%d want=%d have=%d", ErrShortFieldValue, id, n, len(payload)-i)
		}
		val := make([]byte, n)
		copy(val, payload[i:i+int(n)])
		i += int(n)
		fields = append(fields, Field{ID: id, Type: typ, Value: val})
	}
	return fields, nil
}

// GetField returns the first field with id.
func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// GetFields returns every field with id, in wire order.
func GetFields(fields []Field, id uint16) []Field {
	var out []Field
	for _, f := range fields {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("%w: field=%d got=%d want=%d", ErrTypeMismatch, f.ID, f.Type, expected)
	}
	return nil
}

func (f Field) AsString() (string, error) {
	if err := MustType(f, TypeString); err != nil {
		return "", err
	}
	return string(f.Value), nil
}

func (f Field) AsU8() (uint8, error) {
	if err := fixed(f, TypeU8, 1); err != nil {
		return 0, err
	}
	return f.Value[0], nil
}

func (f Field) AsU16() (uint16, error) {
	if err := fixed(f, TypeU16, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(f.Value), nil
}

func (f Field) AsU32() (uint32, error) {
	if err := fixed(f, TypeU32, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func (f Field) AsU64() (uint64, error) {
	if err := fixed(f, TypeU64, 8); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

func (f Field) AsBool() (bool, error) {
	if err := fixed(f, TypeBool, 1); err != nil {
		return false, err
	}
	return f.Value[0] != 0, nil
}

func fixed(f Field, typ uint8, size int) error {
	if err := MustType(f, typ); err != nil {
		return err
	}
	if len(f.Value) != size {
		return fmt.Errorf("%w: field=%d got=%d want=%d", ErrBadLength, f.ID, len(f.Value), size)
	}
	return nil
}
