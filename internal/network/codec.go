package network

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/danmuck/powerplant/internal/protocol/wire"
	"google.golang.org/protobuf/proto"
)

var (
	ErrNoDecoder = errors.New("network: no decoder registered for type")
	ErrCodec     = errors.New("network: codec failure")
	// ErrUnsupportedType marks values that would not arrive unchanged.
	ErrUnsupportedType = fmt.Errorf("%w: type does not survive the wire", ErrCodec)
)

var (
	protoMessageType      = reflect.TypeOf((*proto.Message)(nil)).Elem()
	jsonMarshalerType     = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType     = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	binaryMarshalerType   = reflect.TypeOf((*encoding.BinaryMarshaler)(nil)).Elem()
	binaryUnmarshalerType = reflect.TypeOf((*encoding.BinaryUnmarshaler)(nil)).Elem()
)

// checked caches ValidateWireType results per type.
var checked sync.Map

// ValidateWireType reports whether values of t reach a peer equal to what was
// sent. Proto messages and types with their own JSON, text or binary
// encoding pass. Anything else goes through JSON and must not carry
// unexported fields, interface values, or fields JSON skips.
func ValidateWireType(t reflect.Type) error {
	if t == nil {
		return fmt.Errorf("%w: nil type", ErrUnsupportedType)
	}
	if cached, ok := checked.Load(t); ok {
		if cached == nil {
			return nil
		}
		return cached.(error)
	}
	var err error
	if !encodesItself(t) {
		err = checkJSON(t, t.String(), make(map[reflect.Type]bool))
	}
	if err == nil {
		checked.Store(t, nil)
	} else {
		checked.Store(t, err)
	}
	return err
}

func implements(t, iface reflect.Type) bool {
	return t.Implements(iface) || (t.Kind() != reflect.Pointer && reflect.PointerTo(t).Implements(iface))
}

func encodesItself(t reflect.Type) bool {
	return implements(t, protoMessageType) ||
		implements(t, binaryMarshalerType) ||
		encodesJSON(t)
}

func encodesJSON(t reflect.Type) bool {
	return implements(t, jsonMarshalerType) || implements(t, textMarshalerType)
}

func checkJSON(t reflect.Type, where string, seen map[reflect.Type]bool) error {
	if encodesJSON(t) || seen[t] {
		return nil
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Interface:
		return fmt.Errorf("%w: %s holds an interface (%s)", ErrUnsupportedType, where, t)
	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return fmt.Errorf("%w: %s has kind %s", ErrUnsupportedType, where, t.Kind())
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return checkJSON(t.Elem(), where, seen)
	case reflect.Map:
		switch t.Key().Kind() {
		case reflect.String,
			reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		default:
			if !implements(t.Key(), textMarshalerType) {
				return fmt.Errorf("%w: %s has map key %s", ErrUnsupportedType, where, t.Key())
			}
		}
		return checkJSON(t.Elem(), where, seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			field := where + "." + f.Name
			if !f.IsExported() {
				// JSON promotes the exported fields of an embedded struct.
				if f.Anonymous && f.Type.Kind() == reflect.Struct {
					if err := checkJSON(f.Type, field, seen); err != nil {
						return err
					}
					continue
				}
				return fmt.Errorf("%w: %s is unexported", ErrUnsupportedType, field)
			}
			if f.Tag.Get("json") == "-" {
				return fmt.Errorf("%w: %s is excluded from JSON", ErrUnsupportedType, field)
			}
			if err := checkJSON(f.Type, field, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// addressable returns a pointer to a copy of v so pointer-receiver
// marshalers are honored.
func addressable(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		return v
	}
	ptr := reflect.New(rv.Type())
	ptr.Elem().Set(rv)
	return ptr.Interface()
}

// encodeValue picks protobuf for proto messages, the value's own binary form
// for BinaryMarshalers, and JSON for everything else.
func encodeValue(v any) (wire.Codec, []byte, error) {
	if v == nil {
		return 0, nil, fmt.Errorf("%w: nil value", ErrUnsupportedType)
	}
	if msg, ok := v.(proto.Message); ok {
		b, err := proto.Marshal(msg)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: proto marshal: %v", ErrCodec, err)
		}
		return wire.CodecProto, b, nil
	}
	t := reflect.TypeOf(v)
	if err := ValidateWireType(t); err != nil {
		return 0, nil, err
	}
	target := addressable(v)
	if !encodesJSON(t) {
		if bm, ok := target.(encoding.BinaryMarshaler); ok {
			b, err := bm.MarshalBinary()
			if err != nil {
				return 0, nil, fmt.Errorf("%w: binary marshal: %v", ErrCodec, err)
			}
			return wire.CodecBinary, b, nil
		}
	}
	b, err := json.Marshal(target)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: json marshal: %v", ErrCodec, err)
	}
	return wire.CodecJSON, b, nil
}

// decodeValue fills the pointer returned by factory and returns the value it
// points to, so a factory for T yields a T.
func decodeValue(codec wire.Codec, payload []byte, factory func() any) (any, error) {
	if factory == nil {
		return nil, ErrNoDecoder
	}
	ptr := factory()
	rv := reflect.ValueOf(ptr)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, fmt.Errorf("%w: factory returned %T, want non-nil pointer", ErrCodec, ptr)
	}

	switch codec {
	case wire.CodecJSON:
		if err := json.Unmarshal(payload, ptr); err != nil {
			return nil, fmt.Errorf("%w: json unmarshal: %v", ErrCodec, err)
		}
	case wire.CodecProto:
		msg, err := protoTarget(rv)
		if err != nil {
			return nil, err
		}
		if err := proto.Unmarshal(payload, msg); err != nil {
			return nil, fmt.Errorf("%w: proto unmarshal: %v", ErrCodec, err)
		}
	case wire.CodecBinary:
		bu, err := binaryTarget(rv)
		if err != nil {
			return nil, err
		}
		if err := bu.UnmarshalBinary(payload); err != nil {
			return nil, fmt.Errorf("%w: binary unmarshal: %v", ErrCodec, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown codec %s", ErrCodec, codec)
	}
	return rv.Elem().Interface(), nil
}

// protoTarget resolves the message to unmarshal into. Subscribers of *pb.Msg
// hand us a **pb.Msg, which gets a fresh message allocated in place.
func protoTarget(rv reflect.Value) (proto.Message, error) {
	elem := rv.Elem()
	if elem.Kind() == reflect.Pointer {
		if elem.IsNil() {
			elem.Set(reflect.New(elem.Type().Elem()))
		}
		if msg, ok := elem.Interface().(proto.Message); ok {
			return msg, nil
		}
	}
	if msg, ok := rv.Interface().(proto.Message); ok {
		return msg, nil
	}
	return nil, fmt.Errorf("%w: %s is not a proto message", ErrCodec, rv.Type().Elem())
}

// binaryTarget mirrors protoTarget for BinaryUnmarshalers.
func binaryTarget(rv reflect.Value) (encoding.BinaryUnmarshaler, error) {
	elem := rv.Elem()
	if elem.Kind() == reflect.Pointer && elem.Type().Implements(binaryUnmarshalerType) {
		if elem.IsNil() {
			elem.Set(reflect.New(elem.Type().Elem()))
		}
		return elem.Interface().(encoding.BinaryUnmarshaler), nil
	}
	if bu, ok := rv.Interface().(encoding.BinaryUnmarshaler); ok {
		return bu, nil
	}
	return nil, fmt.Errorf("%w: %s cannot unmarshal binary", ErrCodec, rv.Type().Elem())
}
