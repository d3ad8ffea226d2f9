// Package wire maps powerplant messages onto frames.
//
// Ownership boundary:
// - Join/Leave announcements on the discovery channel (one frame per datagram)
// - Hello/Interest/Data frames on the per-peer data stream
//
// Every decoder validates with schema before reading fields, so a malformed
// message is rejected as a whole.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/danmuck/powerplant/internal/protocol/frame"
	"github.com/danmuck/powerplant/internal/protocol/schema"
	"github.com/danmuck/powerplant/internal/protocol/tlv"
)

var (
	ErrInvalidMessage = errors.New("wire: invalid message")
	ErrUnexpectedType = errors.New("wire: unexpected message type")
)

// Codec identifies how a Data payload was serialized.
type Codec uint8

const (
	CodecJSON   Codec = 1
	CodecProto  Codec = 2
	CodecBinary Codec = 3
)

func (c Codec) String() string {
	switch c {
	case CodecJSON:
		return "json"
	case CodecProto:
		return "proto"
	case CodecBinary:
		return "binary"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Announcement is a Join or Leave on the discovery channel.
type Announcement struct {
	Kind     uint16
	Name     string
	Address  uint32
	UDPPort  uint16
	TCPPort  uint16
	Instance string
	Sequence uint64
}

func (a Announcement) Validate() error {
	if a.Kind != schema.MsgJoin && a.Kind != schema.MsgLeave {
		return fmt.Errorf("%w: kind=%s", ErrInvalidMessage, schema.MessageName(a.Kind))
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: announcement missing name", ErrInvalidMessage)
	}
	if strings.TrimSpace(a.Instance) == "" {
		return fmt.Errorf("%w: announcement missing instance", ErrInvalidMessage)
	}
	if a.TCPPort == 0 {
		return fmt.Errorf("%w: announcement missing tcp_port", ErrInvalidMessage)
	}
	return nil
}

// Hello opens every outbound data stream: who is dialing and which types it
// wants to receive.
type Hello struct {
	Name     string
	Address  uint32
	UDPPort  uint16
	TCPPort  uint16
	Instance string
	Types    []string
}

// Interest advertises types registered after the Hello.
type Interest struct {
	Types []string
}

// Data carries one serialized emission.
type Data struct {
	Type        string
	Origin      string
	Codec       Codec
	Payload     []byte
	TimestampMS uint64
}

func peerFields(name string, addr uint32, udp, tcp uint16, instance string) []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldName, name),
		tlv.U32(schema.FieldAddress, addr),
		tlv.U16(schema.FieldUDPPort, udp),
		tlv.U16(schema.FieldTCPPort, tcp),
		tlv.String(schema.FieldInstance, instance),
	}
}

type peerIdentity struct {
	name     string
	addr     uint32
	udp      uint16
	tcp      uint16
	instance string
}

func readPeer(fields []tlv.Field) (peerIdentity, error) {
	var p peerIdentity
	var err error
	f, _ := tlv.GetField(fields, schema.FieldName)
	if p.name, err = f.AsString(); err != nil {
		return p, err
	}
	f, _ = tlv.GetField(fields, schema.FieldAddress)
	if p.addr, err = f.AsU32(); err != nil {
		return p, err
	}
	f, _ = tlv.GetField(fields, schema.FieldUDPPort)
	if p.udp, err = f.AsU16(); err != nil {
		return p, err
	}
	f, _ = tlv.GetField(fields, schema.FieldTCPPort)
	if p.tcp, err = f.AsU16(); err != nil {
		return p, err
	}
	f, _ = tlv.GetField(fields, schema.FieldInstance)
	if p.instance, err = f.AsString(); err != nil {
		return p, err
	}
	return p, nil
}

// EncodeAnnouncement returns one datagram.
func EncodeAnnouncement(a Announcement) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	fields := peerFields(a.Name, a.Address, a.UDPPort, a.TCPPort, a.Instance)
	if err := schema.Validate(a.Kind, fields); err != nil {
		return nil, err
	}
	return frame.Encode(frame.New(a.Kind, a.Sequence, tlv.EncodeFields(fields))), nil
}

// DecodeAnnouncement parses one datagram.
func DecodeAnnouncement(b []byte) (Announcement, error) {
	f, err := frame.Decode(b, frame.DatagramLimits())
	if err != nil {
		return Announcement{}, err
	}
	kind := f.Header.MessageType
	if kind != schema.MsgJoin && kind != schema.MsgLeave {
		return Announcement{}, fmt.Errorf("%w: %s on discovery channel", ErrUnexpectedType, schema.MessageName(kind))
	}
	fields, err := decodeValidated(kind, f.Payload)
	if err != nil {
		return Announcement{}, err
	}
	p, err := readPeer(fields)
	if err != nil {
		return Announcement{}, err
	}
	a := Announcement{
		Kind:     kind,
		Name:     p.name,
		Address:  p.addr,
		UDPPort:  p.udp,
		TCPPort:  p.tcp,
		Instance: p.instance,
		Sequence: f.Header.Sequence,
	}
	if err := a.Validate(); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

func HelloFrame(seq uint64, h Hello) (frame.Frame, error) {
	if strings.TrimSpace(h.Name) == "" || strings.TrimSpace(h.Instance) == "" {
		return frame.Frame{}, fmt.Errorf("%w: hello missing name or instance", ErrInvalidMessage)
	}
	fields := peerFields(h.Name, h.Address, h.UDPPort, h.TCPPort, h.Instance)
	for _, t := range h.Types {
		fields = append(fields, tlv.String(schema.FieldType, t))
	}
	return frame.New(schema.MsgHello, seq, tlv.EncodeFields(fields)), nil
}

func DecodeHello(f frame.Frame) (Hello, error) {
	if err := expect(f, schema.MsgHello); err != nil {
		return Hello{}, err
	}
	fields, err := decodeValidated(schema.MsgHello, f.Payload)
	if err != nil {
		return Hello{}, err
	}
	p, err := readPeer(fields)
	if err != nil {
		return Hello{}, err
	}
	types, err := readTypes(fields)
	if err != nil {
		return Hello{}, err
	}
	return Hello{
		Name:     p.name,
		Address:  p.addr,
		UDPPort:  p.udp,
		TCPPort:  p.tcp,
		Instance: p.instance,
		Types:    types,
	}, nil
}

func InterestFrame(seq uint64, in Interest) (frame.Frame, error) {
	if len(in.Types) == 0 {
		return frame.Frame{}, fmt.Errorf("%w: interest without types", ErrInvalidMessage)
	}
	fields := make([]tlv.Field, 0, len(in.Types))
	for _, t := range in.Types {
		fields = append(fields, tlv.String(schema.FieldType, t))
	}
	return frame.New(schema.MsgInterest, seq, tlv.EncodeFields(fields)), nil
}

func DecodeInterest(f frame.Frame) (Interest, error) {
	if err := expect(f, schema.MsgInterest); err != nil {
		return Interest{}, err
	}
	fields, err := decodeValidated(schema.MsgInterest, f.Payload)
	if err != nil {
		return Interest{}, err
	}
	types, err := readTypes(fields)
	if err != nil {
		return Interest{}, err
	}
	return Interest{Types: types}, nil
}

func DataFrame(seq uint64, d Data) (frame.Frame, error) {
	if strings.TrimSpace(d.Type) == "" {
		return frame.Frame{}, fmt.Errorf("%w: data missing type", ErrInvalidMessage)
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldType, d.Type),
		tlv.U8(schema.FieldCodec, uint8(d.Codec)),
		tlv.Bytes(schema.FieldPayload, d.Payload),
	}
	if d.Origin != "" {
		fields = append(fields, tlv.String(schema.FieldOrigin, d.Origin))
	}
	if d.TimestampMS != 0 {
		fields = append(fields, tlv.U64(schema.FieldTimestampMS, d.TimestampMS))
	}
	return frame.New(schema.MsgData, seq, tlv.EncodeFields(fields)), nil
}

func DecodeData(f frame.Frame) (Data, error) {
	if err := expect(f, schema.MsgData); err != nil {
		return Data{}, err
	}
	fields, err := decodeValidated(schema.MsgData, f.Payload)
	if err != nil {
		return Data{}, err
	}
	var d Data
	tf, _ := tlv.GetField(fields, schema.FieldType)
	if d.Type, err = tf.AsString(); err != nil {
		return Data{}, err
	}
	cf, _ := tlv.GetField(fields, schema.FieldCodec)
	codec, err := cf.AsU8()
	if err != nil {
		return Data{}, err
	}
	d.Codec = Codec(codec)
	pf, _ := tlv.GetField(fields, schema.FieldPayload)
	d.Payload = pf.Value
	if of, ok := tlv.GetField(fields, schema.FieldOrigin); ok {
		if d.Origin, err = of.AsString(); err != nil {
			return Data{}, err
		}
	}
	if ts, ok := tlv.GetField(fields, schema.FieldTimestampMS); ok {
		if d.TimestampMS, err = ts.AsU64(); err != nil {
			return Data{}, err
		}
	}
	return d, nil
}

func expect(f frame.Frame, messageType uint16) error {
	if f.Header.MessageType != messageType {
		return fmt.Errorf(
			"%w: got=%s want=%s",
			ErrUnexpectedType,
			schema.MessageName(f.Header.MessageType),
			schema.MessageName(messageType),
		)
	}
	return nil
}

func decodeValidated(messageType uint16, payload []byte) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func readTypes(fields []tlv.Field) ([]string, error) {
	typeFields := tlv.GetFields(fields, schema.FieldType)
	out := make([]string, 0, len(typeFields))
	for _, f := range typeFields {
		s, err := f.AsString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// AddrToU32 packs an IPv4 (or IPv4-mapped) address. Other addresses map to 0.
func AddrToU32(addr netip.Addr) uint32 {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

func U32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
