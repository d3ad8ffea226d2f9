// Package frame is the fixed binary envelope shared by the discovery and data
// channels. Every frame is a 20-byte big-endian header followed by payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const HeaderLen = 20

const (
	Magic   uint32 = 0x504F5752 // "POWR"
	Version uint16 = 1
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrBadMagic        = errors.New("frame: bad magic")
	ErrVersion         = errors.New("frame: unsupported version")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrTruncated       = errors.New("frame: truncated payload")
)

// Header is the fixed wire header.
//
//	0      4        6            8          16           20
//	| magic | version | msg type | sequence | payload len |
type Header struct {
	Magic       uint32
	Version     uint16
	MessageType uint16
	Sequence    uint64
	PayloadLen  uint32
}

type Frame struct {
	Header  Header
	Payload []byte
}

// New builds a current-version frame for payload.
func New(messageType uint16, sequence uint64, payload []byte) Frame {
	return Frame{
		Header: Header{
			Magic:       Magic,
			Version:     Version,
			MessageType: messageType,
			Sequence:    sequence,
			PayloadLen:  uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Limits constrains decode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

// DatagramLimits fits one frame in a single UDP datagram.
func DatagramLimits() Limits {
	return Limits{MaxPayloadBytes: 65507 - HeaderLen}
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.MessageType)
	binary.BigEndian.PutUint64(buf[8:16], h.Sequence)
	binary.BigEndian.PutUint32(buf[16:20], h.PayloadLen)
	return buf
}

// DecodeHeader parses and validates magic and version.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		MessageType: binary.BigEndian.Uint16(b[6:8]),
		Sequence:    binary.BigEndian.Uint64(b[8:16]),
		PayloadLen:  binary.BigEndian.Uint32(b[16:20]),
	}
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return h, nil
}

// Encode returns header and payload as one buffer, for datagrams.
func Encode(f Frame) []byte {
	h := f.Header
	h.PayloadLen = uint32(len(f.Payload))
	out := make([]byte, 0, HeaderLen+len(f.Payload))
	out = append(out, EncodeHeader(h)...)
	return append(out, f.Payload...)
}

// Decode parses one complete frame from b. Trailing bytes are rejected.
func Decode(b []byte, limits Limits) (Frame, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	rest := b[HeaderLen:]
	if uint32(len(rest)) != h.PayloadLen {
		return Frame{}, fmt.Errorf("%w: header=%d got=%d", ErrTruncated, h.PayloadLen, len(rest))
	}
	payload := make([]byte, len(rest))
	copy(payload, rest)
	return Frame{Header: h, Payload: payload}, nil
}

// ReadFrame reads one frame from a stream.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(hb[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes header and payload in a single Write call.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	_, err := w.Write(Encode(f))
	return err
}
