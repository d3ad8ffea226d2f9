// Package schema names the message types and field ids of the powerplant
// wire protocol and validates required fields per message type.
package schema

import (
	"fmt"

	"github.com/danmuck/powerplant/internal/logging"
	"github.com/danmuck/powerplant/internal/protocol/tlv"
)

// Discovery channel (UDP multicast).
const (
	MsgJoin  uint16 = 1
	MsgLeave uint16 = 2
)

// Data channel (TCP).
const (
	MsgHello    uint16 = 3
	MsgInterest uint16 = 4
	MsgData     uint16 = 5
)

// Peer identity fields.
const (
	FieldName     uint16 = 1
	FieldAddress  uint16 = 2
	FieldUDPPort  uint16 = 3
	FieldTCPPort  uint16 = 4
	FieldInstance uint16 = 5
)

// Routing fields.
const (
	FieldType    uint16 = 100 // repeatable in Hello and Interest
	FieldOrigin  uint16 = 101
	FieldPayload uint16 = 102
	FieldCodec   uint16 = 103
)

const FieldTimestampMS uint16 = 200

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint16
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%s: %s", MessageName(e.MessageType), e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%s field=%d: %s", MessageName(e.MessageType), e.FieldID, e.Reason)
}

var peerKey = []Requirement{
	{FieldName, tlv.TypeString},
	{FieldAddress, tlv.TypeU32},
	{FieldUDPPort, tlv.TypeU16},
	{FieldTCPPort, tlv.TypeU16},
	{FieldInstance, tlv.TypeString},
}

var requirements = map[uint16][]Requirement{
	MsgJoin:  peerKey,
	MsgLeave: peerKey,
	MsgHello: peerKey,
	MsgInterest: {
		{FieldType, tlv.TypeString},
	},
	MsgData: {
		{FieldType, tlv.TypeString},
		{FieldCodec, tlv.TypeU8},
		{FieldPayload, tlv.TypeBytes},
	},
}

func MessageName(messageType uint16) string {
	switch messageType {
	case MsgJoin:
		return "join"
	case MsgLeave:
		return "leave"
	case MsgHello:
		return "hello"
	case MsgInterest:
		return "interest"
	case MsgData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// Validate enforces required fields and their types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint16, fields []tlv.Field) error {
	log := logging.Component("schema")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint16("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
