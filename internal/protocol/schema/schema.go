package schema

import (
	"fmt"

	"github.com/danmuck/rfcctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgLogon          uint32 = 1
	MsgLogonAck       uint32 = 2
	MsgMetadata       uint32 = 3
	MsgMetadataResult uint32 = 4
	MsgCall           uint32 = 5
	MsgCallResult     uint32 = 6
	MsgFault          uint32 = 7
	MsgPing           uint32 = 8
	MsgPong           uint32 = 9
	MsgLogoff         uint32 = 10
)

// Field IDs.
const (
	FieldClient        uint16 = 1
	FieldUser          uint16 = 2
	FieldPassword      uint16 = 3
	FieldLanguage      uint16 = 4
	FieldProgramID     uint16 = 5
	FieldClientVersion uint16 = 6

	FieldStatus       uint16 = 100
	FieldTicket       uint16 = 101
	FieldSystemID     uint16 = 102
	FieldRelease      uint16 = 103
	FieldCode         uint16 = 104
	FieldMessage      uint16 = 105
	FieldServerTimeMS uint16 = 106

	FieldFunction   uint16 = 200
	FieldDescriptor uint16 = 201
	FieldParams     uint16 = 202

	FieldGroup uint16 = 300
	FieldKey   uint16 = 301

	FieldTimestampMS uint16 = 400
)

var messageNames = map[uint32]string{
	MsgLogon:          "logon",
	MsgLogonAck:       "logon.ack",
	MsgMetadata:       "metadata",
	MsgMetadataResult: "metadata.result",
	MsgCall:           "call",
	MsgCallResult:     "call.result",
	MsgFault:          "fault",
	MsgPing:           "ping",
	MsgPong:           "pong",
	MsgLogoff:         "logoff",
}

// MessageName returns the log name of a message type.
func MessageName(messageType uint32) string {
	if name, ok := messageNames[messageType]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", messageType)
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgLogon: {
		{FieldClient, tlv.TypeString},
		{FieldUser, tlv.TypeString},
		{FieldPassword, tlv.TypeString},
		{FieldLanguage, tlv.TypeString},
	},
	MsgLogonAck: {
		{FieldStatus, tlv.TypeString},
		{FieldTicket, tlv.TypeString},
		{FieldSystemID, tlv.TypeString},
		{FieldRelease, tlv.TypeString},
	},
	MsgMetadata: {
		{FieldFunction, tlv.TypeString},
	},
	MsgMetadataResult: {
		{FieldFunction, tlv.TypeString},
		{FieldDescriptor, tlv.TypeBytes},
	},
	MsgCall: {
		{FieldFunction, tlv.TypeString},
		{FieldParams, tlv.TypeBytes},
	},
	MsgCallResult: {
		{FieldFunction, tlv.TypeString},
		{FieldParams, tlv.TypeBytes},
	},
	MsgFault: {
		{FieldGroup, tlv.TypeString},
		{FieldKey, tlv.TypeString},
		{FieldMessage, tlv.TypeString},
	},
	MsgPing: {
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgPong: {
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgLogoff: {},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Trace().Str("message", MessageName(messageType)).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
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
