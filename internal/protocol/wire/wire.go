// Package wire maps typed session messages onto TLV frames.
//
// Parameter and descriptor bodies travel as opaque msgpack bytes; the rfc
// package owns their encoding.
package wire

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/rfcctl/internal/protocol/frame"
	"github.com/danmuck/rfcctl/internal/protocol/schema"
	"github.com/danmuck/rfcctl/internal/protocol/tlv"
)

const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

var ErrUnexpectedMessage = errors.New("wire: unexpected message type")

// Logon opens a session.
type Logon struct {
	Client        string
	User          string
	Password      string
	Language      string
	ProgramID     string
	ClientVersion string
}

func (l Logon) Validate() error {
	if strings.TrimSpace(l.Client) == "" {
		return fmt.Errorf("logon missing client")
	}
	if strings.TrimSpace(l.User) == "" {
		return fmt.Errorf("logon missing user")
	}
	if strings.TrimSpace(l.Language) == "" {
		return fmt.Errorf("logon missing language")
	}
	return nil
}

// LogonAck answers a Logon. Ticket is empty when rejected.
type LogonAck struct {
	Status       string
	Code         uint32
	Message      string
	Ticket       string
	SystemID     string
	Release      string
	ServerTimeMS uint64
}

func (a LogonAck) Accepted() bool {
	return a.Status == StatusAccepted
}

// Metadata asks for a function descriptor.
type Metadata struct {
	Function string
}

// MetadataResult carries one encoded descriptor.
type MetadataResult struct {
	Function   string
	Descriptor []byte
}

// Call invokes a function with encoded parameters.
type Call struct {
	Function string
	Params   []byte
}

// CallResult returns encoded exporting/changing/tables parameters.
type CallResult struct {
	Function string
	Params   []byte
}

// Fault is an error response to any request.
type Fault struct {
	Group   string
	Key     string
	Message string
}

// Ping and Pong carry the sender clock in milliseconds.
type Ping struct {
	TimestampMS uint64
}

type Pong struct {
	TimestampMS uint64
}

func EncodeLogon(messageID uint64, l Logon) (frame.Frame, error) {
	if err := l.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldClient, l.Client),
		tlv.String(schema.FieldUser, l.User),
		tlv.String(schema.FieldPassword, l.Password),
		tlv.String(schema.FieldLanguage, l.Language),
	}
	if l.ProgramID != "" {
		fields = append(fields, tlv.String(schema.FieldProgramID, l.ProgramID))
	}
	if l.ClientVersion != "" {
		fields = append(fields, tlv.String(schema.FieldClientVersion, l.ClientVersion))
	}
	return build(schema.MsgLogon, messageID, 0, nil, fields)
}

func DecodeLogon(f frame.Frame) (Logon, error) {
	fields, err := fieldsOf(f, schema.MsgLogon)
	if err != nil {
		return Logon{}, err
	}
	return Logon{
		Client:        tlv.GetString(fields, schema.FieldClient),
		User:          tlv.GetString(fields, schema.FieldUser),
		Password:      tlv.GetString(fields, schema.FieldPassword),
		Language:      tlv.GetString(fields, schema.FieldLanguage),
		ProgramID:     tlv.GetString(fields, schema.FieldProgramID),
		ClientVersion: tlv.GetString(fields, schema.FieldClientVersion),
	}, nil
}

func EncodeLogonAck(messageID uint64, a LogonAck) (frame.Frame, error) {
	if a.Status != StatusAccepted && a.Status != StatusRejected {
		return frame.Frame{}, fmt.Errorf("logon.ack invalid status %q", a.Status)
	}
	if a.Accepted() && strings.TrimSpace(a.Ticket) == "" {
		return frame.Frame{}, fmt.Errorf("logon.ack missing ticket")
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldStatus, a.Status),
		tlv.String(schema.FieldTicket, a.Ticket),
		tlv.String(schema.FieldSystemID, a.SystemID),
		tlv.String(schema.FieldRelease, a.Release),
		tlv.U32(schema.FieldCode, a.Code),
		tlv.String(schema.FieldMessage, a.Message),
		tlv.U64(schema.FieldServerTimeMS, a.ServerTimeMS),
	}
	return build(schema.MsgLogonAck, messageID, frame.FlagIsResponse, nil, fields)
}

func DecodeLogonAck(f frame.Frame) (LogonAck, error) {
	fields, err := fieldsOf(f, schema.MsgLogonAck)
	if err != nil {
		return LogonAck{}, err
	}
	code, err := tlv.GetU32(fields, schema.FieldCode)
	if err != nil {
		return LogonAck{}, err
	}
	ts, err := tlv.GetU64(fields, schema.FieldServerTimeMS)
	if err != nil {
		return LogonAck{}, err
	}
	return LogonAck{
		Status:       tlv.GetString(fields, schema.FieldStatus),
		Code:         code,
		Message:      tlv.GetString(fields, schema.FieldMessage),
		Ticket:       tlv.GetString(fields, schema.FieldTicket),
		SystemID:     tlv.GetString(fields, schema.FieldSystemID),
		Release:      tlv.GetString(fields, schema.FieldRelease),
		ServerTimeMS: ts,
	}, nil
}

func EncodeMetadata(messageID uint64, ticket []byte, m Metadata) (frame.Frame, error) {
	if strings.TrimSpace(m.Function) == "" {
		return frame.Frame{}, fmt.Errorf("metadata missing function")
	}
	fields := []tlv.Field{tlv.String(schema.FieldFunction, m.Function)}
	return build(schema.MsgMetadata, messageID, 0, ticket, fields)
}

func DecodeMetadata(f frame.Frame) (Metadata, error) {
	fields, err := fieldsOf(f, schema.MsgMetadata)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Function: tlv.GetString(fields, schema.FieldFunction)}, nil
}

func EncodeMetadataResult(messageID uint64, m MetadataResult) (frame.Frame, error) {
	fields := []tlv.Field{
		tlv.String(schema.FieldFunction, m.Function),
		tlv.Bytes(schema.FieldDescriptor, m.Descriptor),
	}
	return build(schema.MsgMetadataResult, messageID, frame.FlagIsResponse, nil, fields)
}

func DecodeMetadataResult(f frame.Frame) (MetadataResult, error) {
	fields, err := fieldsOf(f, schema.MsgMetadataResult)
	if err != nil {
		return MetadataResult{}, err
	}
	return MetadataResult{
		Function:   tlv.GetString(fields, schema.FieldFunction),
		Descriptor: tlv.GetBytes(fields, schema.FieldDescriptor),
	}, nil
}

func EncodeCall(messageID uint64, ticket []byte, c Call) (frame.Frame, error) {
	if strings.TrimSpace(c.Function) == "" {
		return frame.Frame{}, fmt.Errorf("call missing function")
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldFunction, c.Function),
		tlv.Bytes(schema.FieldParams, c.Params),
	}
	return build(schema.MsgCall, messageID, 0, ticket, fields)
}

func DecodeCall(f frame.Frame) (Call, error) {
	fields, err := fieldsOf(f, schema.MsgCall)
	if err != nil {
		return Call{}, err
	}
	return Call{
		Function: tlv.GetString(fields, schema.FieldFunction),
		Params:   tlv.GetBytes(fields, schema.FieldParams),
	}, nil
}

func EncodeCallResult(messageID uint64, r CallResult) (frame.Frame, error) {
	fields := []tlv.Field{
		tlv.String(schema.FieldFunction, r.Function),
		tlv.Bytes(schema.FieldParams, r.Params),
	}
	return build(schema.MsgCallResult, messageID, frame.FlagIsResponse, nil, fields)
}

func DecodeCallResult(f frame.Frame) (CallResult, error) {
	fields, err := fieldsOf(f, schema.MsgCallResult)
	if err != nil {
		return CallResult{}, err
	}
	return CallResult{
		Function: tlv.GetString(fields, schema.FieldFunction),
		Params:   tlv.GetBytes(fields, schema.FieldParams),
	}, nil
}

func EncodeFault(messageID uint64, fl Fault) (frame.Frame, error) {
	if strings.TrimSpace(fl.Group) == "" {
		return frame.Frame{}, fmt.Errorf("fault missing group")
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldGroup, fl.Group),
		tlv.String(schema.FieldKey, fl.Key),
		tlv.String(schema.FieldMessage, fl.Message),
	}
	return build(schema.MsgFault, messageID, frame.FlagIsResponse|frame.FlagIsError, nil, fields)
}

func DecodeFault(f frame.Frame) (Fault, error) {
	fields, err := fieldsOf(f, schema.MsgFault)
	if err != nil {
		return Fault{}, err
	}
	return Fault{
		Group:   tlv.GetString(fields, schema.FieldGroup),
		Key:     tlv.GetString(fields, schema.FieldKey),
		Message: tlv.GetString(fields, schema.FieldMessage),
	}, nil
}

func EncodePing(messageID uint64, ticket []byte, p Ping) (frame.Frame, error) {
	fields := []tlv.Field{tlv.U64(schema.FieldTimestampMS, p.TimestampMS)}
	return build(schema.MsgPing, messageID, 0, ticket, fields)
}

func DecodePing(f frame.Frame) (Ping, error) {
	fields, err := fieldsOf(f, schema.MsgPing)
	if err != nil {
		return Ping{}, err
	}
	ts, err := tlv.GetU64(fields, schema.FieldTimestampMS)
	if err != nil {
		return Ping{}, err
	}
	return Ping{TimestampMS: ts}, nil
}

func EncodePong(messageID uint64, p Pong) (frame.Frame, error) {
	fields := []tlv.Field{tlv.U64(schema.FieldTimestampMS, p.TimestampMS)}
	return build(schema.MsgPong, messageID, frame.FlagIsResponse, nil, fields)
}

func DecodePong(f frame.Frame) (Pong, error) {
	fields, err := fieldsOf(f, schema.MsgPong)
	if err != nil {
		return Pong{}, err
	}
	ts, err := tlv.GetU64(fields, schema.FieldTimestampMS)
	if err != nil {
		return Pong{}, err
	}
	return Pong{TimestampMS: ts}, nil
}

func EncodeLogoff(messageID uint64, ticket []byte) (frame.Frame, error) {
	return build(schema.MsgLogoff, messageID, 0, ticket, nil)
}

func build(messageType uint32, messageID uint64, flags uint32, auth []byte, fields []tlv.Field) (frame.Frame, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Auth:    auth,
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func fieldsOf(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf(
			"%w: got %s want %s",
			ErrUnexpectedMessage,
			schema.MessageName(f.Header.MessageType),
			schema.MessageName(messageType),
		)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}
