package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/rfcctl/internal/protocol/frame"
	"github.com/danmuck/rfcctl/internal/protocol/schema"
	"github.com/danmuck/rfcctl/internal/testutil/testlog"
)

// roundTrip pushes f through the byte-level codec so tests cover the frame path too.
func roundTrip(t *testing.T, f frame.Frame) frame.Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, f, frame.DefaultLimits(), 0); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := frame.ReadFrame(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return out
}

func TestLogonRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Logon{Client: "800", User: "DEMO", Password: "secret", Language: "EN", ProgramID: "RFCSERVER"}
	f, err := EncodeLogon(1, in)
	if err != nil {
		t.Fatalf("encode logon: %v", err)
	}
	out, err := DecodeLogon(roundTrip(t, f))
	if err != nil {
		t.Fatalf("decode logon: %v", err)
	}
	if out != in {
		t.Fatalf("logon mismatch: in=%+v out=%+v", in, out)
	}
}

func TestLogonRequiresUser(t *testing.T) {
	testlog.Start(t)
	if _, err := EncodeLogon(1, Logon{Client: "800", Language: "EN"}); err == nil {
		t.Fatalf("expected missing user error")
	}
}

func TestLogonAckRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := LogonAck{
		Status:       StatusAccepted,
		Message:      "welcome",
		Ticket:       "0f8b7c",
		SystemID:     "NSP",
		Release:      "753",
		ServerTimeMS: 1760000000000,
	}
	f, err := EncodeLogonAck(1, in)
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	got := roundTrip(t, f)
	if !got.IsResponse() || got.IsError() {
		t.Fatalf("unexpected flags: %b", got.Header.Flags)
	}
	out, err := DecodeLogonAck(got)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if out != in || !out.Accepted() {
		t.Fatalf("ack mismatch: in=%+v out=%+v", in, out)
	}
}

func TestRejectedLogonAckHasNoTicket(t *testing.T) {
	testlog.Start(t)
	f, err := EncodeLogonAck(3, LogonAck{Status: StatusRejected, Code: 1002, Message: "bad password"})
	if err != nil {
		t.Fatalf("encode rejected ack: %v", err)
	}
	out, err := DecodeLogonAck(roundTrip(t, f))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Accepted() || out.Ticket != "" || out.Code != 1002 {
		t.Fatalf("unexpected ack: %+v", out)
	}
	if _, err := EncodeLogonAck(3, LogonAck{Status: StatusAccepted}); err == nil {
		t.Fatalf("accepted ack without ticket must fail")
	}
}

func TestCallCarriesTicketAndParams(t *testing.T) {
	testlog.Start(t)
	params := []byte{0x81, 0xa7, 'A', 'I', 'R', 'L', 'I', 'N', 'E', 0xa2, 'L', 'H'}
	f, err := EncodeCall(9, []byte("ticket-1"), Call{Function: "BAPI_FLIGHT_GETLIST", Params: params})
	if err != nil {
		t.Fatalf("encode call: %v", err)
	}
	got := roundTrip(t, f)
	if string(got.Auth) != "ticket-1" {
		t.Fatalf("ticket not carried: %q", got.Auth)
	}
	out, err := DecodeCall(got)
	if err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if out.Function != "BAPI_FLIGHT_GETLIST" || !bytes.Equal(out.Params, params) {
		t.Fatalf("call mismatch: %+v", out)
	}
}

func TestFaultFlags(t *testing.T) {
	testlog.Start(t)
	f, err := EncodeFault(4, Fault{Group: "SYSTEM_FAILURE", Key: "FUNCTION_NOT_FOUND", Message: "Z_MISSING"})
	if err != nil {
		t.Fatalf("encode fault: %v", err)
	}
	got := roundTrip(t, f)
	if !got.IsError() || !got.IsResponse() || got.Header.MessageID != 4 {
		t.Fatalf("unexpected header: %+v", got.Header)
	}
	out, err := DecodeFault(got)
	if err != nil {
		t.Fatalf("decode fault: %v", err)
	}
	if out.Key != "FUNCTION_NOT_FOUND" || out.Message != "Z_MISSING" {
		t.Fatalf("fault mismatch: %+v", out)
	}
}

func TestMetadataAndResultRoundTrip(t *testing.T) {
	testlog.Start(t)
	f, err := EncodeMetadata(5, []byte("t"), Metadata{Function: "RFC_READ_TABLE"})
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	m, err := DecodeMetadata(roundTrip(t, f))
	if err != nil || m.Function != "RFC_READ_TABLE" {
		t.Fatalf("decode metadata: %+v %v", m, err)
	}
	rf, err := EncodeMetadataResult(5, MetadataResult{Function: "RFC_READ_TABLE", Descriptor: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("encode result: %v", err)
	}
	r, err := DecodeMetadataResult(roundTrip(t, rf))
	if err != nil || !bytes.Equal(r.Descriptor, []byte{1, 2, 3}) {
		t.Fatalf("decode result: %+v %v", r, err)
	}
}

func TestPingPongAndLogoff(t *testing.T) {
	testlog.Start(t)
	pf, err := EncodePing(6, []byte("t"), Ping{TimestampMS: 12345})
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	p, err := DecodePing(roundTrip(t, pf))
	if err != nil || p.TimestampMS != 12345 {
		t.Fatalf("decode ping: %+v %v", p, err)
	}
	qf, err := EncodePong(6, Pong{TimestampMS: 12345})
	if err != nil {
		t.Fatalf("encode pong: %v", err)
	}
	q, err := DecodePong(roundTrip(t, qf))
	if err != nil || q.TimestampMS != 12345 {
		t.Fatalf("decode pong: %+v %v", q, err)
	}
	lf, err := EncodeLogoff(7, []byte("t"))
	if err != nil {
		t.Fatalf("encode logoff: %v", err)
	}
	if roundTrip(t, lf).Header.MessageType != schema.MsgLogoff {
		t.Fatalf("unexpected logoff type")
	}
}

func TestDecodeRejectsWrongMessageType(t *testing.T) {
	testlog.Start(t)
	f, err := EncodePing(1, nil, Ping{TimestampMS: 1})
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	if _, err := DecodeCall(f); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
	}
}
