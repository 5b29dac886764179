package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "BAPI_FLIGHT_GETLIST"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
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

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedGetters(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		String(1, "LH"),
		Bytes(2, []byte{1, 2}),
		U32(3, 1001),
		U64(4, 1<<40),
		U8(5, 7),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if GetString(fields, 1) != "LH" {
		t.Fatalf("string mismatch")
	}
	if !bytes.Equal(GetBytes(fields, 2), []byte{1, 2}) {
		t.Fatalf("bytes mismatch")
	}
	if v, err := GetU32(fields, 3); err != nil || v != 1001 {
		t.Fatalf("u32 mismatch: %d %v", v, err)
	}
	if v, err := GetU64(fields, 4); err != nil || v != 1<<40 {
		t.Fatalf("u64 mismatch: %d %v", v, err)
	}
	if v, err := GetU8(fields, 5); err != nil || v != 7 {
		t.Fatalf("u8 mismatch: %d %v", v, err)
	}
	if v, err := GetU32(fields, 42); err != nil || v != 0 {
		t.Fatalf("absent u32 should be zero: %d %v", v, err)
	}
	if _, err := GetU64(fields, 1); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if GetString(fields, 2) != "" {
		t.Fatalf("string getter must ignore non-string field")
	}
}

func TestU32FromBytesRejectsBadLength(t *testing.T) {
	if _, err := U32FromBytes([]byte{1, 2}); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}
