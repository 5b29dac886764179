package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

const (
	Magic          uint32 = 0x52464331 // "RFC1"
	Version        uint16 = 1
	FixedHeaderLen uint16 = 32

	FlagHasAuth    uint32 = 0x01
	FlagIsResponse uint32 = 0x02
	FlagIsError    uint32 = 0x04
	FlagCompressed uint32 = 0x08
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrBadMagic           = errors.New("frame: bad magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrHeaderLenTooSmall  = errors.New("frame: header_len smaller than fixed header")
	ErrHeaderLenMismatch  = errors.New("frame: auth flag does not match header_len")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrAuthTooLarge       = errors.New("frame: auth too large")
	ErrTruncated          = errors.New("frame: truncated frame")
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType uint32
	Flags       uint32
	PayloadLen  uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Auth    []byte
	Payload []byte
}

// IsResponse reports whether the frame answers an earlier request.
func (f Frame) IsResponse() bool { return f.Header.Flags&FlagIsResponse != 0 }

// IsError reports whether the frame carries a fault.
func (f Frame) IsError() bool { return f.Header.Flags&FlagIsError != 0 }

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxAuthBytes    uint64
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxAuthBytes:    4 * 1024,
		MaxPayloadBytes: 16 * 1024 * 1024,
	}
}

// ReadFrame reads one frame and inflates a compressed payload.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, ErrBadMagic
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.HeaderLen < FixedHeaderLen {
		return Frame{}, ErrHeaderLenTooSmall
	}

	authLen := uint64(h.HeaderLen - FixedHeaderLen)
	if (h.Flags&FlagHasAuth != 0) != (authLen > 0) {
		return Frame{}, ErrHeaderLenMismatch
	}
	if authLen > limits.MaxAuthBytes {
		return Frame{}, ErrAuthTooLarge
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	var auth []byte
	if authLen > 0 {
		auth = make([]byte, authLen)
		if _, err := io.ReadFull(r, auth); err != nil {
			return Frame{}, ErrTruncated
		}
	}

	var payload []byte
	if h.PayloadLen > 0 {
		payload = make([]byte, h.PayloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ErrTruncated
		}
	}

	if h.Flags&FlagCompressed != 0 {
		n, err := snappy.DecodedLen(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("frame: corrupt compressed payload: %w", err)
		}
		if uint64(n) > limits.MaxPayloadBytes {
			return Frame{}, ErrPayloadTooLarge
		}
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return Frame{}, fmt.Errorf("frame: corrupt compressed payload: %w", err)
		}
		h.Flags &^= FlagCompressed
		h.PayloadLen = uint64(len(payload))
	}

	return Frame{Header: h, Auth: auth, Payload: payload}, nil
}

// WriteFrame encodes f in a single write. Payloads of at least compressAt
// bytes are snappy-compressed when that makes them smaller; compressAt <= 0
// disables compression.
func WriteFrame(w io.Writer, f Frame, limits Limits, compressAt int) error {
	authLen := uint64(len(f.Auth))
	if authLen > limits.MaxAuthBytes {
		return ErrAuthTooLarge
	}
	if uint64(len(f.Payload)) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen + uint16(authLen)
	h.Flags &^= FlagCompressed
	if authLen > 0 {
		h.Flags |= FlagHasAuth
	} else {
		h.Flags &^= FlagHasAuth
	}

	payload := f.Payload
	if compressAt > 0 && len(payload) >= compressAt {
		if packed := snappy.Encode(nil, payload); len(packed) < len(payload) {
			payload = packed
			h.Flags |= FlagCompressed
		}
	}
	h.PayloadLen = uint64(len(payload))

	buf := make([]byte, 0, int(FixedHeaderLen)+len(f.Auth)+len(payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Auth...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.MessageType)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint32(b[16:20]),
		Flags:       binary.BigEndian.Uint32(b[20:24]),
		PayloadLen:  binary.BigEndian.Uint64(b[24:32]),
	}, nil
}
