package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/tsingmao/xdna/internal/api"
)

// ByteOrder is the byte order of every field on the wire.
var ByteOrder = binary.LittleEndian

// Encode serializes a fixed-layout message.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(binary.Size(v))
	if err := binary.Write(&buf, ByteOrder, v); err != nil {
		return nil, errors.Wrapf(err, "encode %T", v)
	}
	return buf.Bytes(), nil
}

// Decode deserializes b into the fixed-layout message pointed to by v.
// Trailing bytes are ignored.
func Decode(b []byte, v interface{}) error {
	if need := binary.Size(v); need < 0 || len(b) < need {
		return errors.Wrapf(api.ErrInvalidArgument, "decode %T: have %d bytes, need %d", v, len(b), need)
	}
	if err := binary.Read(bytes.NewReader(b), ByteOrder, v); err != nil {
		return errors.Wrapf(err, "decode %T", v)
	}
	return nil
}

// ResponseStatus returns the status word leading every response.
func ResponseStatus(b []byte) (Status, error) {
	if len(b) < 4 {
		return StatusMax, errors.Wrapf(api.ErrInvalidArgument, "response of %d bytes has no status", len(b))
	}
	return Status(ByteOrder.Uint32(b)), nil
}

// Frame header layout, as it travels through the mailbox rings.
const (
	FrameHeaderSize = 16

	// FrameProtocolVersion is carried in bits 16..23 of the size word.
	FrameProtocolVersion = 1

	// MaxFramePayload is the largest payload the 11-bit size field describes.
	MaxFramePayload = 0x7FF
)

// FrameHeader precedes every message in a ring.
type FrameHeader struct {
	// TotalSize is the payload size in bytes.
	TotalSize uint32

	// SizeVer holds the payload size in bits 0..10 and the framing protocol
	// version in bits 16..23.
	SizeVer uint32

	// ID correlates a response with its request.
	ID     uint32
	Opcode Opcode
}

// PayloadSize returns the size encoded in SizeVer.
func (h FrameHeader) PayloadSize() uint32 { return h.SizeVer & MaxFramePayload }

// Version returns the framing protocol version.
func (h FrameHeader) Version() uint32 { return (h.SizeVer >> 16) & 0xFF }

// EncodeFrame prefixes payload with a frame header.
func EncodeFrame(id uint32, op Opcode, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, errors.Wrapf(api.ErrInvalidArgument, "%s payload of %d bytes exceeds frame limit %d",
			op, len(payload), MaxFramePayload)
	}
	b := make([]byte, FrameHeaderSize+len(payload))
	ByteOrder.PutUint32(b[0:4], uint32(len(payload)))
	ByteOrder.PutUint32(b[4:8], uint32(len(payload))|FrameProtocolVersion<<16)
	ByteOrder.PutUint32(b[8:12], id)
	ByteOrder.PutUint32(b[12:16], uint32(op))
	copy(b[FrameHeaderSize:], payload)
	return b, nil
}

// DecodeFrame splits a frame into header and payload.
func DecodeFrame(b []byte) (FrameHeader, []byte, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, nil, errors.Wrapf(api.ErrInvalidArgument, "frame of %d bytes has no header", len(b))
	}
	h := FrameHeader{
		TotalSize: ByteOrder.Uint32(b[0:4]),
		SizeVer:   ByteOrder.Uint32(b[4:8]),
		ID:        ByteOrder.Uint32(b[8:12]),
		Opcode:    Opcode(ByteOrder.Uint32(b[12:16])),
	}
	if h.Version() != FrameProtocolVersion {
		return h, nil, errors.Wrapf(api.ErrInvalidArgument, "frame protocol version %d, want %d",
			h.Version(), FrameProtocolVersion)
	}
	if h.TotalSize != h.PayloadSize() || int(h.TotalSize) != len(b)-FrameHeaderSize {
		return h, nil, errors.Wrapf(api.ErrInvalidArgument, "frame size mismatch: total %d, size field %d, have %d",
			h.TotalSize, h.PayloadSize(), len(b)-FrameHeaderSize)
	}
	return h, b[FrameHeaderSize:], nil
}
