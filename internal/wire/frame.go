// Package wire implements server-side RFC 6455 frame encoding and decoding
// over a raw byte stream. Fragmentation reassembly and control-frame
// semantics live in the session receive loop; this package stays stateless.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame opcodes (RFC 6455 section 5.2).
const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA
)

// Close codes used by the bridge.
const (
	CloseNormal          uint16 = 1000
	CloseProtocolError   uint16 = 1002
	CloseMessageTooLarge uint16 = 1009
)

// MaxPayloadBytes caps a single frame payload. Larger frames are a protocol
// violation from the bridge's point of view.
const MaxPayloadBytes = 1 << 20

var (
	// ErrMaskRequired is returned when a client frame arrives unmasked
	// (RFC 6455 requires all client-to-server frames to be masked).
	ErrMaskRequired = errors.New("client frame is not masked")

	// ErrReservedBits is returned when a frame sets RSV bits without a
	// negotiated extension.
	ErrReservedBits = errors.New("frame has reserved bits set")

	// ErrFrameTooLarge is returned when a frame payload exceeds
	// MaxPayloadBytes.
	ErrFrameTooLarge = errors.New("frame payload too large")

	// ErrUnexpectedContinuation is reported when a continuation frame
	// arrives without a preceding unfinished message.
	ErrUnexpectedContinuation = errors.New("continuation frame without message")

	// ErrInterleavedMessage is reported when a new data frame arrives
	// while a fragmented message is still being assembled (RFC 6455
	// section 5.4 forbids interleaving data frames).
	ErrInterleavedMessage = errors.New("data frame interleaved with fragmented message")

	// ErrBadControlFrame is returned for fragmented control frames or
	// control payloads over 125 bytes (RFC 6455 section 5.5).
	ErrBadControlFrame = errors.New("malformed control frame")
)

// Frame is a single decoded WebSocket frame.
type Frame struct {
	Fin     bool
	Opcode  byte
	Payload []byte
}

// IsControl reports whether the frame is a control frame (close/ping/pong).
func (f *Frame) IsControl() bool {
	return f.Opcode&0x8 != 0
}

// ReadFrame decodes one client frame from the stream, unmasking the payload.
func ReadFrame(r io.Reader) (*Frame, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}

	fin := head[0]&0x80 != 0
	if head[0]&0x70 != 0 {
		return nil, ErrReservedBits
	}
	opcode := head[0] & 0x0F

	masked := head[1]&0x80 != 0
	if !masked {
		return nil, ErrMaskRequired
	}

	length := uint64(head[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > MaxPayloadBytes {
		return nil, ErrFrameTooLarge
	}
	if opcode&0x8 != 0 && (!fin || length > 125) {
		return nil, ErrBadControlFrame
	}

	var maskKey [4]byte
	if _, err := io.ReadFull(r, maskKey[:]); err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	for i := range payload {
		payload[i] ^= maskKey[i%4]
	}

	return &Frame{Fin: fin, Opcode: opcode, Payload: payload}, nil
}

// WriteFrame encodes and writes one unmasked server frame with the FIN bit
// set. The header and payload are written in a single call so a frame is
// never interleaved with another writer's bytes.
func WriteFrame(w io.Writer, opcode byte, payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 0, len(payload)+10)
	buf = append(buf, 0x80|opcode)
	switch {
	case len(payload) < 126:
		buf = append(buf, byte(len(payload)))
	case len(payload) <= 0xFFFF:
		buf = append(buf, 126, 0, 0)
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	default:
		buf = append(buf, 127, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(buf[2:10], uint64(len(payload)))
	}
	buf = append(buf, payload...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// WriteText writes a single text frame.
func WriteText(w io.Writer, payload []byte) error {
	return WriteFrame(w, OpText, payload)
}

// WritePong writes a pong frame echoing the ping payload.
func WritePong(w io.Writer, payload []byte) error {
	return WriteFrame(w, OpPong, payload)
}

// WriteClose writes a close frame with the given status code and reason.
func WriteClose(w io.Writer, code uint16, reason string) error {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload[:2], code)
	copy(payload[2:], reason)
	return WriteFrame(w, OpClose, payload)
}

// ParseClose extracts the status code and reason from a close frame payload.
// An empty payload is valid and maps to CloseNormal.
func ParseClose(payload []byte) (code uint16, reason string) {
	if len(payload) < 2 {
		return CloseNormal, ""
	}
	return binary.BigEndian.Uint16(payload[:2]), string(payload[2:])
}
