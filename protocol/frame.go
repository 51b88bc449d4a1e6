// File: protocol/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame encoding/decoding with payload size limits.

package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/momentics/hioload-reactor/api"
)

// Frame errors. Decode wraps them in an api.Error of KindProtocol.
var (
	ErrFrameTooLarge   = errors.New("frame payload exceeds maximum allowed size")
	ErrReservedBits    = errors.New("reserved bits set without a negotiated extension")
	ErrBadOpcode       = errors.New("unknown opcode")
	ErrControlFrame    = errors.New("control frame fragmented or longer than 125 bytes")
	ErrMaskMismatch    = errors.New("frame masking does not match peer role")
	ErrBadClosePayload = errors.New("malformed close frame payload")
)

// Frame is one decoded WebSocket frame. Payload is already unmasked.
type Frame struct {
	Fin     bool
	Opcode  byte
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// IsControl reports whether f is a close, ping or pong frame.
func (f *Frame) IsControl() bool { return f.Opcode&0x8 != 0 }

func frameError(err error) error {
	return api.NewError(api.KindProtocol, "ws.frame", err)
}

// DecodeFrame parses one frame from the front of raw. It returns the frame
// and the number of bytes consumed. An incomplete frame yields (nil, 0, nil)
// so the caller can wait for more bytes. maxPayload <= 0 means
// MaxFramePayload.
func DecodeFrame(raw []byte, maxPayload int) (*Frame, int, error) {
	if maxPayload <= 0 {
		maxPayload = MaxFramePayload
	}
	if len(raw) < 2 {
		return nil, 0, nil
	}
	if raw[0]&RsvBits != 0 {
		return nil, 0, frameError(ErrReservedBits)
	}
	fin := raw[0]&FinBit != 0
	opcode := raw[0] & 0x0F
	switch opcode {
	case OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
	default:
		return nil, 0, frameError(fmt.Errorf("%w 0x%x", ErrBadOpcode, opcode))
	}
	masked := raw[1]&MaskBit != 0
	length := uint64(raw[1] & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return nil, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return nil, 0, nil
		}
		length = binary.BigEndian.Uint64(raw[offset:])
		offset += 8
	}

	if opcode&0x8 != 0 && (!fin || length > MaxControlPayloadLen) {
		return nil, 0, frameError(ErrControlFrame)
	}
	if length > uint64(maxPayload) {
		return nil, 0, frameError(ErrFrameTooLarge)
	}

	var maskKey [4]byte
	if masked {
		if len(raw) < offset+4 {
			return nil, 0, nil
		}
		copy(maskKey[:], raw[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(raw) < total {
		return nil, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, raw[offset:total])
	if masked {
		maskBytes(maskKey, payload)
	}
	return &Frame{
		Fin:     fin,
		Opcode:  opcode,
		Masked:  masked,
		MaskKey: maskKey,
		Payload: payload,
	}, total, nil
}

// AppendFrame serializes one frame onto dst. With mask set a fresh random
// key is drawn for the frame, as the client role requires.
func AppendFrame(dst []byte, fin bool, opcode byte, payload []byte, mask bool) ([]byte, error) {
	if opcode&0x8 != 0 && (!fin || len(payload) > MaxControlPayloadLen) {
		return dst, frameError(ErrControlFrame)
	}
	b0 := opcode & 0x0F
	if fin {
		b0 |= FinBit
	}
	var b1 byte
	if mask {
		b1 = MaskBit
	}

	plen := len(payload)
	switch {
	case plen <= 125:
		dst = append(dst, b0, b1|byte(plen))
	case plen <= 0xFFFF:
		dst = append(dst, b0, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(plen))
	default:
		dst = append(dst, b0, b1|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(plen))
	}

	if !mask {
		return append(dst, payload...), nil
	}
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return dst, fmt.Errorf("ws: mask key: %w", err)
	}
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	maskBytes(key, dst[start:])
	return dst, nil
}

func maskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}

// ClosePayload encodes a close status code and reason. CloseNoStatusRcvd
// encodes as an empty payload.
func ClosePayload(code int, reason string) []byte {
	if code == CloseNoStatusRcvd || code == 0 {
		return nil
	}
	if len(reason) > MaxControlPayloadLen-2 {
		reason = reason[:MaxControlPayloadLen-2]
	}
	p := binary.BigEndian.AppendUint16(nil, uint16(code))
	return append(p, reason...)
}

// ParseClosePayload decodes a close frame payload. An empty payload reports
// CloseNoStatusRcvd.
func ParseClosePayload(p []byte) (int, string, error) {
	switch len(p) {
	case 0:
		return CloseNoStatusRcvd, "", nil
	case 1:
		return 0, "", frameError(ErrBadClosePayload)
	}
	code := int(binary.BigEndian.Uint16(p))
	if !validCloseCode(code) {
		return 0, "", frameError(fmt.Errorf("%w: code %d", ErrBadClosePayload, code))
	}
	return code, string(p[2:]), nil
}

func validCloseCode(code int) bool {
	switch {
	case code >= 3000 && code <= 4999:
		return true
	case code < 1000 || code > 1011:
		return false
	}
	return code != 1004 && code != CloseNoStatusRcvd && code != CloseAbnormalClosure
}
