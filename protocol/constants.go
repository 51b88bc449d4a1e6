// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket wire protocol constants

package protocol

import "time"

const (
	// Control opcodes (>=0x8)
	OpcodeContinuation = 0x0
	OpcodeText         = 0x1
	OpcodeBinary       = 0x2
	OpcodeClose        = 0x8
	OpcodePing         = 0x9
	OpcodePong         = 0xA

	// Frame limit settings
	MaxControlPayloadLen = 125
	MaxFrameHeaderLen    = 14 // for extended payloads with masking

	// Bit masks
	FinBit  = 0x80
	RsvBits = 0x70
	MaskBit = 0x80

	// Close codes
	CloseNormalClosure      = 1000
	CloseGoingAway          = 1001
	CloseProtocolError      = 1002
	CloseUnsupportedData    = 1003
	CloseNoStatusRcvd       = 1005
	CloseAbnormalClosure    = 1006
	CloseInvalidPayloadData = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseMissingExtension   = 1010
	CloseInternalServerErr  = 1011
)

// WebSocketGUID is appended to the client key to derive the accept value.
const WebSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	// MaxFramePayload bounds a single inbound frame.
	MaxFramePayload = 1 << 20
	// MaxMessageSize bounds a reassembled message.
	MaxMessageSize = 4 << 20
	// DefaultPingInterval is the liveness ping period.
	DefaultPingInterval = 30 * time.Second
	// DefaultCloseTimeout bounds the wait for the peer's close echo.
	DefaultCloseTimeout = 5 * time.Second
)
