// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Implements the WebSocket protocol (RFC 6455) on top of transport.Conn.
//
// Includes:
//   - Incremental frame decoding from accumulated bytes and frame encoding
//     with per-frame random masks for the client role
//   - The HTTP upgrade handshake for both roles, expressed with http1 messages
//   - Session: fragmented message reassembly, ping/pong/close control frames
//     and a periodic liveness ping driven by a reactor timer
//
// Everything runs on the reactor goroutine; nothing here blocks or spawns
// goroutines.
package protocol
