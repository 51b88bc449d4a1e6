// File: transport/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "errors"

// Transient conditions reported by a Layer. They are never surfaced to
// handlers; the Conn re-arms readiness interest and retries.
var (
	ErrWantRead  = errors.New("transport: layer wants read readiness")
	ErrWantWrite = errors.New("transport: layer wants write readiness")
)

// Socket is a non-blocking stream descriptor.
//
// Read returns api.ErrWouldBlock when no data is available and io.EOF at end
// of stream. Write may be partial and returns api.ErrWouldBlock when the
// kernel buffer is full.
type Socket interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// PeerClosed probes for end of stream without consuming data.
	PeerClosed() bool
	// ConnectErr reports the outcome of a pending non-blocking connect.
	ConnectErr() error
	Close() error
}

// Layer is a secure session wrapped around a connected Socket.
//
// Handshake, Read and Write return ErrWantRead or ErrWantWrite when they
// cannot make progress until the descriptor is ready. Flush returns
// ErrWantWrite while encrypted output is still queued.
type Layer interface {
	Handshake() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Close() error
}

// LayerFactory wraps a freshly connected socket.
type LayerFactory func(Socket) (Layer, error)

// ConnObserver receives per-connection telemetry.
type ConnObserver interface {
	Opened()
	Closed()
	BytesRead(n int)
	BytesWritten(n int)
}

type nopConnObserver struct{}

func (nopConnObserver) Opened()          {}
func (nopConnObserver) Closed()          {}
func (nopConnObserver) BytesRead(int)    {}
func (nopConnObserver) BytesWritten(int) {}
