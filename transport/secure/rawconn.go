// File: transport/secure/rawconn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package secure

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/transport"
)

// errNotReady is returned to crypto/tls when the socket has no data. It is
// a temporary net.Error, which crypto/tls does not latch.
var errNotReady net.Error = notReadyError{}

type notReadyError struct{}

func (notReadyError) Error() string   { return "secure: socket not ready" }
func (notReadyError) Timeout() bool   { return true }
func (notReadyError) Temporary() bool { return true }

type fdAddr int

func (a fdAddr) Network() string { return "tcp" }
func (a fdAddr) String() string  { return fmt.Sprintf("fd:%d", int(a)) }

// rawConn is the net.Conn crypto/tls talks to. During the handshake it runs
// on the handshake goroutine and parks on would-block until the loop
// resumes it; afterwards it reports errNotReady instead.
type rawConn struct {
	sock    transport.Socket
	pending []byte

	park   func() bool // returns false when the engine closed
	closed bool
}

func (c *rawConn) Read(p []byte) (int, error) {
	for {
		if c.closed {
			return 0, net.ErrClosed
		}
		n, err := c.sock.Read(p)
		if !errors.Is(err, api.ErrWouldBlock) {
			return n, err
		}
		if c.park == nil {
			return 0, errNotReady
		}
		if !c.park() {
			return 0, net.ErrClosed
		}
	}
}

// Write never blocks: whatever the socket does not take is queued.
func (c *rawConn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, net.ErrClosed
	}
	if len(c.pending) > 0 {
		c.pending = append(c.pending, p...)
		return len(p), nil
	}
	off := 0
	for off < len(p) {
		n, err := c.sock.Write(p[off:])
		if errors.Is(err, api.ErrWouldBlock) {
			break
		}
		if err != nil {
			return off, err
		}
		off += n
	}
	c.pending = append(c.pending, p[off:]...)
	return len(p), nil
}

// flush pushes queued ciphertext, returning transport.ErrWantWrite while
// some remains.
func (c *rawConn) flush() error {
	for len(c.pending) > 0 {
		n, err := c.sock.Write(c.pending)
		if errors.Is(err, api.ErrWouldBlock) {
			return transport.ErrWantWrite
		}
		if err != nil {
			return err
		}
		c.pending = c.pending[n:]
	}
	c.pending = nil
	return nil
}

// Close is a no-op; the transport.Conn owns the descriptor.
func (c *rawConn) Close() error { return nil }

func (c *rawConn) LocalAddr() net.Addr              { return fdAddr(c.sock.Fd()) }
func (c *rawConn) RemoteAddr() net.Addr             { return fdAddr(c.sock.Fd()) }
func (c *rawConn) SetDeadline(time.Time) error      { return nil }
func (c *rawConn) SetReadDeadline(time.Time) error  { return nil }
func (c *rawConn) SetWriteDeadline(time.Time) error { return nil }
