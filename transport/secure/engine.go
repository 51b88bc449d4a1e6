// File: transport/secure/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package secure

import (
	"crypto/tls"
	"errors"
	"io"
	"net"

	"github.com/momentics/hioload-reactor/transport"
)

// Re-exported so callers need not import transport for the retry signals.
var (
	ErrWantRead  = transport.ErrWantRead
	ErrWantWrite = transport.ErrWantWrite
)

type step struct {
	parked bool
	err    error
}

// Engine is a transport.Layer backed by crypto/tls.
//
// crypto/tls only offers a blocking handshake, so the handshake runs on a
// helper goroutine that the loop steps explicitly: Handshake resumes it and
// waits until it either finishes or parks on an empty socket. The loop
// goroutine therefore only ever waits on CPU work, never on the network.
// After the handshake all I/O happens on the loop goroutine.
type Engine struct {
	raw  *rawConn
	conn *tls.Conn

	started bool
	parked  bool
	done    bool
	err     error
	resume  chan bool
	steps   chan step
}

// Client returns an Engine running the client side of the handshake.
func Client(sock transport.Socket, cfg *tls.Config) *Engine {
	e := newEngine(sock)
	e.conn = tls.Client(e.raw, cfg)
	return e
}

// Server returns an Engine running the server side of the handshake.
func Server(sock transport.Socket, cfg *tls.Config) *Engine {
	e := newEngine(sock)
	e.conn = tls.Server(e.raw, cfg)
	return e
}

func newEngine(sock transport.Socket) *Engine {
	e := &Engine{
		resume: make(chan bool),
		steps:  make(chan step, 1),
	}
	e.raw = &rawConn{sock: sock, park: e.park}
	return e
}

// park runs on the handshake goroutine.
func (e *Engine) park() bool {
	e.steps <- step{parked: true}
	return <-e.resume
}

func (e *Engine) run() {
	err := e.conn.Handshake()
	e.steps <- step{err: err}
}

// Handshake advances the handshake by one step.
func (e *Engine) Handshake() error {
	if e.err != nil {
		return e.err
	}
	if e.done {
		return e.raw.flush()
	}
	if err := e.raw.flush(); err != nil {
		return err
	}
	switch {
	case !e.started:
		e.started = true
		go e.run()
	case e.parked:
		e.parked = false
		e.resume <- true
	}
	st := <-e.steps
	if st.parked {
		e.parked = true
		if err := e.raw.flush(); err != nil {
			return err
		}
		return ErrWantRead
	}
	if st.err != nil {
		e.err = st.err
		return st.err
	}
	e.done = true
	e.raw.park = nil
	return e.raw.flush()
}

// ConnectionState exposes the negotiated parameters once established.
func (e *Engine) ConnectionState() tls.ConnectionState {
	return e.conn.ConnectionState()
}

func (e *Engine) Read(p []byte) (int, error) {
	if !e.done {
		return 0, ErrWantRead
	}
	n, err := e.conn.Read(p)
	if n > 0 {
		return n, nil
	}
	var ne net.Error
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &ne) && ne.Timeout():
		if len(e.raw.pending) > 0 {
			return 0, ErrWantWrite
		}
		return 0, ErrWantRead
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	}
	return 0, err
}

func (e *Engine) Write(p []byte) (int, error) {
	if !e.done {
		return 0, ErrWantWrite
	}
	return e.conn.Write(p)
}

// Flush pushes buffered ciphertext to the socket.
func (e *Engine) Flush() error {
	return e.raw.flush()
}

// Close sends close_notify when established and releases a parked
// handshake goroutine. The socket itself stays open.
func (e *Engine) Close() error {
	if e.raw.closed {
		return nil
	}
	if e.done {
		_ = e.conn.Close()
		_ = e.raw.flush()
	}
	e.raw.closed = true
	if e.parked {
		e.parked = false
		close(e.resume)
	}
	return nil
}
