// File: fake/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"bytes"
	"io"

	"github.com/momentics/hioload-reactor/api"
)

type readStep struct {
	data []byte
	err  error
}

// Socket is an in-memory transport.Socket. Reads replay fed chunks and
// errors in order; writes land in an internal buffer, optionally capped
// per call.
type Socket struct {
	fd         int
	reads      []readStep
	eof        bool
	connectErr error
	writeLimit int
	blocked    bool
	writeErr   error
	written    bytes.Buffer
	writes     int
	closes     int
}

// NewSocket returns a socket reporting fd.
func NewSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

// Feed queues p for a future Read. Each Feed is returned by at most one Read.
func (s *Socket) Feed(p []byte) {
	s.reads = append(s.reads, readStep{data: append([]byte(nil), p...)})
}

// FeedString queues s for a future Read.
func (s *Socket) FeedString(p string) { s.Feed([]byte(p)) }

// FeedError makes a future Read fail with err.
func (s *Socket) FeedError(err error) {
	s.reads = append(s.reads, readStep{err: err})
}

// SetEOF reports end of stream once fed data is consumed.
func (s *Socket) SetEOF() { s.eof = true }

// SetConnectErr sets the pending connect outcome.
func (s *Socket) SetConnectErr(err error) { s.connectErr = err }

// SetWriteLimit caps the bytes accepted per Write. Zero removes the cap.
func (s *Socket) SetWriteLimit(n int) { s.writeLimit = n }

// Block makes Write report api.ErrWouldBlock while on is true.
func (s *Socket) Block(on bool) { s.blocked = on }

// FailWrites makes every Write fail with err.
func (s *Socket) FailWrites(err error) { s.writeErr = err }

// Written returns everything accepted by Write.
func (s *Socket) Written() []byte { return s.written.Bytes() }

// Writes returns the number of Write calls that accepted bytes.
func (s *Socket) Writes() int { return s.writes }

// Closes returns how many times Close was called.
func (s *Socket) Closes() int { return s.closes }

// Pending reports whether fed data or errors remain unread.
func (s *Socket) Pending() bool { return len(s.reads) > 0 }

func (s *Socket) Fd() int { return s.fd }

func (s *Socket) Read(p []byte) (int, error) {
	if s.closes > 0 {
		return 0, api.ErrClosed
	}
	if len(s.reads) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, api.ErrWouldBlock
	}
	step := &s.reads[0]
	if step.err != nil {
		err := step.err
		s.reads = s.reads[1:]
		return 0, err
	}
	n := copy(p, step.data)
	step.data = step.data[n:]
	if len(step.data) == 0 {
		s.reads = s.reads[1:]
	}
	return n, nil
}

func (s *Socket) Write(p []byte) (int, error) {
	if s.closes > 0 {
		return 0, api.ErrClosed
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.blocked {
		return 0, api.ErrWouldBlock
	}
	if s.writeLimit > 0 && len(p) > s.writeLimit {
		p = p[:s.writeLimit]
	}
	s.writes++
	return s.written.Write(p)
}

func (s *Socket) PeerClosed() bool { return s.eof && len(s.reads) == 0 }

func (s *Socket) ConnectErr() error { return s.connectErr }

func (s *Socket) Close() error {
	s.closes++
	return nil
}
