// File: fake/layer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"errors"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/transport"
)

// Layer is a scripted transport.Layer over a Socket. Handshake returns the
// scripted results in order and succeeds once they run out. Read and Write
// replay their scripted errors first, then pass through to the socket with
// would-block mapped to ErrWantRead and ErrWantWrite.
type Layer struct {
	sock       transport.Socket
	handshakes []error
	readErrs   []error
	writeErrs  []error
	done       bool

	HandshakeCalls int
	ReadCalls      int
	Closes         int
}

// NewLayer wraps sock with the given handshake script.
func NewLayer(sock transport.Socket, handshake ...error) *Layer {
	return &Layer{sock: sock, handshakes: handshake}
}

// FailReads queues errors returned by the next Read calls.
func (l *Layer) FailReads(errs ...error) { l.readErrs = append(l.readErrs, errs...) }

// FailWrites queues errors returned by the next Write calls.
func (l *Layer) FailWrites(errs ...error) { l.writeErrs = append(l.writeErrs, errs...) }

// Established reports whether the handshake completed.
func (l *Layer) Established() bool { return l.done }

func (l *Layer) Handshake() error {
	l.HandshakeCalls++
	if len(l.handshakes) > 0 {
		err := l.handshakes[0]
		l.handshakes = l.handshakes[1:]
		if err != nil {
			return err
		}
	}
	l.done = true
	return nil
}

func (l *Layer) Read(p []byte) (int, error) {
	l.ReadCalls++
	if len(l.readErrs) > 0 {
		err := l.readErrs[0]
		l.readErrs = l.readErrs[1:]
		return 0, err
	}
	n, err := l.sock.Read(p)
	if errors.Is(err, api.ErrWouldBlock) {
		return n, transport.ErrWantRead
	}
	return n, err
}

func (l *Layer) Write(p []byte) (int, error) {
	if len(l.writeErrs) > 0 {
		err := l.writeErrs[0]
		l.writeErrs = l.writeErrs[1:]
		return 0, err
	}
	n, err := l.sock.Write(p)
	if errors.Is(err, api.ErrWouldBlock) {
		return n, transport.ErrWantWrite
	}
	return n, err
}

func (l *Layer) Flush() error { return nil }

func (l *Layer) Close() error {
	l.Closes++
	return nil
}
