// File: transport/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking TCP acceptor driven by the reactor.

package transport

import (
	"errors"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/reactor"
)

// DefaultBacklog is the listen(2) backlog.
const DefaultBacklog = 511

// Listener accepts connections on a TCP address. Every accepted descriptor
// becomes an independent Conn with a handler from the factory.
type Listener struct {
	r       *reactor.Reactor
	ln      *listenSocket
	factory func() Handler
	cfg     config
	closed  bool
}

// Listen binds address and starts accepting on r.
func Listen(r *reactor.Reactor, address string, factory func() Handler, opts ...Option) (*Listener, error) {
	ln, err := listenTCP(address, DefaultBacklog)
	if err != nil {
		return nil, err
	}
	l := &Listener{r: r, ln: ln, factory: factory, cfg: newConfig(opts)}
	if err := r.AddReadable(ln.fd, l.acceptReady); err != nil {
		_ = ln.close()
		return nil, err
	}
	r.Own(ln.fd, l.release)
	l.cfg.logger.Info("transport: listening", zap.Stringer("addr", ln.addr))
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.addr }

// acceptReady accepts until the backlog is empty.
func (l *Listener) acceptReady() {
	for !l.closed {
		sock, err := l.ln.accept()
		if errors.Is(err, api.ErrWouldBlock) {
			return
		}
		if err != nil {
			l.cfg.logger.Warn("transport: accept failed", zap.Error(err))
			return
		}
		if _, err := attach(l.r, sock, l.factory(), l.cfg); err != nil {
			l.cfg.logger.Warn("transport: adopt accepted connection", zap.Error(err))
			if api.IsFatal(err) {
				return
			}
		}
	}
}

// Close stops accepting. Established connections are unaffected.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.r.RemoveReadable(l.ln.fd)
	l.r.Disown(l.ln.fd)
	return l.release()
}

func (l *Listener) release() error {
	l.closed = true
	return l.ln.close()
}

// Dial starts a non-blocking connect to addr and returns the connecting
// Conn. addr must be numeric; resolve names off the loop.
func Dial(r *reactor.Reactor, addr netip.AddrPort, h Handler, opts ...Option) (*Conn, error) {
	sock, err := DialSocket(addr)
	if err != nil {
		return nil, err
	}
	return Connect(r, sock, h, opts...)
}
