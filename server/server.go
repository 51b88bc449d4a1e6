// File: server/server.go
// Package server implements an HTTP/1.1 server on the reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Routing is by exact path. Each connection is parsed incrementally and
// may carry any number of keep-alive requests; requests are answered in
// arrival order. Routes registered with OnWebSocket hand the connection to
// a protocol.Session once the upgrade succeeds.

package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/protocol"
	"github.com/momentics/hioload-reactor/protocol/http1"
	"github.com/momentics/hioload-reactor/reactor"
	"github.com/momentics/hioload-reactor/transport"
	"github.com/momentics/hioload-reactor/transport/secure"
)

// ErrAlreadyListening is returned by a second Listen.
var ErrAlreadyListening = errors.New("server: already listening")

// Handler answers req by filling w and returning true. Returning false
// means the handler already wrote its reply to w.Conn() and the server
// sends nothing. A handler that cannot answer yet calls w.Hold and later
// w.Send. An error wrapping api.ErrUnauthorized becomes 401, any other
// error 500.
type Handler func(req *http1.Request, w *Response) (bool, error)

// Middleware wraps a handler.
type Middleware func(next Handler) Handler

type wsRoute struct {
	onMessage protocol.MessageHandler
	opts      []protocol.Option
}

// Server routes requests arriving on one listener. All methods except
// Active must be called on the loop goroutine.
type Server struct {
	r          *reactor.Reactor
	cfg        *Config
	logger     *zap.Logger
	tlsConfig  *tls.Config
	transport  []transport.Option
	observer   RequestObserver
	middleware []Middleware

	routes map[string]Handler
	ws     map[string]wsRoute
	ln     *transport.Listener
	conns  map[*connSession]struct{}
	active atomic.Int64 // len(conns) for other goroutines
}

// New builds a server bound to r. A nil cfg means DefaultConfig().
func New(r *reactor.Reactor, cfg *Config, opts ...ServerOption) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		r:        r,
		cfg:      cfg,
		logger:   zap.NewNop(),
		observer: nopRequestObserver{},
		routes:   make(map[string]Handler),
		ws:       make(map[string]wsRoute),
		conns:    make(map[*connSession]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// On registers h for requests whose path is exactly path. Middleware is
// applied at registration.
func (s *Server) On(path string, h Handler) {
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	s.routes[path] = h
}

// OnWebSocket upgrades requests for path and delivers their messages to
// onMessage.
func (s *Server) OnWebSocket(path string, onMessage protocol.MessageHandler, opts ...protocol.Option) {
	s.ws[path] = wsRoute{onMessage: onMessage, opts: append([]protocol.Option{protocol.WithLogger(s.logger)}, opts...)}
}

// Listen starts accepting on Config.ListenAddr.
func (s *Server) Listen() error {
	if s.ln != nil {
		return ErrAlreadyListening
	}
	opts := append([]transport.Option{transport.WithLogger(s.logger)}, s.transport...)
	if s.tlsConfig == nil && s.cfg.TLSCert != "" {
		cfg, err := secure.LoadServerConfig(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			return err
		}
		s.tlsConfig = cfg
	}
	var (
		ln  *transport.Listener
		err error
	)
	if s.tlsConfig != nil {
		ln, err = secure.Listen(s.r, s.cfg.ListenAddr, s.tlsConfig, s.accept, opts...)
	} else {
		ln, err = transport.Listen(s.r, s.cfg.ListenAddr, s.accept, opts...)
	}
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Connections returns the number of open HTTP connections. Upgraded
// WebSocket connections are not counted.
func (s *Server) Connections() int { return len(s.conns) }

// Active is Connections for other goroutines, e.g. stall diagnostics.
func (s *Server) Active() int { return int(s.active.Load()) }

// Close stops accepting and closes every HTTP connection. Upgraded
// sessions are left to their handlers.
func (s *Server) Close() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for cs := range s.conns {
		_ = cs.conn.Close()
	}
	return err
}

func (s *Server) accept() transport.Handler {
	popts := []http1.ParserOption{http1.WithMaxBodyBytes(s.cfg.MaxBodyBytes)}
	if s.cfg.MaxHeaderBytes > 0 {
		popts = append(popts, http1.WithMaxHeaderBytes(s.cfg.MaxHeaderBytes))
	}
	cs := &connSession{s: s, parser: http1.NewRequestParser(popts...)}
	return cs.handle
}

// connSession is the server side of one connection.
type connSession struct {
	s       *Server
	conn    *transport.Conn
	parser  *http1.Parser
	idle    *reactor.Timer
	closing bool
	held    *Response // answer pending, parsing paused
	backlog []byte    // bytes received while held
}

func (cs *connSession) handle(c *transport.Conn, ev transport.Event) {
	switch e := ev.(type) {
	case transport.Connected:
		cs.conn = c
		cs.s.conns[cs] = struct{}{}
		cs.s.active.Add(1)
		if cs.s.cfg.IdleTimeout > 0 {
			cs.idle = reactor.NewTimer("http idle "+c.ID(), cs.onIdle)
			cs.s.r.AddTimeout(cs.idle, cs.s.cfg.IdleTimeout)
		}
	case transport.Data:
		if cs.idle != nil {
			cs.s.r.AddTimeout(cs.idle, cs.s.cfg.IdleTimeout)
		}
		cs.feed(e.Bytes)
	case transport.Error:
		cs.s.logger.Debug("server: connection error", zap.String("conn", c.ID()), zap.Error(e.Err))
	case transport.Disconnected:
		cs.release()
	case transport.Message, transport.Wrote, transport.Empty:
	}
}

func (cs *connSession) release() {
	if cs.idle != nil {
		cs.s.r.RemoveTimeout(cs.idle)
	}
	if _, ok := cs.s.conns[cs]; ok {
		delete(cs.s.conns, cs)
		cs.s.active.Add(-1)
	}
}

func (cs *connSession) onIdle() {
	cs.s.logger.Debug("server: idle connection closed", zap.String("conn", cs.conn.ID()))
	_ = cs.conn.Close()
}

// feed parses every complete request in data. Bytes past the last complete
// request stay buffered in the parser.
func (cs *connSession) feed(data []byte) {
	if cs.held != nil {
		cs.backlog = append(cs.backlog, data...)
		return
	}
	for !cs.closing {
		done, leftover, err := cs.parser.Feed(data)
		if err != nil {
			cs.reject(err)
			return
		}
		if !done {
			return
		}
		req := cs.parser.Request()
		cs.parser.Reset()
		if !cs.dispatch(req, leftover) || len(leftover) == 0 {
			return
		}
		data = leftover
	}
}

// dispatch answers req and reports whether the connection stays with the
// HTTP session.
func (cs *connSession) dispatch(req *http1.Request, leftover []byte) bool {
	s := cs.s
	path := req.Path()
	if route, ok := s.ws[path]; ok && (protocol.IsUpgrade(req) || s.routes[path] == nil) {
		cs.release()
		cs.closing = true
		if _, err := protocol.Upgrade(cs.conn, req, leftover, route.onMessage, route.opts...); err != nil {
			s.logger.Debug("server: upgrade refused", zap.String("path", path), zap.Error(err))
		}
		return false
	}

	start := s.r.Now()
	w := &Response{Status: 200, conn: cs.conn}
	h, ok := s.routes[path]
	if !ok {
		w.Text(404, "not found")
	} else if send, err := cs.call(h, req, w); err != nil {
		w = &Response{conn: cs.conn}
		if errors.Is(err, api.ErrUnauthorized) {
			w.Text(401, "unauthorized")
		} else {
			s.logger.Warn("server: handler failed", zap.String("path", path), zap.Error(err))
			w.Text(500, "internal server error")
		}
	} else if !send {
		w = nil
	} else if w.held && !w.sent {
		cs.held = w
		cs.backlog = append(cs.backlog[:0], leftover...)
		w.finish = func(w *Response) {
			cs.held = nil
			if !cs.complete(req, w, start) {
				return
			}
			backlog := cs.backlog
			cs.backlog = nil
			if len(backlog) > 0 {
				cs.feed(backlog)
			}
		}
		return false
	}
	return cs.complete(req, w, start)
}

// complete writes w, if any, and decides whether the connection takes
// another request.
func (cs *connSession) complete(req *http1.Request, w *Response, start time.Time) bool {
	s := cs.s
	keep := req.KeepAlive()
	if w != nil {
		if !keep {
			w.Header.Set("Connection", "close")
		} else if req.Proto == "HTTP/1.0" {
			w.Header.Set("Connection", "keep-alive")
		}
		if err := cs.conn.Write(w.message(req.Method == "HEAD")); err != nil {
			s.logger.Debug("server: write response", zap.String("conn", cs.conn.ID()), zap.Error(err))
		}
		s.observer.Request(req.Method, w.Status, s.r.Now().Sub(start))
		s.logger.Debug("server: request",
			zap.String("method", req.Method),
			zap.String("target", req.Target),
			zap.Int("status", w.Status),
			zap.String("conn", cs.conn.ID()))
	}
	if !keep || cs.conn.State() != transport.StateOpen {
		cs.closing = true
		cs.conn.CloseWhenFlushed()
		return false
	}
	return true
}

// call runs h, turning a panic into an error.
func (cs *connSession) call(h Handler, req *http1.Request, w *Response) (send bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			cs.s.logger.Error("server: handler panic",
				zap.String("target", req.Target),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("server: handler panic: %v", p)
		}
	}()
	return h(req, w)
}

// reject answers a request that could not be parsed and closes.
func (cs *connSession) reject(err error) {
	status := 400
	switch {
	case errors.Is(err, http1.ErrHeaderTooLarge):
		status = 431
	case errors.Is(err, http1.ErrBodyTooLarge):
		status = 413
	}
	cs.s.logger.Debug("server: bad request", zap.String("conn", cs.conn.ID()), zap.Error(err))
	w := &Response{conn: cs.conn}
	w.Text(status, fmt.Sprintf("%d %s", status, err))
	w.Header.Set("Connection", "close")
	_ = cs.conn.Write(w.message(false))
	cs.s.observer.Request("", status, 0)
	cs.closing = true
	cs.conn.CloseWhenFlushed()
}
