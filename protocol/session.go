// File: protocol/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session encapsulates a full-duplex WebSocket session over one
// transport.Conn.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/protocol/http1"
	"github.com/momentics/hioload-reactor/reactor"
	"github.com/momentics/hioload-reactor/transport"
)

// Session errors.
var (
	ErrNotOpen         = errors.New("websocket session is not open")
	ErrUnexpectedFrame = errors.New("data frame inside a fragmented message")
	ErrOrphanFragment  = errors.New("continuation frame without a message")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	ErrInvalidUTF8     = errors.New("text message is not valid UTF-8")
)

// Role selects masking rules and who speaks first in the handshake.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// SessionState is the lifecycle stage of a Session.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionOpen
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Message is one complete inbound data message.
type Message struct {
	Binary bool
	Data   []byte
}

// Text returns the payload as a string.
func (m Message) Text() string { return string(m.Data) }

// MessageHandler receives every inbound message on the loop goroutine.
type MessageHandler func(s *Session, m Message)

// CloseHandler runs once when the session ends. code is the status the
// peer sent, the one sent locally on a protocol error, or
// CloseAbnormalClosure when the connection dropped without a close frame.
type CloseHandler func(s *Session, code int, reason string)

// Session is a WebSocket endpoint bound to one connection. All methods
// except Stats must be called on the loop goroutine.
type Session struct {
	id        string
	r         *reactor.Reactor
	conn      *transport.Conn
	role      Role
	cfg       config
	logger    *zap.Logger
	state     SessionState
	onMessage MessageHandler

	key     string
	upgrade *http1.Request
	resp    *http1.Parser

	in          []byte
	fragmenting bool
	fragOp      byte
	frag        []byte

	ping        *reactor.Timer
	closer      *reactor.Timer
	closeSent   bool
	closeCode   int
	closeReason string
	lastPong    time.Time

	bytesReceived  atomic.Int64
	bytesSent      atomic.Int64
	framesReceived atomic.Int64
	framesSent     atomic.Int64
}

func newSession(r *reactor.Reactor, role Role, onMessage MessageHandler, cfg config) *Session {
	s := &Session{
		id:        uuid.NewString(),
		r:         r,
		role:      role,
		cfg:       cfg,
		onMessage: onMessage,
	}
	s.logger = cfg.logger.With(zap.String("ws", s.id))
	s.ping = reactor.NewTimer("ws ping "+s.id, s.onPingTimer)
	s.closer = reactor.NewTimer("ws close "+s.id, s.onCloseTimeout)
	return s
}

// Upgrade completes the server side of the handshake for req on conn and
// takes over its events. leftover holds bytes that followed the request.
// A request that is not a valid upgrade is answered with an error status,
// the connection is closed once flushed and the error is returned.
func Upgrade(conn *transport.Conn, req *http1.Request, leftover []byte, onMessage MessageHandler, opts ...Option) (*Session, error) {
	resp, err := UpgradeResponse(req)
	if err != nil {
		_ = conn.Write(RejectResponse(err).Bytes())
		conn.CloseWhenFlushed()
		return nil, err
	}
	s := newSession(conn.Reactor(), RoleServer, onMessage, newConfig(opts))
	s.bind(conn)
	if err := conn.Write(resp.Bytes()); err != nil {
		return nil, err
	}
	s.logger.Debug("ws: upgraded", zap.String("target", req.Target))
	s.open()
	if len(leftover) > 0 && s.state == SessionOpen {
		s.frames(leftover)
	}
	return s, nil
}

// Accept parses the raw upgrade request bytes read from conn and upgrades
// it. Bytes after the request are treated as the first frames.
func Accept(conn *transport.Conn, raw []byte, onMessage MessageHandler, opts ...Option) (*Session, error) {
	p := http1.NewRequestParser(http1.WithMaxHeaderBytes(MaxHandshakeHeadersSize))
	done, leftover, err := p.Feed(raw)
	if err == nil && !done {
		err = handshakeError(fmt.Errorf("%w: incomplete request", ErrInvalidUpgradeHeaders))
	}
	if err != nil {
		_ = conn.Write(RejectResponse(err).Bytes())
		conn.CloseWhenFlushed()
		return nil, err
	}
	return Upgrade(conn, p.Request(), leftover, onMessage, opts...)
}

// Dial connects to addr and performs the client handshake for target on
// host. addr must be numeric. Use WithTransport to add a TLS layer.
func Dial(r *reactor.Reactor, addr netip.AddrPort, target, host string, onMessage MessageHandler, opts ...Option) (*Session, error) {
	key, err := NewClientKey()
	if err != nil {
		return nil, err
	}
	s := newSession(r, RoleClient, onMessage, newConfig(opts))
	s.key = key
	s.resp = http1.NewResponseParser("GET", http1.WithMaxHeaderBytes(MaxHandshakeHeadersSize))
	conn, err := transport.Dial(r, addr, s.handle, s.cfg.transport...)
	if err != nil {
		return nil, err
	}
	s.bind(conn)
	s.upgrade = NewUpgradeRequest(target, host, key, s.cfg.header)
	return s, nil
}

func (s *Session) bind(conn *transport.Conn) {
	s.conn = conn
	s.logger = s.logger.With(zap.String("conn", conn.ID()))
	conn.SetHandler(s.handle)
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// Conn returns the underlying connection.
func (s *Session) Conn() *transport.Conn { return s.conn }

// Role returns the endpoint role.
func (s *Session) Role() Role { return s.role }

// State returns the lifecycle stage.
func (s *Session) State() SessionState { return s.state }

// LastPong returns when the last pong arrived, or the zero time.
func (s *Session) LastPong() time.Time { return s.lastPong }

// SetMessageHandler replaces the message handler.
func (s *Session) SetMessageHandler(h MessageHandler) { s.onMessage = h }

// SendMessage sends text as a single text frame.
func (s *Session) SendMessage(text string) error {
	return s.send(OpcodeText, []byte(text))
}

// SendBinary sends p as a single binary frame.
func (s *Session) SendBinary(p []byte) error {
	return s.send(OpcodeBinary, p)
}

// Send encodes v as JSON and sends it as a text message.
func (s *Session) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ws: encode message: %w", err)
	}
	return s.send(OpcodeText, b)
}

func (s *Session) send(op byte, p []byte) error {
	if s.state != SessionOpen {
		return api.NewError(api.KindPeerClosed, "ws.send", ErrNotOpen).WithContext("state", s.state.String())
	}
	return s.writeFrame(op, p)
}

// Ping sends a ping frame and restarts the periodic ping timer.
func (s *Session) Ping(payload []byte) error {
	if err := s.send(OpcodePing, payload); err != nil {
		return err
	}
	s.armPing()
	return nil
}

// Close starts the closing handshake with code and reason. The connection
// is dropped when the peer answers or after the close timeout. Closing a
// session whose handshake has not finished drops the connection at once.
func (s *Session) Close(code int, reason string) error {
	switch {
	case s.state == SessionClosed, s.closeSent:
		return nil
	case s.state == SessionConnecting:
		s.closeCode, s.closeReason = code, reason
		return s.conn.Close()
	}
	s.closeCode, s.closeReason = code, reason
	return s.sendClose(code, reason)
}

// Stats returns a snapshot of session counters. Safe from any goroutine.
func (s *Session) Stats() map[string]int64 {
	return map[string]int64{
		"bytes_received":  s.bytesReceived.Load(),
		"bytes_sent":      s.bytesSent.Load(),
		"frames_received": s.framesReceived.Load(),
		"frames_sent":     s.framesSent.Load(),
	}
}

func (s *Session) handle(c *transport.Conn, ev transport.Event) {
	switch e := ev.(type) {
	case transport.Connected:
		if s.role == RoleClient {
			if err := c.Write(s.upgrade.Bytes()); err != nil {
				s.abort(err)
			}
		}
	case transport.Data:
		s.bytesReceived.Add(int64(len(e.Bytes)))
		if s.state == SessionConnecting {
			s.handshakeData(e.Bytes)
			return
		}
		s.frames(e.Bytes)
	case transport.Error:
		s.logger.Debug("ws: transport error", zap.Error(e.Err))
		if s.closeCode == 0 {
			s.closeCode, s.closeReason = CloseAbnormalClosure, e.Err.Error()
		}
	case transport.Disconnected:
		s.finish()
	case transport.Message, transport.Wrote, transport.Empty:
	}
}

func (s *Session) handshakeData(b []byte) {
	done, leftover, err := s.resp.Feed(b)
	if err != nil {
		s.abort(err)
		return
	}
	if !done {
		return
	}
	if err := VerifyUpgradeResponse(s.resp.Response(), s.key); err != nil {
		s.abort(err)
		return
	}
	s.resp = nil
	s.open()
	if len(leftover) > 0 && s.state == SessionOpen {
		s.frames(leftover)
	}
}

func (s *Session) abort(err error) {
	s.logger.Debug("ws: handshake failed", zap.Error(err))
	s.closeCode, s.closeReason = CloseAbnormalClosure, err.Error()
	_ = s.conn.Close()
}

func (s *Session) open() {
	s.state = SessionOpen
	s.armPing()
	if s.cfg.onOpen != nil {
		s.cfg.onOpen(s)
	}
}

func (s *Session) armPing() {
	if s.cfg.pingInterval > 0 {
		s.r.AddTimeout(s.ping, s.cfg.pingInterval)
	}
}

func (s *Session) onPingTimer() {
	if s.state != SessionOpen {
		return
	}
	if err := s.Ping(nil); err != nil {
		s.logger.Debug("ws: ping failed", zap.Error(err))
	}
}

func (s *Session) onCloseTimeout() {
	s.logger.Debug("ws: close handshake timed out")
	_ = s.conn.Close()
}

// frames appends b to the inbound buffer and handles every complete frame.
func (s *Session) frames(b []byte) {
	s.in = append(s.in, b...)
	off := 0
	for s.state == SessionOpen || s.state == SessionClosing {
		f, n, err := DecodeFrame(s.in[off:], s.cfg.maxFramePayload)
		if err != nil {
			code := CloseProtocolError
			if errors.Is(err, ErrFrameTooLarge) {
				code = CloseMessageTooBig
			}
			s.fail(code, err)
			break
		}
		if f == nil {
			break
		}
		off += n
		s.framesReceived.Add(1)
		if f.Masked != (s.role == RoleServer) {
			s.fail(CloseProtocolError, frameError(ErrMaskMismatch))
			break
		}
		s.frame(f)
	}
	if s.state == SessionClosed {
		s.in = nil
		return
	}
	s.in = append(s.in[:0], s.in[off:]...)
}

func (s *Session) frame(f *Frame) {
	switch f.Opcode {
	case OpcodePing:
		if !s.closeSent {
			if err := s.writeFrame(OpcodePong, f.Payload); err != nil {
				s.logger.Debug("ws: pong failed", zap.Error(err))
			}
		}
	case OpcodePong:
		s.lastPong = s.r.Now()
	case OpcodeClose:
		s.peerClose(f.Payload)
	case OpcodeText, OpcodeBinary:
		if s.fragmenting {
			s.fail(CloseProtocolError, frameError(ErrUnexpectedFrame))
			return
		}
		if f.Fin {
			s.deliver(f.Opcode, f.Payload)
			return
		}
		s.fragmenting = true
		s.fragOp = f.Opcode
		s.frag = append(s.frag[:0], f.Payload...)
	case OpcodeContinuation:
		if !s.fragmenting {
			s.fail(CloseProtocolError, frameError(ErrOrphanFragment))
			return
		}
		if len(s.frag)+len(f.Payload) > s.cfg.maxMessageSize {
			s.fail(CloseMessageTooBig, frameError(ErrMessageTooLarge))
			return
		}
		s.frag = append(s.frag, f.Payload...)
		if f.Fin {
			msg := s.frag
			s.frag = nil
			s.fragmenting = false
			s.deliver(s.fragOp, msg)
		}
	}
}

func (s *Session) deliver(op byte, p []byte) {
	if op == OpcodeText && !utf8.Valid(p) {
		s.fail(CloseInvalidPayloadData, frameError(ErrInvalidUTF8))
		return
	}
	if s.state != SessionOpen || s.onMessage == nil {
		return
	}
	s.onMessage(s, Message{Binary: op == OpcodeBinary, Data: p})
}

// peerClose answers a close frame. The echo carries the peer's status
// code; the connection closes once it is flushed.
func (s *Session) peerClose(payload []byte) {
	code, reason, err := ParseClosePayload(payload)
	if err != nil {
		s.fail(CloseProtocolError, err)
		return
	}
	if !s.closeSent {
		s.closeCode, s.closeReason = code, reason
		if err := s.sendClose(code, ""); err != nil {
			s.logger.Debug("ws: close echo failed", zap.Error(err))
		}
	}
	s.conn.CloseWhenFlushed()
}

func (s *Session) sendClose(code int, reason string) error {
	err := s.writeFrame(OpcodeClose, ClosePayload(code, reason))
	s.closeSent = true
	s.state = SessionClosing
	s.r.RemoveTimeout(s.ping)
	if s.cfg.closeTimeout > 0 {
		s.r.AddTimeout(s.closer, s.cfg.closeTimeout)
	}
	return err
}

// fail reports a protocol violation to the peer and drops the connection.
func (s *Session) fail(code int, err error) {
	s.logger.Debug("ws: protocol error", zap.Int("code", code), zap.Error(err))
	if !s.closeSent {
		s.closeCode, s.closeReason = code, err.Error()
		_ = s.sendClose(code, "")
	}
	s.conn.CloseWhenFlushed()
}

func (s *Session) writeFrame(op byte, p []byte) error {
	if s.closeSent {
		return api.NewError(api.KindPeerClosed, "ws.write", ErrNotOpen)
	}
	buf, err := AppendFrame(nil, true, op, p, s.role == RoleClient)
	if err != nil {
		return err
	}
	if err := s.conn.Write(buf); err != nil {
		return err
	}
	s.bytesSent.Add(int64(len(buf)))
	s.framesSent.Add(1)
	return nil
}

func (s *Session) finish() {
	if s.state == SessionClosed {
		return
	}
	s.state = SessionClosed
	s.r.RemoveTimeout(s.ping)
	s.r.RemoveTimeout(s.closer)
	code := s.closeCode
	if code == 0 {
		code = CloseAbnormalClosure
	}
	s.logger.Debug("ws: session closed", zap.Int("code", code), zap.String("reason", s.closeReason))
	if s.cfg.onClose != nil {
		s.cfg.onClose(s, code, s.closeReason)
	}
}
