// File: transport/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection state machine: connect, optional layer handshake, buffered
// writes and the read path.

package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/reactor"
)

// State is the lifecycle stage of a Conn.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Conn is one non-blocking stream connection registered with a Reactor.
// All methods must be called on the loop goroutine.
type Conn struct {
	id      string
	r       *reactor.Reactor
	sock    Socket
	layer   Layer
	handler Handler
	cfg     config
	logger  *zap.Logger

	state   State
	out     *queue.Queue // []byte chunks, head partially written up to headOff
	headOff int
	queued  int

	watchRead    bool
	watchWrite   bool
	flushPending bool // layer holds output it could not flush yet
	lingering    bool // CloseWhenFlushed called before the conn opened
	retry        *reactor.Timer
	lineBuf      []byte
}

func newConn(r *reactor.Reactor, sock Socket, h Handler, cfg config) *Conn {
	c := &Conn{
		id:      uuid.NewString(),
		r:       r,
		sock:    sock,
		handler: h,
		cfg:     cfg,
		out:     queue.New(),
		layer:   cfg.layer,
	}
	c.logger = cfg.logger.With(zap.String("conn", c.id), zap.Int("fd", sock.Fd()))
	c.retry = reactor.NewTimer("conn retry "+c.id, c.rearm)
	r.Own(sock.Fd(), sock.Close)
	return c
}

// Connect adopts sock, whose non-blocking connect is in flight. The
// outcome is reported as Connected, or as Error followed by Disconnected.
func Connect(r *reactor.Reactor, sock Socket, h Handler, opts ...Option) (*Conn, error) {
	c := newConn(r, sock, h, newConfig(opts))
	c.state = StateConnecting
	if err := c.watch(false, true); err != nil {
		r.Disown(sock.Fd())
		_ = sock.Close()
		return nil, err
	}
	return c, nil
}

// Attach adopts an already connected sock. Connected (or the first
// handshake step) runs before Attach returns.
func Attach(r *reactor.Reactor, sock Socket, h Handler, opts ...Option) (*Conn, error) {
	return attach(r, sock, h, newConfig(opts))
}

func attach(r *reactor.Reactor, sock Socket, h Handler, cfg config) (*Conn, error) {
	c := newConn(r, sock, h, cfg)
	c.state = StateConnecting
	if err := c.established(); err != nil {
		c.fail(err)
		return nil, err
	}
	return c, nil
}

// ID returns the connection id used in logs.
func (c *Conn) ID() string { return c.id }

// Fd returns the underlying descriptor.
func (c *Conn) Fd() int { return c.sock.Fd() }

// State returns the lifecycle stage.
func (c *Conn) State() State { return c.state }

// Reactor returns the loop the connection is registered with.
func (c *Conn) Reactor() *reactor.Reactor { return c.r }

// Logger returns the connection-scoped logger.
func (c *Conn) Logger() *zap.Logger { return c.logger }

// Buffered returns the number of queued bytes not yet handed to the socket.
func (c *Conn) Buffered() int { return c.queued }

// SetHandler replaces the event handler. Protocol upgrades use it to hand
// the connection to a different layer.
func (c *Conn) SetHandler(h Handler) { c.handler = h }

// Write queues a copy of p. Bytes drain in order as the descriptor becomes
// writable.
func (c *Conn) Write(p []byte) error {
	if c.state == StateClosing || c.state == StateClosed {
		return api.NewError(api.KindPeerClosed, "transport.Write", api.ErrClosed).WithContext("conn", c.id)
	}
	if len(p) == 0 {
		return nil
	}
	c.out.Add(append([]byte(nil), p...))
	c.queued += len(p)
	if c.state == StateOpen && !c.watchWrite && !c.r.IsScheduled(c.retry) {
		return c.watch(c.watchRead, true)
	}
	return nil
}

// WriteString queues s.
func (c *Conn) WriteString(s string) error { return c.Write([]byte(s)) }

// Close tears the connection down immediately. Queued bytes are dropped.
// Calling Close more than once has no effect.
func (c *Conn) Close() error {
	c.teardown(nil)
	return nil
}

// CloseWhenFlushed stops accepting writes and closes once the queue drains.
func (c *Conn) CloseWhenFlushed() {
	switch c.state {
	case StateClosing, StateClosed:
	case StateOpen:
		if c.out.Length() == 0 && !c.flushPending {
			c.teardown(nil)
			return
		}
		c.state = StateClosing
	default:
		c.lingering = true
	}
}

func (c *Conn) emit(ev Event) {
	if c.handler != nil {
		c.handler(c, ev)
	}
}

// watch brings the registered interest in line with read and write.
func (c *Conn) watch(read, write bool) error {
	fd := c.sock.Fd()
	if read != c.watchRead {
		if read {
			if err := c.r.AddReadable(fd, c.onReadable); err != nil {
				return err
			}
		} else {
			c.r.RemoveReadable(fd)
		}
		c.watchRead = read
	}
	if write != c.watchWrite {
		if write {
			if err := c.r.AddWritable(fd, c.onWritable); err != nil {
				return err
			}
		} else {
			c.r.RemoveWritable(fd)
		}
		c.watchWrite = write
	}
	return nil
}

func (c *Conn) wantsWrite() bool {
	return c.out.Length() > 0 || c.flushPending
}

func (c *Conn) onReadable() {
	switch c.state {
	case StateConnecting:
		c.finishConnect()
	case StateHandshaking:
		c.handshake()
	case StateOpen, StateClosing:
		c.fill()
	}
}

func (c *Conn) onWritable() {
	switch c.state {
	case StateConnecting:
		c.finishConnect()
	case StateHandshaking:
		c.handshake()
	case StateOpen, StateClosing:
		c.drain()
	}
}

func (c *Conn) finishConnect() {
	if err := c.sock.ConnectErr(); err != nil {
		c.fail(fmt.Errorf("transport: connect: %w", err))
		return
	}
	if err := c.established(); err != nil {
		c.fail(err)
	}
}

func (c *Conn) established() error {
	if c.layer == nil && c.cfg.layerFactory != nil {
		l, err := c.cfg.layerFactory(c.sock)
		if err != nil {
			return fmt.Errorf("transport: layer: %w", err)
		}
		c.layer = l
	}
	if c.layer != nil {
		c.state = StateHandshaking
		c.handshake()
		return nil
	}
	return c.open()
}

func (c *Conn) handshake() {
	err := c.layer.Handshake()
	switch {
	case err == nil:
		if err := c.open(); err != nil {
			c.fail(err)
		}
	case errors.Is(err, ErrWantRead):
		c.rewatch(true, false)
	case errors.Is(err, ErrWantWrite):
		c.rewatch(false, true)
	default:
		c.fail(fmt.Errorf("transport: handshake: %w", err))
	}
}

func (c *Conn) open() error {
	c.state = StateOpen
	c.cfg.observer.Opened()
	c.emit(Connected{})
	if c.state == StateClosed {
		return nil
	}
	if err := c.watch(true, c.wantsWrite()); err != nil {
		return err
	}
	// The last handshake flight may have carried application records.
	c.drainLayer()
	if c.lingering && c.state != StateClosed {
		c.lingering = false
		c.CloseWhenFlushed()
	}
	return nil
}

func (c *Conn) rewatch(read, write bool) {
	if err := c.watch(read, write); err != nil {
		c.fail(err)
	}
}

// suspend drops all interest after the layer failed to make progress and
// restores it after the retry delay.
func (c *Conn) suspend() {
	c.rewatch(false, false)
	c.r.AddTimeout(c.retry, c.cfg.retryDelay)
}

func (c *Conn) rearm() {
	if c.state != StateOpen && c.state != StateClosing {
		return
	}
	c.rewatch(true, c.wantsWrite())
	c.drainLayer()
}

// drainLayer delivers plaintext the layer already holds. The socket may be
// empty, so running dry leaves interest as it is.
func (c *Conn) drainLayer() {
	if c.layer == nil || (c.state != StateOpen && c.state != StateClosing) {
		return
	}
	buf := c.cfg.pool.GetBuffer()
	defer c.cfg.pool.PutBuffer(buf)
	c.fillSecure(*buf, false)
}

func (c *Conn) fill() {
	buf := c.cfg.pool.GetBuffer()
	defer c.cfg.pool.PutBuffer(buf)
	if c.layer != nil {
		c.fillSecure(*buf, true)
		return
	}
	n, err := c.sock.Read(*buf)
	switch {
	case errors.Is(err, api.ErrWouldBlock):
		return
	case errors.Is(err, io.EOF), err == nil && n == 0:
		c.teardown(nil)
		return
	case err != nil:
		c.fail(err)
		return
	}
	c.deliver((*buf)[:n])
	if c.state != StateClosed && c.sock.PeerClosed() {
		c.teardown(nil)
	}
}

// fillSecure reads until the layer runs dry. Only a ready descriptor that
// yields no plaintext at all suspends interest.
func (c *Conn) fillSecure(buf []byte, ready bool) {
	progress := false
	for c.state == StateOpen || c.state == StateClosing {
		n, err := c.layer.Read(buf)
		if n > 0 {
			progress = true
			c.deliver(buf[:n])
		}
		switch {
		case err == nil:
			if n == 0 {
				return
			}
		case errors.Is(err, ErrWantRead), errors.Is(err, ErrWantWrite):
			if errors.Is(err, ErrWantWrite) {
				c.flushPending = true
			}
			if c.state == StateClosed {
				return
			}
			if !progress && ready {
				c.suspend()
			} else if c.flushPending {
				c.rewatch(c.watchRead, true)
			}
			return
		case errors.Is(err, io.EOF):
			c.teardown(nil)
			return
		default:
			c.fail(err)
			return
		}
	}
}

func (c *Conn) deliver(p []byte) {
	data := append([]byte(nil), p...)
	c.cfg.observer.BytesRead(len(data))
	c.emit(Data{Bytes: data})
	if c.cfg.delim == nil {
		return
	}
	c.lineBuf = append(c.lineBuf, data...)
	for c.state != StateClosed {
		i := bytes.Index(c.lineBuf, c.cfg.delim)
		if i < 0 {
			return
		}
		line := append([]byte(nil), c.lineBuf[:i]...)
		c.lineBuf = c.lineBuf[i+len(c.cfg.delim):]
		c.emit(Message{Line: line})
	}
}

func (c *Conn) head() []byte {
	return c.out.Peek().([]byte)[c.headOff:]
}

func (c *Conn) advance(n int) {
	c.headOff += n
	c.queued -= n
	if c.headOff == len(c.out.Peek().([]byte)) {
		c.out.Remove()
		c.headOff = 0
	}
}

// drain writes at most one queued chunk per writability event.
func (c *Conn) drain() {
	if c.layer != nil {
		c.drainSecure()
		return
	}
	if c.out.Length() == 0 {
		c.rewatch(c.watchRead, false)
		return
	}
	n, err := c.sock.Write(c.head())
	if errors.Is(err, api.ErrWouldBlock) {
		return
	}
	if err != nil {
		c.fail(err)
		return
	}
	c.advance(n)
	c.wrote(n)
}

func (c *Conn) drainSecure() {
	if c.flushPending {
		if err := c.layer.Flush(); err != nil {
			if !errors.Is(err, ErrWantWrite) {
				c.fail(err)
			}
			return
		}
		c.flushPending = false
	}
	n := 0
	if c.out.Length() > 0 {
		var err error
		n, err = c.layer.Write(c.head())
		if n > 0 {
			c.advance(n)
		}
		switch {
		case err == nil:
		case errors.Is(err, ErrWantRead), errors.Is(err, ErrWantWrite):
			if n == 0 {
				c.suspend()
				return
			}
		default:
			c.fail(err)
			return
		}
		if err := c.layer.Flush(); err != nil {
			if !errors.Is(err, ErrWantWrite) {
				c.fail(err)
				return
			}
			c.flushPending = true
		}
	}
	c.wrote(n)
}

func (c *Conn) wrote(n int) {
	if n > 0 {
		c.cfg.observer.BytesWritten(n)
		c.emit(Wrote{N: n})
	}
	if c.state == StateClosed || c.wantsWrite() {
		return
	}
	c.rewatch(c.watchRead, false)
	c.emit(Empty{})
	if c.state == StateClosing {
		c.teardown(nil)
	}
}

func (c *Conn) fail(err error) {
	if c.state == StateClosed {
		return
	}
	c.logger.Debug("transport: connection failed", zap.Stringer("state", c.state), zap.Error(err))
	c.emit(Error{Err: err, Stack: debug.Stack()})
	c.teardown(err)
}

// teardown unregisters interest, closes the descriptor and emits
// Disconnected exactly once.
func (c *Conn) teardown(err error) {
	if c.state == StateClosed {
		return
	}
	wasOpen := c.state == StateOpen || c.state == StateClosing
	c.state = StateClosed
	_ = c.watch(false, false)
	c.r.RemoveTimeout(c.retry)
	if c.layer != nil {
		if lerr := c.layer.Close(); lerr != nil {
			c.logger.Debug("transport: layer close", zap.Error(lerr))
		}
	}
	c.r.Disown(c.sock.Fd())
	if cerr := c.sock.Close(); cerr != nil {
		c.logger.Debug("transport: socket close", zap.Error(cerr))
	}
	if wasOpen {
		c.cfg.observer.Closed()
	}
	c.emit(Disconnected{Err: err})
}
