// File: db/pgwire/conn.go
// Package pgwire is a non-blocking PostgreSQL protocol v3 driver for the
// db pipeline.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Messages are framed by pgproto3. The socket is never read or written
// outside the readiness callbacks the db.Client forwards: encoded output
// is buffered until Flush, and Consume decodes whatever has arrived,
// keeping partial messages for the next call. Every request ends with a
// ReadyForQuery, which is what ties results back to requests.

package pgwire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/eapache/queue"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/db"
	"github.com/momentics/hioload-reactor/transport"
)

// Driver errors.
var (
	ErrNotReady        = errors.New("pgwire: connection not ready")
	ErrAuthUnsupported = errors.New("pgwire: unsupported authentication method")
	ErrUnexpected      = errors.New("pgwire: unexpected message")
)

// Config names the server and the session to open.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	ApplicationName string
}

type state int

const (
	stateConnecting state = iota
	stateStartup
	stateReady
	stateClosed
)

// call is one sent request awaiting its ReadyForQuery.
type call struct {
	kind     db.Kind
	res      *db.Result
	finished bool // res holds a completed statement
	err      error
}

// fresh returns the result the next statement writes into. A multi
// statement Exec keeps only the last statement's result.
func (c *call) fresh() *db.Result {
	if c.finished {
		c.res = &db.Result{}
		c.finished = false
	}
	return c.res
}

// Conn is one PostgreSQL session. It implements db.Driver.
type Conn struct {
	sock   transport.Socket
	cfg    Config
	fe     *pgproto3.Frontend
	out    []byte
	state  state
	calls  *queue.Queue
	scram  *scramClient
	logger *zap.Logger

	params map[string]string
	pid    uint32
}

// Option customizes a Conn.
type Option func(*Conn)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// Dial resolves cfg.Host, starts a non-blocking connect and buffers the
// startup message. Name resolution blocks; call Dial before the loop runs
// or from another goroutine, or pass an IP literal.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Conn, error) {
	addr, err := resolve(ctx, cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}
	sock, err := transport.DialSocket(addr)
	if err != nil {
		return nil, fmt.Errorf("pgwire: dial %s: %w", addr, err)
	}
	return New(sock, cfg, opts...), nil
}

func resolve(ctx context.Context, host string, port int) (netip.AddrPort, error) {
	if port == 0 {
		port = 5432
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("pgwire: resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return netip.AddrPortFrom(a.Unmap(), uint16(port)), nil
		}
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("pgwire: resolve %s: no addresses", host)
	}
	return netip.AddrPortFrom(addrs[0], uint16(port)), nil
}

// New wraps a connecting or connected socket. The startup message is
// buffered right away.
func New(sock transport.Socket, cfg Config, opts ...Option) *Conn {
	c := &Conn{
		sock:   sock,
		cfg:    cfg,
		calls:  queue.New(),
		logger: zap.NewNop(),
		params: make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	c.fe = pgproto3.NewFrontend(source{sock}, sink{c})
	params := map[string]string{"user": cfg.User}
	if cfg.Database != "" {
		params["database"] = cfg.Database
	}
	if cfg.ApplicationName != "" {
		params["application_name"] = cfg.ApplicationName
	}
	c.fe.Send(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: params})
	_ = c.fe.Flush()
	return c
}

// source adapts the socket for pgproto3; would-block surfaces unchanged.
type source struct{ sock transport.Socket }

func (s source) Read(p []byte) (int, error) {
	n, err := s.sock.Read(p)
	if n == 0 && err == nil {
		return 0, api.ErrWouldBlock
	}
	return n, err
}

// sink collects encoded frontend messages for Flush.
type sink struct{ c *Conn }

func (s sink) Write(p []byte) (int, error) {
	s.c.out = append(s.c.out, p...)
	return len(p), nil
}

// Fd implements db.Driver.
func (c *Conn) Fd() int { return c.sock.Fd() }

// Accepting implements db.Driver.
func (c *Conn) Accepting() bool { return c.state == stateReady }

// Busy implements db.Driver.
func (c *Conn) Busy() bool {
	return c.state == stateConnecting || c.state == stateStartup || c.calls.Length() > 0
}

// Pending implements db.Driver.
func (c *Conn) Pending() bool { return len(c.out) > 0 }

// ServerParam returns a parameter the server reported at startup.
func (c *Conn) ServerParam(name string) string { return c.params[name] }

// BackendPID returns the server process id of the session.
func (c *Conn) BackendPID() uint32 { return c.pid }

// Send implements db.Driver. The request's messages are encoded as a
// unit; an encoding failure leaves the output buffer untouched.
func (c *Conn) Send(req db.Request) error {
	if c.state != stateReady {
		return ErrNotReady
	}
	switch req.Kind {
	case db.KindExec:
		c.fe.SendQuery(&pgproto3.Query{String: req.SQL})
	case db.KindExecParams, db.KindExecPrepared:
		params, err := encodeParams(req.Params)
		if err != nil {
			return err
		}
		stmt := req.Name
		if req.Kind == db.KindExecParams {
			stmt = ""
			c.fe.SendParse(&pgproto3.Parse{Query: req.SQL})
		}
		c.fe.SendBind(&pgproto3.Bind{PreparedStatement: stmt, Parameters: params})
		c.fe.SendDescribe(&pgproto3.Describe{ObjectType: 'P'})
		c.fe.SendExecute(&pgproto3.Execute{})
		c.fe.SendSync(&pgproto3.Sync{})
	case db.KindPrepare:
		c.fe.SendParse(&pgproto3.Parse{Name: req.Name, Query: req.SQL})
		c.fe.SendDescribe(&pgproto3.Describe{ObjectType: 'S', Name: req.Name})
		c.fe.SendSync(&pgproto3.Sync{})
	default:
		return fmt.Errorf("pgwire: unknown request kind %s", req.Kind)
	}
	if err := c.fe.Flush(); err != nil {
		return fmt.Errorf("pgwire: encode %s: %w", req.Kind, err)
	}
	c.calls.Add(&call{kind: req.Kind, res: &db.Result{}})
	return nil
}

// Flush implements db.Driver. The first call also completes the connect.
func (c *Conn) Flush() (bool, error) {
	if c.state == stateConnecting {
		if err := c.sock.ConnectErr(); err != nil {
			return false, fmt.Errorf("pgwire: connect: %w", err)
		}
		c.state = stateStartup
	}
	for len(c.out) > 0 {
		n, err := c.sock.Write(c.out)
		c.out = c.out[n:]
		if errors.Is(err, api.ErrWouldBlock) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("pgwire: write: %w", err)
		}
	}
	c.out = nil
	return true, nil
}

// Consume implements db.Driver.
func (c *Conn) Consume() ([]db.Outcome, error) {
	var outs []db.Outcome
	for c.state != stateClosed {
		msg, err := c.fe.Receive()
		if errors.Is(err, api.ErrWouldBlock) {
			break
		}
		if err != nil {
			return outs, fmt.Errorf("pgwire: receive: %w", err)
		}
		out, done, err := c.handle(msg)
		if err != nil {
			return outs, err
		}
		if done {
			outs = append(outs, out)
		}
	}
	return outs, nil
}

func (c *Conn) handle(msg pgproto3.BackendMessage) (db.Outcome, bool, error) {
	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk:
		c.logger.Debug("pgwire: authenticated", zap.String("user", c.cfg.User))
	case *pgproto3.AuthenticationCleartextPassword:
		c.reply(&pgproto3.PasswordMessage{Password: c.cfg.Password})
	case *pgproto3.AuthenticationMD5Password:
		c.reply(&pgproto3.PasswordMessage{Password: md5Password(c.cfg.User, c.cfg.Password, m.Salt)})
	case *pgproto3.AuthenticationSASL:
		if !contains(m.AuthMechanisms, scramMechanism) {
			return db.Outcome{}, false, fmt.Errorf("%w: %s", ErrAuthUnsupported, strings.Join(m.AuthMechanisms, ","))
		}
		s, err := newScramClient(c.cfg.Password)
		if err != nil {
			return db.Outcome{}, false, err
		}
		c.scram = s
		c.reply(&pgproto3.SASLInitialResponse{AuthMechanism: scramMechanism, Data: s.clientFirst()})
	case *pgproto3.AuthenticationSASLContinue:
		if c.scram == nil {
			return db.Outcome{}, false, fmt.Errorf("%w: SASL continue without SASL", ErrUnexpected)
		}
		final, err := c.scram.clientFinal(m.Data)
		if err != nil {
			return db.Outcome{}, false, err
		}
		c.reply(&pgproto3.SASLResponse{Data: final})
	case *pgproto3.AuthenticationSASLFinal:
		if c.scram == nil {
			return db.Outcome{}, false, fmt.Errorf("%w: SASL final without SASL", ErrUnexpected)
		}
		if err := c.scram.verify(m.Data); err != nil {
			return db.Outcome{}, false, err
		}
	case *pgproto3.AuthenticationGSS, *pgproto3.AuthenticationGSSContinue:
		return db.Outcome{}, false, fmt.Errorf("%w: GSS", ErrAuthUnsupported)
	case *pgproto3.BackendKeyData:
		c.pid = m.ProcessID
	case *pgproto3.ParameterStatus:
		c.params[m.Name] = m.Value
	case *pgproto3.NoticeResponse:
		c.logger.Debug("pgwire: notice", zap.String("severity", m.Severity), zap.String("message", m.Message))
	case *pgproto3.NotificationResponse:
		c.logger.Debug("pgwire: notification", zap.String("channel", m.Channel), zap.String("payload", m.Payload))
	case *pgproto3.ErrorResponse:
		serr := &db.SQLError{Severity: m.Severity, Code: m.Code, Message: m.Message, Detail: m.Detail}
		cur := c.current()
		if c.state != stateReady || cur == nil || m.Severity == "FATAL" || m.Severity == "PANIC" {
			return db.Outcome{}, false, serr
		}
		if cur.err == nil {
			cur.err = serr
		}
	case *pgproto3.ReadyForQuery:
		if c.state != stateReady {
			c.state = stateReady
			c.scram = nil
			c.logger.Debug("pgwire: session ready", zap.Uint32("pid", c.pid))
			return db.Outcome{}, false, nil
		}
		if c.calls.Length() == 0 {
			return db.Outcome{}, false, fmt.Errorf("%w: ReadyForQuery with nothing in flight", ErrUnexpected)
		}
		cur := c.calls.Remove().(*call)
		if cur.err != nil {
			return db.Outcome{Err: cur.err}, true, nil
		}
		if cur.kind == db.KindPrepare && cur.res.Tag == "" {
			cur.res.Tag = "PREPARE"
		}
		return db.Outcome{Result: cur.res}, true, nil
	case *pgproto3.RowDescription:
		cur, err := c.inFlight(msg)
		if err != nil {
			return db.Outcome{}, false, err
		}
		res := cur.fresh()
		res.Columns = res.Columns[:0]
		for _, f := range m.Fields {
			res.Columns = append(res.Columns, string(f.Name))
		}
	case *pgproto3.DataRow:
		cur, err := c.inFlight(msg)
		if err != nil {
			return db.Outcome{}, false, err
		}
		row := make([][]byte, len(m.Values))
		for i, v := range m.Values {
			if v != nil {
				row[i] = append([]byte{}, v...)
			}
		}
		res := cur.fresh()
		res.Rows = append(res.Rows, row)
	case *pgproto3.CommandComplete:
		cur, err := c.inFlight(msg)
		if err != nil {
			return db.Outcome{}, false, err
		}
		res := cur.fresh()
		res.Tag = string(m.CommandTag)
		res.RowsAffected = rowsAffected(res.Tag)
		cur.finished = true
	case *pgproto3.EmptyQueryResponse, *pgproto3.ParseComplete, *pgproto3.BindComplete,
		*pgproto3.CloseComplete, *pgproto3.NoData, *pgproto3.ParameterDescription:
	default:
		return db.Outcome{}, false, fmt.Errorf("%w: %T", ErrUnexpected, msg)
	}
	return db.Outcome{}, false, nil
}

func (c *Conn) current() *call {
	if c.calls.Length() == 0 {
		return nil
	}
	return c.calls.Peek().(*call)
}

func (c *Conn) inFlight(msg pgproto3.BackendMessage) (*call, error) {
	cur := c.current()
	if cur == nil {
		return nil, fmt.Errorf("%w: %T with nothing in flight", ErrUnexpected, msg)
	}
	return cur, nil
}

// reply buffers an authentication response for the next Flush.
func (c *Conn) reply(msg pgproto3.FrontendMessage) {
	c.fe.Send(msg)
	_ = c.fe.Flush()
}

// Close implements db.Driver. A ready session is told to terminate on a
// best-effort basis.
func (c *Conn) Close() error {
	if c.state == stateClosed {
		return nil
	}
	if c.state == stateReady {
		c.fe.Send(&pgproto3.Terminate{})
		_ = c.fe.Flush()
		_, _ = c.Flush()
	}
	c.state = stateClosed
	return c.sock.Close()
}

// rowsAffected reads the trailing count of a command tag.
func rowsAffected(tag string) int64 {
	i := strings.LastIndexByte(tag, ' ')
	if i < 0 {
		return 0
	}
	n, err := strconv.ParseInt(tag[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ db.Driver = (*Conn)(nil)
