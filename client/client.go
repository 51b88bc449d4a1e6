// File: client/client.go
// Package client provides an asynchronous HTTP/1.1 client driven by the reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// This client implements:
// - http:// and https:// URLs (a bare host:port means http)
// - Name resolution off the loop goroutine, resumed on the loop via Submit
// - One request per connection; responses delimited by Content-Length,
//   chunked encoding or connection close
// - Per-request timeouts and cancellation
// - Callbacks on the loop goroutine, or Fetch for other goroutines

package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/protocol/http1"
	"github.com/momentics/hioload-reactor/reactor"
	"github.com/momentics/hioload-reactor/transport"
	"github.com/momentics/hioload-reactor/transport/secure"
)

// Request errors.
var (
	ErrTimeout           = errors.New("client: request timed out")
	ErrCanceled          = errors.New("client: request canceled")
	ErrIncomplete        = errors.New("client: connection closed before the response completed")
	ErrUnsupportedScheme = errors.New("client: unsupported URL scheme")
)

// Options are the per-request settings.
type Options struct {
	Headers map[string]string
	Body    []byte
	Query   map[string]string // merged into the URL query
	Version string            // "1.0" or "1.1" (default)
	Timeout time.Duration     // overrides Config.Timeout when > 0
}

// Callback receives the completed response, or a nil response and the
// reason it could not complete. It runs on the loop goroutine exactly once.
type Callback func(resp *http1.Response, err error)

// HTTP issues requests on a reactor. Its request methods must be called
// on the loop goroutine; use Fetch or Go from anywhere else.
type HTTP struct {
	r         *reactor.Reactor
	cfg       *Config
	logger    *zap.Logger
	tlsConfig *tls.Config
	resolver  Resolver
	transport []transport.Option
}

// New returns a client bound to r. A nil cfg means DefaultConfig().
func New(r *reactor.Reactor, cfg *Config, opts ...Option) *HTTP {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &HTTP{
		r:        r,
		cfg:      cfg,
		logger:   zap.NewNop(),
		resolver: net.DefaultResolver,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get issues a GET request.
func (c *HTTP) Get(rawurl string, o Options, cb Callback) *Exchange {
	return c.Do("GET", rawurl, o, cb)
}

// Post issues a POST request.
func (c *HTTP) Post(rawurl string, o Options, cb Callback) *Exchange {
	return c.Do("POST", rawurl, o, cb)
}

// Put issues a PUT request.
func (c *HTTP) Put(rawurl string, o Options, cb Callback) *Exchange {
	return c.Do("PUT", rawurl, o, cb)
}

// Patch issues a PATCH request.
func (c *HTTP) Patch(rawurl string, o Options, cb Callback) *Exchange {
	return c.Do("PATCH", rawurl, o, cb)
}

// Delete issues a DELETE request.
func (c *HTTP) Delete(rawurl string, o Options, cb Callback) *Exchange {
	return c.Do("DELETE", rawurl, o, cb)
}

// Head issues a HEAD request. The response never has a body.
func (c *HTTP) Head(rawurl string, o Options, cb Callback) *Exchange {
	return c.Do("HEAD", rawurl, o, cb)
}

// Do issues a request. cb never runs before Do returns.
func (c *HTTP) Do(method, rawurl string, o Options, cb Callback) *Exchange {
	ex := &Exchange{c: c, method: strings.ToUpper(method), url: rawurl, cb: cb}
	ex.parser = http1.NewResponseParser(ex.method, http1.WithMaxBodyBytes(c.cfg.MaxBodyBytes))

	timeout := c.cfg.Timeout
	if o.Timeout > 0 {
		timeout = o.Timeout
	}
	if timeout > 0 {
		ex.timer = c.r.After(timeout, "http timeout "+rawurl, ex.onTimeout)
	}

	host, port, err := ex.prepare(rawurl, o)
	if err != nil {
		c.r.After(0, "http fail "+rawurl, func() { ex.finish(nil, err) })
		return ex
	}
	if ip, perr := netip.ParseAddr(host); perr == nil {
		c.r.After(0, "http dial "+rawurl, func() { ex.dial(netip.AddrPortFrom(ip.Unmap(), port)) })
		return ex
	}
	go c.resolve(ex, host, port, timeout)
	return ex
}

func (c *HTTP) resolve(ex *Exchange, host string, port uint16, timeout time.Duration) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	addrs, err := c.resolver.LookupNetIP(ctx, "ip", host)
	serr := c.r.Submit(func() {
		if err != nil {
			ex.finish(nil, fmt.Errorf("client: resolve %s: %w", host, err))
			return
		}
		ex.dial(netip.AddrPortFrom(pickAddr(addrs), port))
	})
	if serr != nil {
		c.logger.Debug("client: reactor gone before resolution finished", zap.String("host", host), zap.Error(serr))
	}
}

// pickAddr prefers IPv4.
func pickAddr(addrs []netip.Addr) netip.Addr {
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap()
		}
	}
	if len(addrs) == 0 {
		return netip.Addr{}
	}
	return addrs[0]
}

// Exchange is one in-flight request.
type Exchange struct {
	c      *HTTP
	method string
	url    string
	tls    bool
	host   string
	req    *http1.Request
	parser *http1.Parser
	cb     Callback
	conn   *transport.Conn
	timer  *reactor.Timer
	err    error
	done   bool
}

// prepare parses the URL and builds the request.
func (ex *Exchange) prepare(rawurl string, o Options) (string, uint16, error) {
	if !strings.Contains(rawurl, "://") {
		rawurl = "http://" + rawurl
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", 0, fmt.Errorf("client: parse url: %w", err)
	}
	defPort := "80"
	switch u.Scheme {
	case "http":
	case "https":
		ex.tls = true
		defPort = "443"
	default:
		return "", 0, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}
	ex.host = u.Hostname()
	if ex.host == "" {
		return "", 0, fmt.Errorf("client: url %q has no host", rawurl)
	}
	portStr := u.Port()
	if portStr == "" {
		portStr = defPort
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("client: bad port %q: %w", portStr, err)
	}

	if len(o.Query) > 0 {
		q := u.Query()
		for k, v := range o.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	names := make([]string, 0, len(o.Headers))
	for k := range o.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	var h http1.Header
	for _, k := range names {
		h.Add(k, o.Headers[k])
	}
	if err := h.Validate(); err != nil {
		return "", 0, err
	}
	h.SetDefault("User-Agent", ex.c.cfg.UserAgent)
	ex.req = http1.NewRequest(ex.method, u.RequestURI(), u.Host, h, o.Body, o.Version)
	return ex.host, uint16(port), nil
}

func (ex *Exchange) dial(addr netip.AddrPort) {
	if ex.done {
		return
	}
	c := ex.c
	var err error
	if ex.tls {
		ex.conn, err = secure.Dial(c.r, addr, ex.host, c.tlsConfig, ex.handle, c.transport...)
	} else {
		ex.conn, err = transport.Dial(c.r, addr, ex.handle, c.transport...)
	}
	if err != nil {
		ex.finish(nil, fmt.Errorf("client: dial %s: %w", addr, err))
	}
}

func (ex *Exchange) handle(conn *transport.Conn, ev transport.Event) {
	switch e := ev.(type) {
	case transport.Connected:
		ex.c.logger.Debug("client: request", zap.String("method", ex.method), zap.String("url", ex.url), zap.String("conn", conn.ID()))
		if err := conn.Write(ex.req.Bytes()); err != nil {
			ex.finish(nil, err)
			_ = conn.Close()
		}
	case transport.Data:
		if ex.done {
			return
		}
		done, _, err := ex.parser.Feed(e.Bytes)
		switch {
		case err != nil:
			ex.finish(nil, err)
			_ = conn.Close()
		case done:
			ex.finish(ex.parser.Response(), nil)
			_ = conn.Close()
		}
	case transport.Error:
		ex.err = e.Err
	case transport.Disconnected:
		if ex.done {
			return
		}
		if ex.parser.HeadersDone() {
			if ok, _ := ex.parser.Finish(); ok {
				ex.finish(ex.parser.Response(), nil)
				return
			}
		}
		err := ErrIncomplete
		if ex.err != nil {
			err = fmt.Errorf("%w: %w", ErrIncomplete, ex.err)
		}
		ex.finish(nil, err)
	case transport.Message, transport.Wrote, transport.Empty:
	}
}

func (ex *Exchange) onTimeout() {
	ex.abort(ErrTimeout)
}

// Cancel abandons the request; the callback receives ErrCanceled unless
// it already ran.
func (ex *Exchange) Cancel() {
	ex.abort(ErrCanceled)
}

func (ex *Exchange) abort(err error) {
	if ex.done {
		return
	}
	ex.finish(nil, err)
	if ex.conn != nil {
		_ = ex.conn.Close()
	}
}

// Done reports whether the callback has run.
func (ex *Exchange) Done() bool { return ex.done }

func (ex *Exchange) finish(resp *http1.Response, err error) {
	if ex.done {
		return
	}
	ex.done = true
	if ex.timer != nil {
		ex.c.r.RemoveTimeout(ex.timer)
	}
	if err != nil {
		ex.c.logger.Debug("client: request failed", zap.String("url", ex.url), zap.Error(err))
	}
	if ex.cb != nil {
		ex.cb(resp, err)
	}
}
