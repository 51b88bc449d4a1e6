//go:build linux

package client_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-reactor/client"
	"github.com/momentics/hioload-reactor/protocol/http1"
	"github.com/momentics/hioload-reactor/reactor"
)

func newReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(reactor.WithStallWindow(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func runUntil(t *testing.T, r *reactor.Reactor, done func() bool) {
	t.Helper()
	deadline := r.After(5*time.Second, "test deadline", func() {})
	defer r.RemoveTimeout(deadline)
	for !done() {
		require.NoError(t, r.RunOnce())
		require.True(t, r.IsScheduled(deadline), "timed out")
	}
}

type outcome struct {
	resp  *http1.Response
	err   error
	calls int
}

func (o *outcome) cb(resp *http1.Response, err error) {
	o.resp, o.err = resp, err
	o.calls++
}

func echoServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		w.Header().Set("X-Method", req.Method)
		w.Header().Set("X-Agent", req.Header.Get("User-Agent"))
		switch req.URL.Path {
		case "/chunked":
			fl := w.(http.Flusher)
			for _, part := range []string{"hello", " ", "world"} {
				_, _ = io.WriteString(w, part)
				fl.Flush()
			}
		default:
			fmt.Fprintf(w, "%s %s?%s token=%s body=%s", req.Method, req.URL.Path, req.URL.RawQuery, req.Header.Get("X-Token"), body)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTP_GetWithQueryAndHeaders(t *testing.T) {
	r := newReactor(t)
	srv := echoServer(t)
	c := client.New(r, nil)

	var o outcome
	c.Get(srv.URL+"/items?a=1", client.Options{
		Headers: map[string]string{"X-Token": "secret"},
		Query:   map[string]string{"b": "two words"},
	}, o.cb)
	runUntil(t, r, func() bool { return o.calls > 0 })

	require.NoError(t, o.err)
	assert.Equal(t, 200, o.resp.StatusCode)
	assert.Equal(t, "GET /items?a=1&b=two+words token=secret body=", string(o.resp.Body))
	assert.Equal(t, http1.DefaultUserAgent, o.resp.Header.Get("X-Agent"))
	assert.Equal(t, 1, o.calls)
}

func TestHTTP_VerbsCarryBodies(t *testing.T) {
	r := newReactor(t)
	srv := echoServer(t)
	c := client.New(r, nil)

	type call func(string, client.Options, client.Callback) *client.Exchange
	verbs := map[string]call{"POST": c.Post, "PUT": c.Put, "PATCH": c.Patch, "DELETE": c.Delete}
	results := map[string]*outcome{}
	for verb, fn := range verbs {
		o := &outcome{}
		results[verb] = o
		fn(srv.URL+"/v", client.Options{Body: []byte("payload")}, o.cb)
	}
	runUntil(t, r, func() bool {
		for _, o := range results {
			if o.calls == 0 {
				return false
			}
		}
		return true
	})
	for verb, o := range results {
		require.NoError(t, o.err, verb)
		assert.Equal(t, verb+" /v? token= body=payload", string(o.resp.Body))
	}
}

func TestHTTP_ChunkedAndHead(t *testing.T) {
	r := newReactor(t)
	srv := echoServer(t)
	c := client.New(r, nil)

	var chunked, head outcome
	c.Get(srv.URL+"/chunked", client.Options{}, chunked.cb)
	c.Head(srv.URL+"/x", client.Options{}, head.cb)
	runUntil(t, r, func() bool { return chunked.calls > 0 && head.calls > 0 })

	require.NoError(t, chunked.err)
	assert.Equal(t, "hello world", string(chunked.resp.Body))
	require.NoError(t, head.err)
	assert.Equal(t, "HEAD", head.resp.Header.Get("X-Method"))
	assert.Empty(t, head.resp.Body)
}

// rawServer answers every connection with script and closes it when
// hangup is set.
func rawServer(t *testing.T, script string, hangup bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 4096)
				_, _ = conn.Read(buf)
				_, _ = io.WriteString(conn, script)
				if hangup {
					_ = conn.Close()
					return
				}
				time.Sleep(2 * time.Second)
				_ = conn.Close()
			}()
		}
	}()
	return ln.Addr().String()
}

func TestHTTP_CloseDelimitedBody(t *testing.T) {
	r := newReactor(t)
	addr := rawServer(t, "HTTP/1.0 200 OK\r\nConnection: close\r\n\r\nuntil the end", true)
	var o outcome
	client.New(r, nil).Get(addr, client.Options{Version: "1.0"}, o.cb)
	runUntil(t, r, func() bool { return o.calls > 0 })
	require.NoError(t, o.err)
	assert.Equal(t, "until the end", string(o.resp.Body))
}

func TestHTTP_DisconnectBeforeCompletion(t *testing.T) {
	r := newReactor(t)
	addr := rawServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nshort", true)
	var o outcome
	client.New(r, nil).Get("http://"+addr+"/", client.Options{}, o.cb)
	runUntil(t, r, func() bool { return o.calls > 0 })
	assert.Nil(t, o.resp)
	assert.ErrorIs(t, o.err, client.ErrIncomplete)
}

func TestHTTP_Timeout(t *testing.T) {
	r := newReactor(t)
	addr := rawServer(t, "", false)
	var o outcome
	client.New(r, nil).Get(addr, client.Options{Timeout: 50 * time.Millisecond}, o.cb)
	runUntil(t, r, func() bool { return o.calls > 0 })
	assert.Nil(t, o.resp)
	assert.ErrorIs(t, o.err, client.ErrTimeout)
	assert.Equal(t, 1, o.calls)
}

func TestHTTP_ConnectRefused(t *testing.T) {
	r := newReactor(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var o outcome
	client.New(r, nil).Get(addr, client.Options{}, o.cb)
	runUntil(t, r, func() bool { return o.calls > 0 })
	assert.Nil(t, o.resp)
	assert.ErrorIs(t, o.err, client.ErrIncomplete)
}

func TestHTTP_BadURL(t *testing.T) {
	r := newReactor(t)
	var o outcome
	client.New(r, nil).Get("ftp://example.com/file", client.Options{}, o.cb)
	assert.Zero(t, o.calls, "callback must not run before Do returns")
	runUntil(t, r, func() bool { return o.calls > 0 })
	assert.ErrorIs(t, o.err, client.ErrUnsupportedScheme)
}

type staticResolver map[string]netip.Addr

func (s staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if a, ok := s[host]; ok {
		return []netip.Addr{netip.MustParseAddr("::1"), a}, nil
	}
	return nil, errors.New("no such host")
}

func TestHTTP_ResolvesOffLoop(t *testing.T) {
	r := newReactor(t)
	srv := echoServer(t)
	port := srv.Listener.Addr().(*net.TCPAddr).Port
	c := client.New(r, nil, client.WithResolver(staticResolver{"api.internal": netip.MustParseAddr("127.0.0.1")}))

	var ok, missing outcome
	c.Get(fmt.Sprintf("http://api.internal:%d/named", port), client.Options{}, ok.cb)
	c.Get("http://nowhere.internal/", client.Options{}, missing.cb)
	runUntil(t, r, func() bool { return ok.calls > 0 && missing.calls > 0 })

	require.NoError(t, ok.err)
	assert.True(t, strings.HasPrefix(string(ok.resp.Body), "GET /named?"))
	assert.Nil(t, missing.resp)
	assert.ErrorContains(t, missing.err, "no such host")
}

func TestHTTP_HTTPS(t *testing.T) {
	r := newReactor(t)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = io.WriteString(w, "secure "+req.URL.Path)
	}))
	defer srv.Close()
	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())

	var o outcome
	c := client.New(r, nil, client.WithTLSConfig(&tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}))
	c.Get(srv.URL+"/tls", client.Options{}, o.cb)
	runUntil(t, r, func() bool { return o.calls > 0 })
	require.NoError(t, o.err)
	assert.Equal(t, "secure /tls", string(o.resp.Body))
}

func TestHTTP_FetchFromGoroutine(t *testing.T) {
	r := newReactor(t)
	srv := echoServer(t)
	c := client.New(r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- r.Run(ctx) }()

	resp, err := c.Fetch(context.Background(), "GET", srv.URL+"/fetch", client.Options{})
	require.NoError(t, err)
	assert.Equal(t, "GET /fetch? token= body=", string(resp.Body))

	res := <-c.Go("POST", srv.URL+"/go", client.Options{Body: []byte("x")})
	require.NoError(t, res.Err)
	assert.Equal(t, "POST /go? token= body=x", string(res.Response.Body))

	silent := rawServer(t, "", false)
	short, cancelShort := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelShort()
	_, err = c.Fetch(short, "GET", silent, client.Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cancel()
	require.NoError(t, <-stopped)
}
