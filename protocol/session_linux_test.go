//go:build linux

package protocol_test

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-reactor/protocol"
	"github.com/momentics/hioload-reactor/reactor"
	"github.com/momentics/hioload-reactor/transport"
)

func runUntil(t *testing.T, r *reactor.Reactor, done func() bool) {
	t.Helper()
	deadline := r.After(5*time.Second, "test deadline", func() {})
	defer r.RemoveTimeout(deadline)
	for !done() {
		require.NoError(t, r.RunOnce())
		require.True(t, r.IsScheduled(deadline), "timed out")
	}
}

// Upgrades raw connections once the request head is buffered.
func upgrader(onMessage protocol.MessageHandler, opts ...protocol.Option) func() transport.Handler {
	return func() transport.Handler {
		var head []byte
		return func(c *transport.Conn, ev transport.Event) {
			d, ok := ev.(transport.Data)
			if !ok {
				return
			}
			head = append(head, d.Bytes...)
			if bytes.Contains(head, []byte("\r\n\r\n")) {
				_, _ = protocol.Accept(c, head, onMessage, opts...)
			}
		}
	}
}

func TestSession_GorillaClientEcho(t *testing.T) {
	r, err := reactor.New(reactor.WithStallWindow(0))
	require.NoError(t, err)
	defer r.Close()

	var closedCode int
	echo := func(s *protocol.Session, m protocol.Message) {
		_ = s.SendMessage(strings.ToUpper(m.Text()))
	}
	ln, err := transport.Listen(r, "127.0.0.1:0", upgrader(echo, protocol.WithCloseHandler(func(_ *protocol.Session, code int, _ string) {
		closedCode = code
	})))
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		reply     string
		closeCode int
		err       error
	}
	results := make(chan result, 1)
	finished := false
	go func() {
		var res result
		defer func() {
			results <- res
			_ = r.Submit(func() { finished = true })
		}()
		ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/echo", nil)
		if err != nil {
			res.err = err
			return
		}
		defer ws.Close()
		if res.err = ws.WriteMessage(websocket.TextMessage, []byte("over the reactor")); res.err != nil {
			return
		}
		_, msg, err := ws.ReadMessage()
		if err != nil {
			res.err = err
			return
		}
		res.reply = string(msg)
		// The default handler answers the echo and fails with ErrCloseSent
		// since this side already sent its close frame.
		ws.SetCloseHandler(func(code int, _ string) error {
			res.closeCode = code
			return nil
		})
		res.err = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		if res.err != nil {
			return
		}
		_, _, err = ws.ReadMessage()
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			res.err = fmt.Errorf("want close error, got %v", err)
		}
	}()

	runUntil(t, r, func() bool { return finished && closedCode != 0 })
	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, "OVER THE REACTOR", res.reply)
	assert.Equal(t, websocket.CloseNormalClosure, res.closeCode)
	assert.Equal(t, protocol.CloseNormalClosure, closedCode)
}

func TestSession_DialGorillaServer(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			kind, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(kind, append([]byte("re: "), msg...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	r, err := reactor.New(reactor.WithStallWindow(0))
	require.NoError(t, err)
	defer r.Close()

	addr, err := netip.ParseAddrPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	var replies []string
	closed := false
	s, err := protocol.Dial(r, addr, "/", addr.String(), func(s *protocol.Session, m protocol.Message) {
		replies = append(replies, m.Text())
		if len(replies) == 2 {
			_ = s.Close(protocol.CloseNormalClosure, "")
		}
	},
		protocol.WithOpenHandler(func(s *protocol.Session) {
			_ = s.SendMessage("one")
			_ = s.Send(map[string]int{"two": 2})
		}),
		protocol.WithCloseHandler(func(*protocol.Session, int, string) { closed = true }),
	)
	require.NoError(t, err)
	assert.Equal(t, protocol.RoleClient, s.Role())

	runUntil(t, r, func() bool { return closed })
	assert.Equal(t, []string{"re: one", `re: {"two":2}`}, replies)
	assert.Equal(t, protocol.SessionClosed, s.State())
}
