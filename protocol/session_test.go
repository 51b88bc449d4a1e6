package protocol_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/fake"
	"github.com/momentics/hioload-reactor/protocol"
	"github.com/momentics/hioload-reactor/reactor"
	"github.com/momentics/hioload-reactor/transport"
)

const wsFd = 20

type closeInfo struct {
	code   int
	reason string
}

type harness struct {
	t      *testing.T
	r      *reactor.Reactor
	p      *fake.Poller
	clk    *fake.Clock
	sock   *fake.Socket
	s      *protocol.Session
	msgs   []protocol.Message
	closes []closeInfo
}

// newHarness upgrades a fake connection with the RFC sample key and pumps
// the 101 response out.
func newHarness(t *testing.T, opts ...protocol.Option) *harness {
	t.Helper()
	h := &harness{t: t, clk: fake.NewClock()}
	h.p = fake.NewPoller(h.clk)
	r, err := reactor.New(reactor.WithPoller(h.p), reactor.WithClock(h.clk.Now), reactor.WithStallWindow(0))
	require.NoError(t, err)
	h.r = r
	h.sock = fake.NewSocket(wsFd)
	conn, err := transport.Attach(r, h.sock, nil)
	require.NoError(t, err)

	opts = append(opts, protocol.WithCloseHandler(func(_ *protocol.Session, code int, reason string) {
		h.closes = append(h.closes, closeInfo{code, reason})
	}))
	raw := protocol.NewUpgradeRequest("/ws", "example.com", rfcKey, nil).Bytes()
	h.s, err = protocol.Accept(conn, raw, func(_ *protocol.Session, m protocol.Message) {
		h.msgs = append(h.msgs, m)
	}, opts...)
	require.NoError(t, err)
	h.p.SetLevel(wsFd, reactor.EventRead|reactor.EventWrite)
	h.pump()
	require.True(t, bytes.HasPrefix(h.sock.Written(), []byte("HTTP/1.1 101 Switching Protocols\r\n")))
	assert.Contains(t, string(h.sock.Written()), "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
	return h
}

func (h *harness) pump() {
	h.t.Helper()
	for i := 0; i < 4; i++ {
		err := h.r.RunOnce()
		if errors.Is(err, fake.ErrIdle) {
			return
		}
		require.NoError(h.t, err)
	}
}

// feed delivers a masked client frame.
func (h *harness) feed(fin bool, op byte, payload []byte) {
	h.t.Helper()
	b, err := protocol.AppendFrame(nil, fin, op, payload, true)
	require.NoError(h.t, err)
	h.sock.Feed(b)
	h.pump()
}

// sent decodes every frame the server wrote after the handshake.
func (h *harness) sent() []*protocol.Frame {
	h.t.Helper()
	out := h.sock.Written()
	i := bytes.Index(out, []byte("\r\n\r\n"))
	require.GreaterOrEqual(h.t, i, 0)
	out = out[i+4:]
	var frames []*protocol.Frame
	for len(out) > 0 {
		f, n, err := protocol.DecodeFrame(out, 0)
		require.NoError(h.t, err)
		require.NotNil(h.t, f, "truncated frame on the wire")
		assert.False(h.t, f.Masked, "server frames are never masked")
		frames = append(frames, f)
		out = out[n:]
	}
	return frames
}

func TestSession_EchoAcrossReads(t *testing.T) {
	h := newHarness(t)
	h.s.SetMessageHandler(func(s *protocol.Session, m protocol.Message) {
		h.msgs = append(h.msgs, m)
		require.NoError(t, s.SendMessage("echo: "+m.Text()))
	})

	b, err := protocol.AppendFrame(nil, true, protocol.OpcodeText, []byte("hello"), true)
	require.NoError(t, err)
	h.sock.Feed(b[:3])
	h.pump()
	assert.Empty(t, h.msgs)
	h.sock.Feed(b[3:])
	h.pump()

	require.Len(t, h.msgs, 1)
	assert.Equal(t, "hello", h.msgs[0].Text())
	assert.False(t, h.msgs[0].Binary)
	frames := h.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, "echo: hello", string(frames[0].Payload))
	assert.Equal(t, int64(1), h.s.Stats()["frames_received"])
	assert.Equal(t, int64(1), h.s.Stats()["frames_sent"])
}

func TestSession_FragmentsWithInterleavedPing(t *testing.T) {
	h := newHarness(t)
	h.feed(false, protocol.OpcodeBinary, []byte{1, 2})
	h.feed(true, protocol.OpcodePing, []byte("are you there"))
	h.feed(false, protocol.OpcodeContinuation, []byte{3})
	assert.Empty(t, h.msgs)
	h.feed(true, protocol.OpcodeContinuation, []byte{4})

	require.Len(t, h.msgs, 1)
	assert.True(t, h.msgs[0].Binary)
	assert.Equal(t, []byte{1, 2, 3, 4}, h.msgs[0].Data)
	frames := h.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, byte(protocol.OpcodePong), frames[0].Opcode)
	assert.Equal(t, "are you there", string(frames[0].Payload))
}

func TestSession_PeerCloseIsEchoed(t *testing.T) {
	h := newHarness(t)
	h.feed(true, protocol.OpcodeClose, protocol.ClosePayload(protocol.CloseGoingAway, "bye"))

	frames := h.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, byte(protocol.OpcodeClose), frames[0].Opcode)
	code, _, err := protocol.ParseClosePayload(frames[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.CloseGoingAway, code)

	assert.Equal(t, []closeInfo{{protocol.CloseGoingAway, "bye"}}, h.closes)
	assert.Equal(t, protocol.SessionClosed, h.s.State())
	assert.Equal(t, 1, h.sock.Closes())
	assert.Zero(t, h.r.PendingTimers())
}

func TestSession_UnmaskedClientFrameIsProtocolError(t *testing.T) {
	h := newHarness(t)
	b, err := protocol.AppendFrame(nil, true, protocol.OpcodeText, []byte("plain"), false)
	require.NoError(t, err)
	h.sock.Feed(b)
	h.pump()

	assert.Empty(t, h.msgs)
	frames := h.sent()
	require.Len(t, frames, 1)
	code, _, err := protocol.ParseClosePayload(frames[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.CloseProtocolError, code)
	require.Len(t, h.closes, 1)
	assert.Equal(t, protocol.CloseProtocolError, h.closes[0].code)
	assert.Equal(t, 1, h.sock.Closes())
}

func TestSession_InvalidUTF8(t *testing.T) {
	h := newHarness(t)
	h.feed(true, protocol.OpcodeText, []byte{0xff, 0xfe})
	assert.Empty(t, h.msgs)
	require.Len(t, h.closes, 1)
	assert.Equal(t, protocol.CloseInvalidPayloadData, h.closes[0].code)
}

func TestSession_MessageSizeLimit(t *testing.T) {
	h := newHarness(t, protocol.WithMaxMessageSize(4))
	h.feed(false, protocol.OpcodeText, []byte("abc"))
	h.feed(true, protocol.OpcodeContinuation, []byte("de"))
	assert.Empty(t, h.msgs)
	require.Len(t, h.closes, 1)
	assert.Equal(t, protocol.CloseMessageTooBig, h.closes[0].code)
}

func TestSession_PeriodicPingRearms(t *testing.T) {
	h := newHarness(t, protocol.WithPingInterval(30*time.Second))
	assert.Equal(t, 1, h.r.PendingTimers())

	h.clk.Advance(29 * time.Second)
	h.pump()
	assert.Empty(t, h.sent())

	h.clk.Advance(time.Second)
	h.pump()
	require.Len(t, h.sent(), 1)
	assert.Equal(t, byte(protocol.OpcodePing), h.sent()[0].Opcode)

	h.clk.Advance(30 * time.Second)
	h.pump()
	assert.Len(t, h.sent(), 2)

	h.feed(true, protocol.OpcodePong, nil)
	assert.Equal(t, h.clk.Now(), h.s.LastPong())
}

func TestSession_LocalCloseWaitsForPeer(t *testing.T) {
	h := newHarness(t, protocol.WithCloseTimeout(time.Second))
	require.NoError(t, h.s.Close(protocol.CloseNormalClosure, "done"))
	h.pump()

	assert.Equal(t, protocol.SessionClosing, h.s.State())
	err := h.s.SendMessage("late")
	assert.ErrorIs(t, err, protocol.ErrNotOpen)
	assert.Equal(t, api.KindPeerClosed, api.KindOf(err))
	frames := h.sent()
	require.Len(t, frames, 1)
	code, reason, err := protocol.ParseClosePayload(frames[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.CloseNormalClosure, code)
	assert.Equal(t, "done", reason)
	assert.Equal(t, 0, h.sock.Closes())

	h.clk.Advance(time.Second)
	h.pump()
	assert.Equal(t, 1, h.sock.Closes())
	assert.Equal(t, []closeInfo{{protocol.CloseNormalClosure, "done"}}, h.closes)
}

func TestSession_LocalCloseAnswered(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Close(protocol.CloseNormalClosure, ""))
	h.pump()
	h.feed(true, protocol.OpcodeClose, protocol.ClosePayload(protocol.CloseNormalClosure, ""))
	assert.Len(t, h.sent(), 1, "no second close frame")
	assert.Equal(t, 1, h.sock.Closes())
	assert.Zero(t, h.r.PendingTimers())
}

func TestSession_SendJSON(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Send(map[string]any{"type": "hello", "n": 1}))
	h.pump()
	frames := h.sent()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"hello","n":1}`, string(frames[0].Payload))
	assert.Equal(t, byte(protocol.OpcodeText), frames[0].Opcode)
}

func TestSession_DropWithoutCloseFrame(t *testing.T) {
	h := newHarness(t)
	h.sock.SetEOF()
	h.pump()
	require.Len(t, h.closes, 1)
	assert.Equal(t, protocol.CloseAbnormalClosure, h.closes[0].code)
}

func TestAccept_RejectsBadUpgrade(t *testing.T) {
	clk := fake.NewClock()
	p := fake.NewPoller(clk)
	r, err := reactor.New(reactor.WithPoller(p), reactor.WithClock(clk.Now), reactor.WithStallWindow(0))
	require.NoError(t, err)
	sock := fake.NewSocket(wsFd)
	conn, err := transport.Attach(r, sock, nil)
	require.NoError(t, err)

	_, err = protocol.Accept(conn, []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"), nil)
	require.ErrorIs(t, err, protocol.ErrInvalidUpgradeHeaders)
	p.SetLevel(wsFd, reactor.EventWrite)
	require.NoError(t, r.RunOnce())
	assert.True(t, bytes.HasPrefix(sock.Written(), []byte("HTTP/1.1 400 Bad Request\r\n")))
	assert.Equal(t, 1, sock.Closes())
}
