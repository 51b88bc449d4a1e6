//go:build linux

package secure_test

import (
	"crypto/tls"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-reactor/fake"
	"github.com/momentics/hioload-reactor/reactor"
	"github.com/momentics/hioload-reactor/transport"
	"github.com/momentics/hioload-reactor/transport/secure"
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

// Steps both engines by hand until each reports success.
func TestEngine_HandshakeOverSocketpair(t *testing.T) {
	srvCfg, cliCfg, err := fake.TLSConfigs()
	require.NoError(t, err)
	a, b, err := transport.Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	cli := secure.Client(a, cliCfg)
	srv := secure.Server(b, srvCfg)

	var cliErr, srvErr error = secure.ErrWantRead, secure.ErrWantRead
	for i := 0; i < 50 && (cliErr != nil || srvErr != nil); i++ {
		if cliErr != nil {
			cliErr = cli.Handshake()
		}
		if srvErr != nil {
			srvErr = srv.Handshake()
		}
		for _, err := range []error{cliErr, srvErr} {
			if err != nil && !errors.Is(err, secure.ErrWantRead) && !errors.Is(err, secure.ErrWantWrite) {
				t.Fatalf("handshake: %v", err)
			}
		}
	}
	require.NoError(t, cliErr)
	require.NoError(t, srvErr)
	assert.True(t, cli.ConnectionState().HandshakeComplete)

	n, err := cli.Write([]byte("over tls"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	require.NoError(t, cli.Flush())

	buf := make([]byte, 64)
	var got []byte
	for i := 0; i < 10 && len(got) < 8; i++ {
		n, err := srv.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			require.ErrorIs(t, err, secure.ErrWantRead)
		}
	}
	assert.Equal(t, "over tls", string(got))

	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
}

func TestEngine_CloseReleasesParkedHandshake(t *testing.T) {
	_, cliCfg, err := fake.TLSConfigs()
	require.NoError(t, err)
	a, b, err := transport.Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	cli := secure.Client(a, cliCfg)
	// Nobody answers the ClientHello.
	assert.ErrorIs(t, cli.Handshake(), secure.ErrWantRead)
	_, err = cli.Read(make([]byte, 8))
	assert.ErrorIs(t, err, secure.ErrWantRead)
	require.NoError(t, cli.Close())
	require.NoError(t, cli.Close())
}

func TestConn_TLSEchoOverReactor(t *testing.T) {
	srvCfg, cliCfg, err := fake.TLSConfigs()
	require.NoError(t, err)
	r := newReactor(t)

	ln, err := secure.Listen(r, "127.0.0.1:0", srvCfg, func() transport.Handler {
		return func(c *transport.Conn, ev transport.Event) {
			if d, ok := ev.(transport.Data); ok {
				_ = c.Write(append([]byte("echo:"), d.Bytes...))
			}
		}
	}, transport.WithRetryDelay(time.Millisecond))
	require.NoError(t, err)
	defer ln.Close()

	addr, err := netip.ParseAddrPort(ln.Addr().String())
	require.NoError(t, err)

	var got []byte
	var order []string
	var failure error
	_, err = secure.Dial(r, addr, "localhost", cliCfg, func(c *transport.Conn, ev transport.Event) {
		switch ev := ev.(type) {
		case transport.Connected:
			order = append(order, "connected")
			_ = c.WriteString("ping")
		case transport.Data:
			order = append(order, "data")
			got = append(got, ev.Bytes...)
		case transport.Error:
			failure = ev.Err
		}
	}, transport.WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	runUntil(t, r, func() bool { return len(got) >= len("echo:ping") || failure != nil })
	require.NoError(t, failure)
	assert.Equal(t, "echo:ping", string(got))
	assert.Equal(t, "connected", order[0])
}

// A TLS 1.3 client writes right behind its Finished, so crypto/tls on the
// server pulls the first application record in with the handshake.
func TestConn_TLSServerReadsDataSentWithFinished(t *testing.T) {
	srvCfg, cliCfg, err := fake.TLSConfigs()
	require.NoError(t, err)
	cliCfg.MinVersion = tls.VersionTLS13
	r := newReactor(t)

	var srvOrder []string
	var srvGot []byte
	ln, err := secure.Listen(r, "127.0.0.1:0", srvCfg, func() transport.Handler {
		return func(_ *transport.Conn, ev transport.Event) {
			switch ev := ev.(type) {
			case transport.Connected:
				srvOrder = append(srvOrder, "connected")
			case transport.Data:
				srvOrder = append(srvOrder, "data")
				srvGot = append(srvGot, ev.Bytes...)
			}
		}
	})
	require.NoError(t, err)
	defer ln.Close()

	addr, err := netip.ParseAddrPort(ln.Addr().String())
	require.NoError(t, err)
	var failure error
	_, err = secure.Dial(r, addr, "localhost", cliCfg, func(c *transport.Conn, ev transport.Event) {
		switch ev := ev.(type) {
		case transport.Connected:
			_ = c.WriteString("first")
		case transport.Error:
			failure = ev.Err
		}
	})
	require.NoError(t, err)

	runUntil(t, r, func() bool { return len(srvGot) >= len("first") || failure != nil })
	require.NoError(t, failure)
	assert.Equal(t, "first", string(srvGot))
	assert.Equal(t, "connected", srvOrder[0])
}

func TestLoadServerConfig_MissingFiles(t *testing.T) {
	_, err := secure.LoadServerConfig("/nonexistent/cert.pem", "/nonexistent/key.pem")
	assert.Error(t, err)
}

func TestServerFactory_RequiresCertificate(t *testing.T) {
	_, err := secure.ServerFactory(&tls.Config{})(fake.NewSocket(3))
	assert.Error(t, err)
}
