//go:build linux

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-reactor/control"
	"github.com/momentics/hioload-reactor/protocol/http1"
	"github.com/momentics/hioload-reactor/reactor"
	"github.com/momentics/hioload-reactor/server"
)

// backgroundServer runs a server on its own loop goroutine.
func backgroundServer(t *testing.T, setup func(*server.Server)) string {
	t.Helper()
	r, err := reactor.New(reactor.WithStallWindow(0))
	require.NoError(t, err)
	cfg := control.DefaultConfig()
	cfg.HTTP.Listen = "127.0.0.1:0"
	srv := server.New(r, cfg.ServerConfig(), server.WithMiddleware(requestID))
	setup(srv)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = srv.Close()
		_ = r.Close()
	})
	return "http://" + srv.Addr().String()
}

func TestGet_AgainstLiveServer(t *testing.T) {
	metrics := control.NewMetrics("hubd")
	base := backgroundServer(t, func(s *server.Server) {
		s.On("/echo", func(req *http1.Request, w *server.Response) (bool, error) {
			w.Text(201, req.Method+" "+req.Header.Get("X-Token")+" "+string(req.Body))
			return true, nil
		})
		s.On("/metrics", metrics.Handler())
	})

	out, err := execute(t, "get", "--log-level", "error", "-i", "-X", "PUT", "-H", "X-Token: abc", "-H", "X-Request-Id: fixed", "-d", "payload", base+"/echo")
	require.NoError(t, err)
	assert.Contains(t, out, "HTTP/1.1 201 Created\r\n")
	assert.Contains(t, out, "X-Request-Id: fixed\r\n")
	assert.Contains(t, out, "\r\n\r\nPUT abc payload")

	out, err = execute(t, "get", "--log-level", "error", base+"/metrics")
	require.NoError(t, err)
	assert.Contains(t, out, "hubd_reactor_iterations_total 0")
}
