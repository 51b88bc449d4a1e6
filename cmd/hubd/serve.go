// File: cmd/hubd/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/control"
	"github.com/momentics/hioload-reactor/db"
	"github.com/momentics/hioload-reactor/db/pgwire"
	"github.com/momentics/hioload-reactor/protocol"
	"github.com/momentics/hioload-reactor/protocol/http1"
	"github.com/momentics/hioload-reactor/reactor"
	"github.com/momentics/hioload-reactor/server"
	"github.com/momentics/hioload-reactor/transport"
)

type serveOptions struct {
	*rootOptions
	listen string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Long: `Run the HTTP server on a single reactor loop.

Routes:
  /              banner
  /healthz       liveness
  /ws            WebSocket echo
  /debug/probes  loop and runtime state as JSON
  <metrics.path> Prometheus metrics, when metrics.enabled
  /db/now        SELECT now(), when database.user is set

SIGHUP reloads the config file given with --config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "override http.listen")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, logger := opts.cfg, opts.logger
	if opts.listen != "" {
		cfg.HTTP.Listen = opts.listen
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := control.NewMetrics("hubd")
	stallProbes := control.NewDebugProbes()
	r, err := reactor.New(append(cfg.ReactorOptions(),
		reactor.WithLogger(logger),
		reactor.WithObserver(metrics),
		reactor.WithDiagnostics(stallProbes.DumpState),
	)...)
	if err != nil {
		return err
	}
	defer r.Close()

	probes := control.NewDebugProbes()
	probes.RegisterProbe("reactor", func() any { return r.Snapshot() })

	srv := server.New(r, cfg.ServerConfig(),
		server.WithLogger(logger),
		server.WithObserver(metrics),
		server.WithTransport(transport.WithObserver(metrics)),
		server.WithMiddleware(requestID),
	)
	srv.On("/", func(_ *http1.Request, w *server.Response) (bool, error) {
		w.Text(200, "hubd "+version+"\n")
		return true, nil
	})
	srv.On("/healthz", func(_ *http1.Request, w *server.Response) (bool, error) {
		w.Text(200, "ok")
		return true, nil
	})
	srv.On("/debug/probes", probes.Handler())
	if cfg.Metrics.Enabled {
		srv.On(cfg.Metrics.Path, metrics.Handler())
	}
	srv.OnWebSocket("/ws", echo, cfg.WebSocketOptions()...)
	probes.RegisterProbe("http.connections", func() any { return srv.Connections() })

	// The stall report is dumped off the loop, so only atomics go there.
	stallProbes.RegisterProbe("reactor.descriptors", func() any { return r.Registered() })
	stallProbes.RegisterProbe("reactor.last_iteration", func() any { return r.LastIteration() })
	stallProbes.RegisterProbe("http.active", func() any { return srv.Active() })

	if cfg.DatabaseEnabled() {
		dbc, err := openDB(ctx, r, cfg, logger, db.WithObserver(metrics))
		if err != nil {
			return err
		}
		defer dbc.Close()
		probes.RegisterProbe("db.pending", func() any { return dbc.Pending() })
		srv.On("/db/now", func(_ *http1.Request, w *server.Response) (bool, error) {
			w.Hold()
			dbc.Exec("SELECT now()", func(res *db.Result, err error) {
				if err != nil {
					w.Text(503, err.Error())
				} else {
					v, _ := res.Value(0, 0)
					w.Text(200, v)
				}
				w.Send()
			})
			return true, nil
		})
	}

	if err := srv.Listen(); err != nil {
		return err
	}
	defer srv.Close()
	logger.Info("hubd: serving", zap.String("addr", srv.Addr().String()), zap.String("version", version))

	if opts.configPath != "" {
		store := control.NewConfigStore(cfg)
		store.OnReload(control.ApplyLogLevel(opts.level))
		store.ReloadOnHangup(ctx, opts.configPath, logger)
	}

	if err := r.Run(ctx); err != nil {
		return fmt.Errorf("reactor: %w", err)
	}
	logger.Info("hubd: shutting down")
	return nil
}

// openDB dials PostgreSQL before the loop runs; resolution blocks.
func openDB(ctx context.Context, r *reactor.Reactor, cfg *control.Config, logger *zap.Logger, extra ...db.Option) (*db.Client, error) {
	dctx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	defer cancel()
	conn, err := pgwire.Dial(dctx, cfg.PGConfig(), pgwire.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	opts := append(cfg.DBOptions(), db.WithLogger(logger))
	return db.New(r, conn, append(opts, extra...)...)
}

func echo(s *protocol.Session, m protocol.Message) {
	if m.Binary {
		_ = s.SendBinary(m.Data)
		return
	}
	_ = s.SendMessage("echo: " + m.Text())
}

// requestID tags every response with the caller's X-Request-Id or a fresh
// one.
func requestID(next server.Handler) server.Handler {
	return func(req *http1.Request, w *server.Response) (bool, error) {
		id := req.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header.Set("X-Request-Id", id)
		return next(req, w)
	}
}
