// File: server/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/protocol/http1"
	"github.com/momentics/hioload-reactor/transport"
)

// Config holds all server-side configuration parameters.
type Config struct {
	ListenAddr     string        // TCP bind address, e.g. ":8080"
	TLSCert        string        // PEM certificate; enables TLS together with TLSKey
	TLSKey         string        // PEM private key
	MaxHeaderBytes int           // request header section cap, 0 = http1 default
	MaxBodyBytes   int64         // request body cap, 0 = unlimited
	IdleTimeout    time.Duration // keep-alive connections idle longer are closed, 0 = never
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":8080",
		MaxHeaderBytes: http1.DefaultMaxHeaderBytes,
		MaxBodyBytes:   8 << 20,
		IdleTimeout:    60 * time.Second,
	}
}

// RequestObserver is told about every answered request.
type RequestObserver interface {
	Request(method string, status int, elapsed time.Duration)
}

type nopRequestObserver struct{}

func (nopRequestObserver) Request(string, int, time.Duration) {}

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithMiddleware attaches middleware in FIFO order: the first one given
// sees the request first.
func WithMiddleware(mw ...Middleware) ServerOption {
	return func(s *Server) {
		s.middleware = append(s.middleware, mw...)
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithTLSConfig serves TLS with cfg instead of loading Config.TLSCert.
func WithTLSConfig(cfg *tls.Config) ServerOption {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithTransport passes options to the listener and every accepted
// connection.
func WithTransport(opts ...transport.Option) ServerOption {
	return func(s *Server) { s.transport = append(s.transport, opts...) }
}

// WithObserver reports answered requests to o.
func WithObserver(o RequestObserver) ServerOption {
	return func(s *Server) { s.observer = o }
}
