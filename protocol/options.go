// File: protocol/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/protocol/http1"
	"github.com/momentics/hioload-reactor/transport"
)

type config struct {
	logger          *zap.Logger
	pingInterval    time.Duration
	closeTimeout    time.Duration
	maxFramePayload int
	maxMessageSize  int
	onOpen          func(*Session)
	onClose         CloseHandler
	header          http1.Header
	transport       []transport.Option
}

func newConfig(opts []Option) config {
	cfg := config{
		logger:          zap.NewNop(),
		pingInterval:    DefaultPingInterval,
		closeTimeout:    DefaultCloseTimeout,
		maxFramePayload: MaxFramePayload,
		maxMessageSize:  MaxMessageSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option customizes a Session.
type Option func(*config)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithPingInterval overrides DefaultPingInterval. Zero disables the
// periodic ping.
func WithPingInterval(d time.Duration) Option {
	return func(c *config) { c.pingInterval = d }
}

// WithCloseTimeout bounds how long a locally initiated close waits for the
// peer's close frame before dropping the connection.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *config) { c.closeTimeout = d }
}

// WithMaxFramePayload bounds a single inbound frame.
func WithMaxFramePayload(n int) Option {
	return func(c *config) { c.maxFramePayload = n }
}

// WithMaxMessageSize bounds a reassembled inbound message.
func WithMaxMessageSize(n int) Option {
	return func(c *config) { c.maxMessageSize = n }
}

// WithOpenHandler runs h once the handshake completes.
func WithOpenHandler(h func(*Session)) Option {
	return func(c *config) { c.onOpen = h }
}

// WithCloseHandler runs h once when the session ends.
func WithCloseHandler(h CloseHandler) Option {
	return func(c *config) { c.onClose = h }
}

// WithHeader adds fields to the client upgrade request.
func WithHeader(h http1.Header) Option {
	return func(c *config) { c.header = h.Clone() }
}

// WithTransport passes options to the underlying transport.Conn of a
// dialed session, for example a TLS layer factory.
func WithTransport(opts ...transport.Option) Option {
	return func(c *config) { c.transport = append(c.transport, opts...) }
}
