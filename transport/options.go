// File: transport/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/pool"
)

// DefaultRetryDelay is how long a Conn keeps interest suspended after its
// Layer could not make progress on a ready descriptor.
const DefaultRetryDelay = 10 * time.Millisecond

type config struct {
	logger       *zap.Logger
	observer     ConnObserver
	pool         *pool.BytePool
	delim        []byte
	retryDelay   time.Duration
	layer        Layer
	layerFactory LayerFactory
}

func newConfig(opts []Option) config {
	cfg := config{
		logger:     zap.NewNop(),
		observer:   nopConnObserver{},
		pool:       pool.Default(),
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option customizes a Conn or Listener.
type Option func(*config)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithObserver attaches connection telemetry.
func WithObserver(o ConnObserver) Option {
	return func(c *config) { c.observer = o }
}

// WithBufferPool sets the pool the read path borrows chunks from.
func WithBufferPool(p *pool.BytePool) Option {
	return func(c *config) { c.pool = p }
}

// WithDelimiter enables Message events split on delim.
func WithDelimiter(delim []byte) Option {
	return func(c *config) { c.delim = append([]byte(nil), delim...) }
}

// WithRetryDelay overrides DefaultRetryDelay.
func WithRetryDelay(d time.Duration) Option {
	return func(c *config) { c.retryDelay = d }
}

// WithLayer interposes l once the socket is connected.
func WithLayer(l Layer) Option {
	return func(c *config) { c.layer = l }
}

// WithLayerFactory builds a Layer for every connected socket. Listeners use
// it to run a server-side handshake per accepted connection.
func WithLayerFactory(f LayerFactory) Option {
	return func(c *config) { c.layerFactory = f }
}
