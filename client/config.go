// File: client/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/protocol/http1"
	"github.com/momentics/hioload-reactor/transport"
)

// Config holds client-wide request defaults.
type Config struct {
	Timeout      time.Duration // per request, 0 = none
	MaxBodyBytes int64         // response body cap, 0 = unlimited
	UserAgent    string        // sent when the request has none
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:      30 * time.Second,
		MaxBodyBytes: 64 << 20,
		UserAgent:    http1.DefaultUserAgent,
	}
}

// Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Option customizes an HTTP client.
type Option func(*HTTP)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *HTTP) { c.logger = l }
}

// WithTLSConfig sets the configuration for https requests. ServerName is
// filled in per request.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *HTTP) { c.tlsConfig = cfg }
}

// WithResolver replaces net.DefaultResolver. Lookups always run off the
// loop goroutine.
func WithResolver(r Resolver) Option {
	return func(c *HTTP) { c.resolver = r }
}

// WithTransport passes options to every connection the client opens.
func WithTransport(opts ...transport.Option) Option {
	return func(c *HTTP) { c.transport = append(c.transport, opts...) }
}

var _ Resolver = net.DefaultResolver
