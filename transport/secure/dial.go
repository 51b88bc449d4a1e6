// File: transport/secure/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package secure

import (
	"crypto/tls"
	"fmt"
	"net/netip"

	"github.com/momentics/hioload-reactor/reactor"
	"github.com/momentics/hioload-reactor/transport"
)

// LoadServerConfig builds a server configuration from PEM files.
func LoadServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("secure: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}, nil
}

// ClientFactory wraps connected sockets in client Engines.
func ClientFactory(cfg *tls.Config) transport.LayerFactory {
	return func(sock transport.Socket) (transport.Layer, error) {
		return Client(sock, cfg), nil
	}
}

// ServerFactory wraps accepted sockets in server Engines.
func ServerFactory(cfg *tls.Config) transport.LayerFactory {
	return func(sock transport.Socket) (transport.Layer, error) {
		if len(cfg.Certificates) == 0 && cfg.GetCertificate == nil {
			return nil, fmt.Errorf("secure: server config has no certificate")
		}
		return Server(sock, cfg), nil
	}
}

// Dial connects to addr and runs a client handshake for serverName.
// Connected is emitted once the handshake completes.
func Dial(r *reactor.Reactor, addr netip.AddrPort, serverName string, cfg *tls.Config, h transport.Handler, opts ...transport.Option) (*transport.Conn, error) {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	sock, err := transport.DialSocket(addr)
	if err != nil {
		return nil, err
	}
	opts = append(opts, transport.WithLayerFactory(ClientFactory(cfg)))
	return transport.Connect(r, sock, h, opts...)
}

// Listen accepts TLS connections on address. Each accepted connection runs
// its own server handshake before Connected.
func Listen(r *reactor.Reactor, address string, cfg *tls.Config, factory func() transport.Handler, opts ...transport.Option) (*transport.Listener, error) {
	opts = append(opts, transport.WithLayerFactory(ServerFactory(cfg)))
	return transport.Listen(r, address, factory, opts...)
}
