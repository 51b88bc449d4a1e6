// File: transport/socket_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build !linux

package transport

import (
	"errors"
	"net"
	"net/netip"
)

var errUnsupported = errors.New("transport: unsupported platform")

// NewSocket is only implemented on linux.
func NewSocket(fd int) Socket { panic(errUnsupported) }

// DialSocket is only implemented on linux.
func DialSocket(addr netip.AddrPort) (Socket, error) { return nil, errUnsupported }

// Pair is only implemented on linux.
func Pair() (Socket, Socket, error) { return nil, nil, errUnsupported }

type listenSocket struct {
	fd   int
	addr net.Addr
}

func listenTCP(address string, backlog int) (*listenSocket, error) { return nil, errUnsupported }

func (l *listenSocket) accept() (Socket, error) { return nil, errUnsupported }

func (l *listenSocket) close() error { return errUnsupported }
