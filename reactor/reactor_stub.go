//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import "errors"

// NewPoller returns an error for unsupported platforms. Callers may still
// supply their own Poller through WithPoller.
func NewPoller(batch int) (Poller, error) {
	return nil, errors.New("reactor: this platform is not supported")
}
