//go:build !linux

// File: internal/concurrency/pin_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "errors"

// ErrPinUnsupported is returned where thread affinity is not implemented.
var ErrPinUnsupported = errors.New("concurrency: cpu pinning not supported on this platform")

// PinCurrentThread is not supported on this platform.
func PinCurrentThread(int) (func(), error) { return nil, ErrPinUnsupported }

// CurrentCPUs is not supported on this platform.
func CurrentCPUs() ([]int, error) { return nil, ErrPinUnsupported }
