// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral poller interface for readiness multiplexing.

package reactor

import "time"

// Events is a readiness bitmask.
type Events uint8

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
)

func (e Events) String() string {
	s := ""
	if e&EventRead != 0 {
		s += "r"
	}
	if e&EventWrite != 0 {
		s += "w"
	}
	if e&EventError != 0 {
		s += "e"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Ready is one readiness notification returned by Wait.
type Ready struct {
	Fd     int
	Events Events
}

// Poller is the OS multiplexing backend driven by the Reactor.
type Poller interface {
	// Control sets the interest mask of fd. A zero mask removes fd.
	Control(fd int, interest Events) error

	// Wait blocks until readiness or timeout and fills ready. A negative
	// timeout blocks indefinitely. Interrupted waits return (0, nil).
	Wait(ready []Ready, timeout time.Duration) (int, error)

	// Wake interrupts a blocked Wait from any goroutine.
	Wake() error

	// Close releases the backend.
	Close() error
}

// timeoutMillis converts a poll timeout to milliseconds, rounding up so a
// sub-millisecond deadline does not spin.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}
