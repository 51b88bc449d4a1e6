// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-threaded readiness-driven event loop:
// a Poller backend (epoll on Linux), the timer registry, per-descriptor
// read/write interest tables, budgeted callback dispatch and a stall watchdog.
//
// A Reactor is owned by one goroutine. Every method except Submit and the
// watchdog internals must be called from that goroutine, normally from inside
// a callback the reactor dispatched.
package reactor
