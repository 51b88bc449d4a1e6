// File: reactor/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Functional options for the Reactor.

package reactor

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxDescriptors caps concurrently registered descriptors.
	DefaultMaxDescriptors = 1024
	// DefaultCallbackBudget is the wall-clock budget of one dispatched callback.
	DefaultCallbackBudget = 5 * time.Second
	// DefaultStallWindow is how long the loop may go without an iteration
	// before the watchdog reports it wedged.
	DefaultStallWindow = 30 * time.Second
	// DefaultPollBatch is the readiness batch size per Wait.
	DefaultPollBatch = 128
)

// Option customizes Reactor construction.
type Option func(*Reactor)

// WithPoller replaces the platform Poller.
func WithPoller(p Poller) Option {
	return func(r *Reactor) { r.poller = p }
}

// WithClock overrides the time source used for deadlines and budgets.
func WithClock(now func() time.Time) Option {
	return func(r *Reactor) { r.now = now }
}

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reactor) { r.logger = l }
}

// WithMaxDescriptors sets the registration cap.
func WithMaxDescriptors(n int) Option {
	return func(r *Reactor) { r.maxFDs = n }
}

// WithCallbackBudget sets the per-callback budget. Zero disables the check.
func WithCallbackBudget(d time.Duration) Option {
	return func(r *Reactor) { r.budget = d }
}

// WithStallWindow sets the watchdog window. Zero disables the watchdog.
func WithStallWindow(d time.Duration) Option {
	return func(r *Reactor) { r.stallWindow = d }
}

// WithPollBatch sets how many notifications one Wait may return.
func WithPollBatch(n int) Option {
	return func(r *Reactor) { r.batch = n }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(r *Reactor) { r.observer = o }
}

// WithCPU pins the goroutine calling Run, and its OS thread, to cpu for
// the lifetime of Run. Negative leaves scheduling to the runtime.
func WithCPU(cpu int) Option {
	return func(r *Reactor) { r.cpu = cpu }
}

// WithDiagnostics registers a state dump included in watchdog reports.
func WithDiagnostics(dump func() map[string]any) Option {
	return func(r *Reactor) { r.diagnostics = dump }
}
