// File: reactor/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single-threaded readiness loop: timers, read/write interest tables and
// budgeted dispatch.

package reactor

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/internal/concurrency"
)

// Callback is invoked by the loop when a descriptor becomes ready.
type Callback func()

// Timer is a reschedulable callback handle; see NewTimer.
type Timer = concurrency.Timer

// NewTimer creates an unscheduled timer handle. name labels the timer in
// budget and watchdog diagnostics.
func NewTimer(name string, fn func()) *Timer {
	return concurrency.NewTimer(name, fn)
}

type registration struct {
	read      Callback
	write     Callback
	readName  string
	writeName string
}

func (g *registration) interest() Events {
	var e Events
	if g.read != nil {
		e |= EventRead
	}
	if g.write != nil {
		e |= EventWrite
	}
	return e
}

// Reactor is the event loop. The zero value is not usable; call New.
type Reactor struct {
	poller      Poller
	timers      *concurrency.TimerRegistry
	fds         map[int]*registration
	owners      map[int]func() error // releases run by Close
	ready       []Ready
	writable    []int
	readable    []int
	maxFDs      int
	batch       int
	budget      time.Duration
	stallWindow time.Duration
	now         func() time.Time
	logger      *zap.Logger
	observer    Observer
	diagnostics func() map[string]any
	heartbeat   *Timer
	cpu         int // pin target for Run, -1 = unpinned

	fatal   error
	closed  bool
	running bool

	current  atomic.Value // string: label of the callback being dispatched
	lastTick atomic.Int64 // wall clock nanos of the last iteration
	nfds     atomic.Int64

	submitMu  sync.Mutex
	submitted []func()
	draining  []func()
}

// New constructs a Reactor. Without WithPoller it uses the platform backend.
func New(opts ...Option) (*Reactor, error) {
	r := &Reactor{
		fds:         make(map[int]*registration),
		owners:      make(map[int]func() error),
		maxFDs:      DefaultMaxDescriptors,
		batch:       DefaultPollBatch,
		budget:      DefaultCallbackBudget,
		stallWindow: DefaultStallWindow,
		now:         time.Now,
		logger:      zap.NewNop(),
		observer:    nopObserver{},
		cpu:         -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.poller == nil {
		p, err := NewPoller(r.batch)
		if err != nil {
			return nil, err
		}
		r.poller = p
	}
	if r.batch <= 0 {
		r.batch = DefaultPollBatch
	}
	r.ready = make([]Ready, r.batch)
	r.timers = concurrency.NewTimerRegistry(r.now)
	r.current.Store("")
	r.lastTick.Store(time.Now().UnixNano())
	return r, nil
}

// Logger returns the reactor logger for components built on it.
func (r *Reactor) Logger() *zap.Logger { return r.logger }

// Now returns the reactor clock reading.
func (r *Reactor) Now() time.Time { return r.now() }

// AddTimeout schedules t to fire d from now, replacing a pending deadline.
func (r *Reactor) AddTimeout(t *Timer, d time.Duration) {
	if t == nil {
		panic("reactor: AddTimeout with nil timer")
	}
	r.timers.Schedule(t, d)
}

// RemoveTimeout cancels t.
func (r *Reactor) RemoveTimeout(t *Timer) {
	if t == nil {
		return
	}
	r.timers.Cancel(t)
}

// IsScheduled reports whether t has a pending deadline.
func (r *Reactor) IsScheduled(t *Timer) bool {
	return t != nil && r.timers.IsScheduled(t)
}

// After creates and schedules a one-shot timer.
func (r *Reactor) After(d time.Duration, name string, fn func()) *Timer {
	t := NewTimer(name, fn)
	r.timers.Schedule(t, d)
	return t
}

// PendingTimers returns the number of scheduled timers.
func (r *Reactor) PendingTimers() int { return r.timers.Len() }

// AddReadable registers cb for readability of fd.
func (r *Reactor) AddReadable(fd int, cb Callback) error {
	return r.register(fd, EventRead, cb)
}

// AddWritable registers cb for writability of fd.
func (r *Reactor) AddWritable(fd int, cb Callback) error {
	return r.register(fd, EventWrite, cb)
}

// RemoveReadable drops read interest of fd. Unknown descriptors are ignored.
func (r *Reactor) RemoveReadable(fd int) {
	r.unregister(fd, EventRead)
}

// RemoveWritable drops write interest of fd. Unknown descriptors are ignored.
func (r *Reactor) RemoveWritable(fd int) {
	r.unregister(fd, EventWrite)
}

// IsReadable reports whether fd has read interest.
func (r *Reactor) IsReadable(fd int) bool {
	g := r.fds[fd]
	return g != nil && g.read != nil
}

// IsWritable reports whether fd has write interest.
func (r *Reactor) IsWritable(fd int) bool {
	g := r.fds[fd]
	return g != nil && g.write != nil
}

// Own records release as the way to close fd when the Reactor closes. The
// reactor never closes a descriptor itself; whoever opened it stays its
// only closer.
func (r *Reactor) Own(fd int, release func() error) {
	if release == nil {
		panic("reactor: Own with nil release")
	}
	r.owners[fd] = release
}

// Disown forgets the release of fd. Owners call it when they close fd
// themselves.
func (r *Reactor) Disown(fd int) {
	delete(r.owners, fd)
}

// Descriptors returns the number of registered descriptors.
func (r *Reactor) Descriptors() int { return len(r.fds) }

// Registered is Descriptors for other goroutines, e.g. stall diagnostics.
func (r *Reactor) Registered() int { return int(r.nfds.Load()) }

// LastIteration returns when the loop last polled. Safe for concurrent use.
func (r *Reactor) LastIteration() time.Time { return time.Unix(0, r.lastTick.Load()) }

func (r *Reactor) register(fd int, ev Events, cb Callback) error {
	const op = "reactor.register"
	if cb == nil {
		return r.raise(api.NewError(api.KindProgrammer, op, api.ErrNilCallback).WithContext("fd", fd))
	}
	if r.closed {
		return api.NewError(api.KindPeerClosed, op, api.ErrClosed)
	}
	g, ok := r.fds[fd]
	if !ok {
		if len(r.fds) >= r.maxFDs {
			return r.raise(api.NewError(api.KindResourceLimit, op, api.ErrTooManyDescriptors).
				WithContext("fd", fd).WithContext("max", r.maxFDs))
		}
		g = &registration{}
	}
	name := callbackName(cb)
	switch ev {
	case EventRead:
		if g.read != nil {
			return r.raise(api.NewError(api.KindProgrammer, op, api.ErrAlreadyRegistered).
				WithContext("fd", fd).WithContext("interest", "read"))
		}
		g.read, g.readName = cb, fmt.Sprintf("read fd=%d %s", fd, name)
	case EventWrite:
		if g.write != nil {
			return r.raise(api.NewError(api.KindProgrammer, op, api.ErrAlreadyRegistered).
				WithContext("fd", fd).WithContext("interest", "write"))
		}
		g.write, g.writeName = cb, fmt.Sprintf("write fd=%d %s", fd, name)
	}
	if err := r.poller.Control(fd, g.interest()); err != nil {
		if ev == EventRead {
			g.read = nil
		} else {
			g.write = nil
		}
		return fmt.Errorf("reactor: register fd %d: %w", fd, err)
	}
	if !ok {
		r.fds[fd] = g
		r.nfds.Store(int64(len(r.fds)))
		r.observer.Descriptors(len(r.fds))
	}
	return nil
}

func (r *Reactor) unregister(fd int, ev Events) {
	g, ok := r.fds[fd]
	if !ok {
		return
	}
	switch ev {
	case EventRead:
		if g.read == nil {
			return
		}
		g.read = nil
	case EventWrite:
		if g.write == nil {
			return
		}
		g.write = nil
	}
	interest := g.interest()
	if interest == 0 {
		delete(r.fds, fd)
		r.nfds.Store(int64(len(r.fds)))
		r.observer.Descriptors(len(r.fds))
	}
	// The descriptor may already be closed; the kernel dropped it then.
	if err := r.poller.Control(fd, interest); err != nil {
		r.logger.Debug("reactor: interest update failed", zap.Int("fd", fd), zap.Error(err))
	}
}

// raise records a fatal error so Run stops, and returns it.
func (r *Reactor) raise(err *api.Error) error {
	if r.fatal == nil {
		r.fatal = err
	}
	return err
}

// Err returns the fatal error that stopped the loop, if any.
func (r *Reactor) Err() error { return r.fatal }

// Submit posts fn to run on the loop goroutine. Safe for concurrent use.
func (r *Reactor) Submit(fn func()) error {
	if fn == nil {
		return api.NewError(api.KindProgrammer, "reactor.Submit", api.ErrNilCallback)
	}
	r.submitMu.Lock()
	if r.closed {
		r.submitMu.Unlock()
		return api.NewError(api.KindPeerClosed, "reactor.Submit", api.ErrClosed)
	}
	r.submitted = append(r.submitted, fn)
	r.submitMu.Unlock()
	return r.poller.Wake()
}

func (r *Reactor) hasSubmitted() bool {
	r.submitMu.Lock()
	defer r.submitMu.Unlock()
	return len(r.submitted) > 0
}

func (r *Reactor) runSubmitted() {
	r.submitMu.Lock()
	r.draining, r.submitted = r.submitted, r.draining[:0]
	r.submitMu.Unlock()
	for i, fn := range r.draining {
		r.draining[i] = nil
		if r.fatal != nil {
			continue
		}
		r.dispatch("submit", callbackName(fn), fn)
	}
}

// pollTimeout returns the time until the nearest timer, or -1 to block.
func (r *Reactor) pollTimeout() time.Duration {
	if r.hasSubmitted() {
		return 0
	}
	deadline, ok := r.timers.NextDeadline()
	if !ok {
		return -1
	}
	d := deadline.Sub(r.now())
	if d < 0 {
		return 0
	}
	return d
}

// RunOnce performs a single loop iteration: wait for readiness or the
// nearest deadline, fire due timers, then writable and readable callbacks.
// It returns a fatal error once one has been raised.
func (r *Reactor) RunOnce() error {
	if r.fatal != nil {
		return r.fatal
	}
	if r.closed {
		return api.NewError(api.KindPeerClosed, "reactor.RunOnce", api.ErrClosed)
	}
	n, err := r.poller.Wait(r.ready, r.pollTimeout())
	if err != nil {
		return fmt.Errorf("reactor: poll: %w", err)
	}
	r.lastTick.Store(time.Now().UnixNano())

	r.writable, r.readable = r.writable[:0], r.readable[:0]
	for _, ev := range r.ready[:n] {
		g, ok := r.fds[ev.Fd]
		if !ok {
			continue
		}
		// Errors travel the read path so protocol layers observe them as a
		// read that fails or hits EOF.
		readish := ev.Events&(EventRead|EventError) != 0
		switch {
		case readish && g.read != nil:
			r.readable = append(r.readable, ev.Fd)
			if ev.Events&EventWrite != 0 && g.write != nil {
				r.writable = append(r.writable, ev.Fd)
			}
		case ev.Events&(EventWrite|EventError) != 0 && g.write != nil:
			r.writable = append(r.writable, ev.Fd)
		}
	}

	fired := r.timers.FireDue(r.now(), func(t *Timer, fn func()) {
		if r.fatal == nil {
			r.dispatch("timer", t.Name(), fn)
		}
	})

	for _, fd := range r.writable {
		if r.fatal != nil {
			break
		}
		if g, ok := r.fds[fd]; ok && g.write != nil {
			r.dispatch("write", g.writeName, g.write)
		}
	}
	for _, fd := range r.readable {
		if r.fatal != nil {
			break
		}
		if g, ok := r.fds[fd]; ok && g.read != nil {
			r.dispatch("read", g.readName, g.read)
		}
	}
	r.runSubmitted()
	r.observer.Iteration(n, fired)
	return r.fatal
}

func (r *Reactor) dispatch(kind, name string, fn func()) {
	r.current.Store(name)
	start := r.now()
	fn()
	elapsed := r.now().Sub(start)
	r.current.Store("")
	r.observer.Dispatched(kind, elapsed)
	if r.budget > 0 && elapsed > r.budget {
		r.observer.BudgetExceeded(name)
		r.raise(api.NewError(api.KindStall, name, api.ErrCallbackBudget).
			WithContext("elapsed", elapsed.String()).
			WithContext("budget", r.budget.String()))
	}
}

// Run drives the loop until ctx is cancelled or a fatal error occurs.
// Cancellation returns nil.
func (r *Reactor) Run(ctx context.Context) error {
	if r.running {
		return api.NewError(api.KindProgrammer, "reactor.Run", fmt.Errorf("already running"))
	}
	r.running = true
	defer func() { r.running = false }()

	if r.cpu >= 0 {
		unpin, err := concurrency.PinCurrentThread(r.cpu)
		if err != nil {
			return api.NewError(api.KindResourceLimit, "reactor.Run", err)
		}
		defer unpin()
		r.logger.Debug("reactor: loop pinned", zap.Int("cpu", r.cpu))
	}

	stop := context.AfterFunc(ctx, func() { _ = r.poller.Wake() })
	defer stop()

	if r.stallWindow > 0 {
		wdCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		r.startHeartbeat()
		defer r.RemoveTimeout(r.heartbeat)
		go r.watchdog(wdCtx)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.RunOnce(); err != nil {
			r.logger.Error("reactor: loop stopped", zap.Error(err))
			return err
		}
	}
}

// Close drops all interest, runs the release of every owned descriptor and
// closes the poller. Descriptors registered without an owner are left
// open. Further registrations and submissions fail with api.ErrClosed.
func (r *Reactor) Close() error {
	r.submitMu.Lock()
	if r.closed {
		r.submitMu.Unlock()
		return nil
	}
	r.closed = true
	r.submitMu.Unlock()

	for fd := range r.fds {
		_ = r.poller.Control(fd, 0)
		delete(r.fds, fd)
	}
	owners := r.owners
	r.owners = make(map[int]func() error)
	for fd, release := range owners {
		if err := release(); err != nil {
			r.logger.Debug("reactor: release descriptor", zap.Int("fd", fd), zap.Error(err))
		}
	}
	r.nfds.Store(0)
	r.observer.Descriptors(0)
	return r.poller.Close()
}

// Snapshot reports loop state for debug probes.
func (r *Reactor) Snapshot() map[string]any {
	return map[string]any{
		"descriptors":    len(r.fds),
		"pending_timers": r.timers.Len(),
		"max":            r.maxFDs,
	}
}

func callbackName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "<nil>"
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return "<unknown>"
}
