// File: fake/poller.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"errors"
	"sync"
	"time"

	"github.com/momentics/hioload-reactor/reactor"
)

// ErrIdle is returned by Poller.Wait when the loop would block forever.
var ErrIdle = errors.New("fake: wait would block forever")

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Poller is a scripted reactor.Poller. Readiness comes from queued batches
// (one per Wait) and from level-triggered masks set with SetLevel; both are
// filtered by the interest the reactor registered. When nothing is ready,
// Wait advances the attached clock by the requested timeout.
type Poller struct {
	mu       sync.Mutex
	clock    *Clock
	interest map[int]reactor.Events
	level    map[int]reactor.Events
	batches  [][]reactor.Ready
	timeouts []time.Duration
	controls []Control
	woken    bool
	closed   bool
}

// Control records one interest change.
type Control struct {
	Fd       int
	Interest reactor.Events
}

// NewPoller returns a Poller driving clock. clock may be nil.
func NewPoller(clock *Clock) *Poller {
	return &Poller{
		clock:    clock,
		interest: make(map[int]reactor.Events),
		level:    make(map[int]reactor.Events),
	}
}

// Push queues one batch of notifications for a future Wait.
func (p *Poller) Push(ready ...reactor.Ready) {
	p.mu.Lock()
	p.batches = append(p.batches, ready)
	p.mu.Unlock()
}

// SetLevel makes fd persistently report ev while it has matching interest.
// A zero mask clears it.
func (p *Poller) SetLevel(fd int, ev reactor.Events) {
	p.mu.Lock()
	if ev == 0 {
		delete(p.level, fd)
	} else {
		p.level[fd] = ev
	}
	p.mu.Unlock()
}

// Interest returns the mask currently registered for fd.
func (p *Poller) Interest(fd int) reactor.Events {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interest[fd]
}

// Controls returns every interest change in order.
func (p *Poller) Controls() []Control {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Control(nil), p.controls...)
}

// Timeouts returns the timeout passed to every Wait call.
func (p *Poller) Timeouts() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.timeouts...)
}

// Closed reports whether Close was called.
func (p *Poller) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Poller) Control(fd int, interest reactor.Events) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if interest == 0 {
		delete(p.interest, fd)
	} else {
		p.interest[fd] = interest
	}
	p.controls = append(p.controls, Control{Fd: fd, Interest: interest})
	return nil
}

func (p *Poller) Wait(ready []reactor.Ready, timeout time.Duration) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts = append(p.timeouts, timeout)
	n := 0
	add := func(fd int, ev reactor.Events) {
		mask := p.interest[fd] | reactor.EventError
		if ev&mask == 0 || n >= len(ready) {
			return
		}
		ready[n] = reactor.Ready{Fd: fd, Events: ev & mask}
		n++
	}
	if len(p.batches) > 0 {
		batch := p.batches[0]
		p.batches = p.batches[1:]
		for _, r := range batch {
			add(r.Fd, r.Events)
		}
	}
	for fd, ev := range p.level {
		add(fd, ev)
	}
	if n > 0 || p.woken {
		p.woken = false
		return n, nil
	}
	if timeout < 0 {
		return 0, ErrIdle
	}
	if p.clock != nil {
		p.clock.Advance(timeout)
	}
	return 0, nil
}

func (p *Poller) Wake() error {
	p.mu.Lock()
	p.woken = true
	p.mu.Unlock()
	return nil
}

func (p *Poller) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
