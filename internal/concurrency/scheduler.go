// File: internal/concurrency/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timer registry with idempotent rescheduling keyed by handle identity.

package concurrency

import (
	"container/heap"
	"time"
)

// Timer is a callback handle that can hold at most one pending deadline.
type Timer struct {
	name  string
	fn    func()
	when  time.Time
	seq   uint64
	index int // position in the heap, -1 when not scheduled

	// fired marks a timer popped by FireDue but not yet invoked.
	fired bool
}

// NewTimer returns an unscheduled handle for fn. A nil fn panics: scheduling
// something that cannot be called is a programmer error.
func NewTimer(name string, fn func()) *Timer {
	if fn == nil {
		panic("concurrency: NewTimer with nil callback")
	}
	return &Timer{name: name, fn: fn, index: -1}
}

// Name returns the diagnostic label of the timer.
func (t *Timer) Name() string { return t.name }

// Deadline returns the pending deadline, zero if not scheduled.
func (t *Timer) Deadline() time.Time {
	if t.index < 0 {
		return time.Time{}
	}
	return t.when
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerRegistry maps timer handles to absolute deadlines.
type TimerRegistry struct {
	timerQ timerHeap
	seq    uint64
	now    func() time.Time
}

// NewTimerRegistry creates a registry reading time from now.
func NewTimerRegistry(now func() time.Time) *TimerRegistry {
	if now == nil {
		now = time.Now
	}
	return &TimerRegistry{now: now}
}

// Schedule sets t to fire d from now, replacing any pending deadline.
// Non-positive durations fire on the next FireDue pass, never the current one.
func (r *TimerRegistry) Schedule(t *Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.seq++
	t.fired = false
	t.when = r.now().Add(d)
	t.seq = r.seq
	if t.index >= 0 {
		heap.Fix(&r.timerQ, t.index)
		return
	}
	heap.Push(&r.timerQ, t)
}

// Cancel drops the pending deadline of t, if any.
func (r *TimerRegistry) Cancel(t *Timer) {
	t.fired = false
	if t.index >= 0 {
		heap.Remove(&r.timerQ, t.index)
	}
}

// IsScheduled reports whether t has a pending deadline.
func (r *TimerRegistry) IsScheduled(t *Timer) bool {
	return t.index >= 0
}

// Len returns the number of pending timers.
func (r *TimerRegistry) Len() int { return r.timerQ.Len() }

// NextDeadline returns the earliest pending deadline.
func (r *TimerRegistry) NextDeadline() (time.Time, bool) {
	if r.timerQ.Len() == 0 {
		return time.Time{}, false
	}
	return r.timerQ[0].when, true
}

// FireDue removes every timer due at now and hands it to run in deadline
// order. Timers are detached before any callback runs, so a callback may
// reschedule itself; one cancelled or rescheduled by an earlier callback of
// the same pass is skipped.
func (r *TimerRegistry) FireDue(now time.Time, run func(t *Timer, fn func())) int {
	var due []*Timer
	for r.timerQ.Len() > 0 && !r.timerQ[0].when.After(now) {
		t := heap.Pop(&r.timerQ).(*Timer)
		t.fired = true
		due = append(due, t)
	}
	fired := 0
	for _, t := range due {
		if !t.fired {
			continue
		}
		t.fired = false
		fired++
		run(t, t.fn)
	}
	return fired
}
