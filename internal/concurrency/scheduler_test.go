package concurrency_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-reactor/internal/concurrency"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time           { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newRegistry() (*concurrency.TimerRegistry, *manualClock) {
	clk := &manualClock{t: time.Unix(1_700_000_000, 0)}
	return concurrency.NewTimerRegistry(clk.now), clk
}

func fire(r *concurrency.TimerRegistry, now time.Time) int {
	return r.FireDue(now, func(_ *concurrency.Timer, fn func()) { fn() })
}

func TestTimerRegistry_RescheduleReplaces(t *testing.T) {
	r, clk := newRegistry()
	count := 0
	h := concurrency.NewTimer("h", func() { count++ })

	r.Schedule(h, 10*time.Millisecond)
	r.Schedule(h, 50*time.Millisecond)
	assert.Equal(t, 1, r.Len(), "rescheduling must not duplicate")

	clk.advance(20 * time.Millisecond)
	fire(r, clk.now())
	assert.Equal(t, 0, count, "replaced deadline must not fire at d1")

	clk.advance(30 * time.Millisecond)
	fire(r, clk.now())
	assert.Equal(t, 1, count)
	assert.False(t, r.IsScheduled(h))

	clk.advance(time.Second)
	fire(r, clk.now())
	assert.Equal(t, 1, count, "fires exactly once")
}

func TestTimerRegistry_Cancel(t *testing.T) {
	r, clk := newRegistry()
	h := concurrency.NewTimer("h", func() { t.Error("cancelled timer fired") })
	r.Schedule(h, time.Millisecond)
	require.True(t, r.IsScheduled(h))
	r.Cancel(h)
	require.False(t, r.IsScheduled(h))
	clk.advance(time.Second)
	assert.Equal(t, 0, fire(r, clk.now()))
}

func TestTimerRegistry_DeadlineOrder(t *testing.T) {
	r, clk := newRegistry()
	var order []string
	mk := func(name string) *concurrency.Timer {
		return concurrency.NewTimer(name, func() { order = append(order, name) })
	}
	c, a, b := mk("c"), mk("a"), mk("b")
	r.Schedule(c, 30*time.Millisecond)
	r.Schedule(a, 10*time.Millisecond)
	r.Schedule(b, 10*time.Millisecond)

	next, ok := r.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, clk.now().Add(10*time.Millisecond), next)

	clk.advance(time.Second)
	fire(r, clk.now())
	assert.Equal(t, []string{"a", "b", "c"}, order)
	_, ok = r.NextDeadline()
	assert.False(t, ok)
}

func TestTimerRegistry_SelfRescheduleWaitsForNextPass(t *testing.T) {
	r, clk := newRegistry()
	count := 0
	var h *concurrency.Timer
	h = concurrency.NewTimer("yield", func() {
		count++
		r.Schedule(h, 0)
	})
	r.Schedule(h, -time.Second)

	assert.Equal(t, 1, fire(r, clk.now()))
	assert.Equal(t, 1, count)
	assert.True(t, r.IsScheduled(h), "callback rescheduled itself")

	fire(r, clk.now())
	assert.Equal(t, 2, count)
}

func TestTimerRegistry_CancelledWithinPassIsSkipped(t *testing.T) {
	r, clk := newRegistry()
	var second *concurrency.Timer
	first := concurrency.NewTimer("first", func() { r.Cancel(second) })
	second = concurrency.NewTimer("second", func() { t.Error("second should have been cancelled") })
	r.Schedule(first, time.Millisecond)
	r.Schedule(second, 2*time.Millisecond)

	clk.advance(5 * time.Millisecond)
	assert.Equal(t, 1, fire(r, clk.now()))
}

func TestNewTimer_NilCallbackPanics(t *testing.T) {
	assert.Panics(t, func() { concurrency.NewTimer("nil", nil) })
}
