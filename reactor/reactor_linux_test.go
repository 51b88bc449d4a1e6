//go:build linux

package reactor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-reactor/reactor"
)

func pipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestEpoll_ReadableAfterWrite(t *testing.T) {
	r, err := reactor.New(reactor.WithStallWindow(0))
	require.NoError(t, err)
	defer r.Close()

	rd, wr := pipe(t)
	var got []byte
	require.NoError(t, r.AddReadable(rd, func() {
		buf := make([]byte, 16)
		n, err := unix.Read(rd, buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
		r.RemoveReadable(rd)
	}))
	_, err = unix.Write(wr, []byte("ping"))
	require.NoError(t, err)

	require.NoError(t, r.RunOnce())
	assert.Equal(t, "ping", string(got))
	assert.False(t, r.IsReadable(rd))
}

func TestEpoll_WritablePipe(t *testing.T) {
	r, err := reactor.New(reactor.WithStallWindow(0))
	require.NoError(t, err)
	defer r.Close()

	_, wr := pipe(t)
	writable := false
	require.NoError(t, r.AddWritable(wr, func() {
		writable = true
		r.RemoveWritable(wr)
	}))
	require.NoError(t, r.RunOnce())
	assert.True(t, writable)
}

func TestClose_LeavesUnownedDescriptorsOpen(t *testing.T) {
	r, err := reactor.New(reactor.WithStallWindow(0))
	require.NoError(t, err)

	rd, wr := pipe(t)
	require.NoError(t, r.AddWritable(wr, func() {}))
	require.NoError(t, r.AddReadable(rd, func() {}))
	require.NoError(t, r.Close())

	_, err = unix.Write(wr, []byte("still mine"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := unix.Read(rd, buf)
	require.NoError(t, err)
	assert.Equal(t, "still mine", string(buf[:n]))
}

func TestEpoll_SubmitWakesBlockedWait(t *testing.T) {
	r, err := reactor.New(reactor.WithStallWindow(0))
	require.NoError(t, err)
	defer r.Close()

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.Submit(func() { close(done) })
	}()

	// No timers and no descriptors: only the wakeup can end this Wait.
	require.NoError(t, r.RunOnce())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submit did not run")
	}
}

func TestEpoll_TimerBoundsWait(t *testing.T) {
	r, err := reactor.New(reactor.WithStallWindow(0))
	require.NoError(t, err)
	defer r.Close()

	start := time.Now()
	fired := false
	r.After(30*time.Millisecond, "t", func() { fired = true })
	for !fired {
		require.NoError(t, r.RunOnce())
	}
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRun_PinsLoopThread(t *testing.T) {
	var allowed unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &allowed))
	cpu := -1
	for i := 0; cpu < 0; i++ {
		if allowed.IsSet(i) {
			cpu = i
		}
	}

	r, err := reactor.New(reactor.WithStallWindow(0), reactor.WithCPU(cpu))
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var inside unix.CPUSet
	r.After(0, "check affinity", func() {
		_ = unix.SchedGetaffinity(0, &inside)
		cancel()
	})
	require.NoError(t, r.Run(ctx))
	assert.Equal(t, 1, inside.Count())
	assert.True(t, inside.IsSet(cpu))
}
