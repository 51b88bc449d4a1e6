//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based poller, level-triggered, with an eventfd wakeup.

package reactor

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is a level-triggered epoll backend.
type epollPoller struct {
	epfd     int
	wakefd   int
	events   []unix.EpollEvent
	interest map[int]Events
	wakeBuf  [8]byte
}

// NewPoller constructs the Linux epoll Poller, returning at most batch
// notifications per Wait.
func NewPoller(batch int) (Poller, error) {
	if batch <= 0 {
		batch = 128
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakefd: %w", err)
	}
	return &epollPoller{
		epfd:     epfd,
		wakefd:   wakefd,
		events:   make([]unix.EpollEvent, batch),
		interest: make(map[int]Events),
	}, nil
}

// Control adds, modifies or deletes fd in the epoll set.
func (p *epollPoller) Control(fd int, interest Events) error {
	current, known := p.interest[fd]
	interest &^= EventError
	if interest == 0 {
		if !known {
			return nil
		}
		delete(p.interest, fd)
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("epoll ctl del: %w", err)
		}
		return nil
	}
	if known && current == interest {
		return nil
	}
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if !known {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl: %w", err)
	}
	p.interest[fd] = interest
	return nil
}

// Wait waits for epoll events and fills the result into ready.
func (p *epollPoller) Wait(ready []Ready, timeout time.Duration) (int, error) {
	max := len(ready)
	if max > len(p.events) {
		max = len(p.events)
	}
	n, err := unix.EpollWait(p.epfd, p.events[:max], timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	out := 0
	for i := 0; i < n; i++ {
		raw := p.events[i]
		fd := int(raw.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		ready[out] = Ready{Fd: fd, Events: fromEpoll(raw.Events)}
		out++
	}
	return out, nil
}

// Wake bumps the eventfd counter.
func (p *epollPoller) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *epollPoller) drainWake() {
	for {
		if _, err := unix.Read(p.wakefd, p.wakeBuf[:]); err != nil {
			return
		}
	}
}

// Close closes the epoll instance and the wakeup descriptor.
func (p *epollPoller) Close() error {
	werr := unix.Close(p.wakefd)
	if err := unix.Close(p.epfd); err != nil {
		return err
	}
	return werr
}

func toEpoll(e Events) uint32 {
	var out uint32
	if e&EventRead != 0 {
		out |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if e&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpoll(raw uint32) Events {
	var e Events
	if raw&unix.EPOLLIN != 0 {
		e |= EventRead
	}
	if raw&unix.EPOLLOUT != 0 {
		e |= EventWrite
	}
	if raw&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		e |= EventError
	}
	return e
}
