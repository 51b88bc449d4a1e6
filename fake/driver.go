// File: fake/driver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"errors"

	"github.com/momentics/hioload-reactor/db"
)

// Driver is a scripted db.Driver. Replies queued with Reply are returned
// by the next Consume; nothing touches a real descriptor.
type Driver struct {
	fd         int
	starting   bool
	pending    bool
	blocked    bool
	inflight   int
	sent       []db.Request
	replies    []db.Outcome
	consumeErr error
	sendErr    error
	closes     int
	consumes   int
}

// NewDriver returns a ready driver for fd.
func NewDriver(fd int) *Driver { return &Driver{fd: fd} }

// Starting makes the driver report buffered startup output and not accept
// requests until Started.
func (d *Driver) Starting() {
	d.starting = true
	d.pending = true
}

// Started completes startup.
func (d *Driver) Started() { d.starting = false }

// Reply queues outcomes for the next Consume.
func (d *Driver) Reply(outs ...db.Outcome) { d.replies = append(d.replies, outs...) }

// ReplyRows queues a successful result with one text column.
func (d *Driver) ReplyRows(tag string, values ...string) {
	res := &db.Result{Columns: []string{"value"}, Tag: tag}
	for _, v := range values {
		res.Rows = append(res.Rows, [][]byte{[]byte(v)})
	}
	d.Reply(db.Outcome{Result: res})
}

// FailConsume makes the next Consume fail with err after returning the
// queued replies.
func (d *Driver) FailConsume(err error) { d.consumeErr = err }

// FailSend makes the next Send fail with err.
func (d *Driver) FailSend(err error) { d.sendErr = err }

// BlockFlush makes Flush report leftover output while on is set.
func (d *Driver) BlockFlush(on bool) { d.blocked = on }

// Sent returns every request sent so far.
func (d *Driver) Sent() []db.Request { return append([]db.Request(nil), d.sent...) }

// Consumes returns how many times Consume ran.
func (d *Driver) Consumes() int { return d.consumes }

// Closes returns how many times Close ran.
func (d *Driver) Closes() int { return d.closes }

func (d *Driver) Fd() int { return d.fd }

func (d *Driver) Accepting() bool { return !d.starting && d.closes == 0 }

func (d *Driver) Send(req db.Request) error {
	if d.closes > 0 {
		return errors.New("fake: driver closed")
	}
	if err := d.sendErr; err != nil {
		d.sendErr = nil
		return err
	}
	d.sent = append(d.sent, req)
	d.inflight++
	d.pending = true
	return nil
}

func (d *Driver) Pending() bool { return d.pending }

func (d *Driver) Flush() (bool, error) {
	if d.blocked {
		return false, nil
	}
	d.pending = false
	return true, nil
}

func (d *Driver) Consume() ([]db.Outcome, error) {
	d.consumes++
	outs := d.replies
	d.replies = nil
	d.inflight -= len(outs)
	if d.inflight < 0 {
		d.inflight = 0
	}
	err := d.consumeErr
	d.consumeErr = nil
	return outs, err
}

func (d *Driver) Busy() bool { return d.starting || d.inflight > 0 }

func (d *Driver) Close() error {
	d.closes++
	return nil
}
