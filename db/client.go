// File: db/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/reactor"
)

// Callback receives the result of one request or the reason it failed.
// It runs on the loop goroutine exactly once.
type Callback func(res *Result, err error)

type pending struct {
	req   Request
	cb    Callback
	start time.Time
}

// Client pipelines requests over one Driver. Its methods must be called on
// the loop goroutine, except Fetch.
type Client struct {
	r        *reactor.Reactor
	d        Driver
	logger   *zap.Logger
	observer Observer
	depth    int

	requests *queue.Queue // *pending, not yet sent
	waiting  *queue.Queue // *pending, sent and awaiting results

	watchRead  bool
	watchWrite bool
	closed     bool
	err        error
}

// New drives d on r. Startup output the driver already buffered is sent as
// soon as the descriptor is writable.
func New(r *reactor.Reactor, d Driver, opts ...Option) (*Client, error) {
	cfg := newConfig(opts)
	c := &Client{
		r:        r,
		d:        d,
		logger:   cfg.logger,
		observer: cfg.observer,
		depth:    cfg.depth,
		requests: queue.New(),
		waiting:  queue.New(),
	}
	if err := c.watch(c.wantRead(), c.wantWrite()); err != nil {
		_ = d.Close()
		return nil, err
	}
	r.Own(d.Fd(), func() error { return c.teardown(nil) })
	return c, nil
}

// Prepare creates the prepared statement name for sql.
func (c *Client) Prepare(name, sql string, cb Callback) {
	c.Do(Request{Kind: KindPrepare, Name: name, SQL: sql}, cb)
}

// Exec runs sql, which may hold several statements; the result is the
// last one's.
func (c *Client) Exec(sql string, cb Callback) {
	c.Do(Request{Kind: KindExec, SQL: sql}, cb)
}

// ExecParams runs a single statement with positional parameters.
func (c *Client) ExecParams(sql string, params []any, cb Callback) {
	c.Do(Request{Kind: KindExecParams, SQL: sql, Params: params}, cb)
}

// ExecPrepared runs the prepared statement name.
func (c *Client) ExecPrepared(name string, params []any, cb Callback) {
	c.Do(Request{Kind: KindExecPrepared, Name: name, Params: params}, cb)
}

// Do queues req. cb never runs before Do returns.
func (c *Client) Do(req Request, cb Callback) {
	p := &pending{req: req, cb: cb, start: c.r.Now()}
	if c.closed {
		err := c.closedErr()
		c.r.After(0, "db fail "+req.Kind.String(), func() { c.resolve(p, nil, err) })
		return
	}
	c.requests.Add(p)
	c.update()
}

// Fetch runs req from a goroutine other than the loop's and waits for it.
// Cancelling ctx stops the wait; the request itself still runs.
func (c *Client) Fetch(ctx context.Context, req Request) (*Result, error) {
	ch := make(chan Outcome, 1)
	err := c.r.Submit(func() {
		c.Do(req, func(res *Result, err error) { ch <- Outcome{Result: res, Err: err} })
	})
	if err != nil {
		return nil, err
	}
	select {
	case o := <-ch:
		return o.Result, o.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of requests not yet resolved.
func (c *Client) Pending() int { return c.requests.Length() + c.waiting.Length() }

// Err returns the error that tore the pipeline down, if any.
func (c *Client) Err() error { return c.err }

// Close fails every pending request with ErrPipelineClosed and closes the
// driver. It is idempotent.
func (c *Client) Close() error {
	return c.teardown(nil)
}

func (c *Client) canSend() bool {
	return c.d.Accepting() && c.requests.Length() > 0 && c.waiting.Length() < c.depth
}

func (c *Client) wantRead() bool  { return c.d.Busy() || c.waiting.Length() > 0 }
func (c *Client) wantWrite() bool { return c.d.Pending() || c.canSend() }

func (c *Client) watch(read, write bool) error {
	fd := c.d.Fd()
	if read != c.watchRead {
		if read {
			if err := c.r.AddReadable(fd, c.onReadable); err != nil {
				return err
			}
		} else {
			c.r.RemoveReadable(fd)
		}
		c.watchRead = read
	}
	if write != c.watchWrite {
		if write {
			if err := c.r.AddWritable(fd, c.onWritable); err != nil {
				return err
			}
		} else {
			c.r.RemoveWritable(fd)
		}
		c.watchWrite = write
	}
	return nil
}

func (c *Client) update() {
	if c.closed {
		return
	}
	if err := c.watch(c.wantRead(), c.wantWrite()); err != nil {
		_ = c.teardown(err)
	}
}

// onWritable flushes buffered output, then sends at most one request.
func (c *Client) onWritable() {
	if c.d.Pending() {
		done, err := c.d.Flush()
		if err != nil {
			_ = c.teardown(fmt.Errorf("db: flush: %w", err))
			return
		}
		if !done {
			return
		}
	}
	if c.canSend() {
		p := c.requests.Remove().(*pending)
		if err := c.d.Send(p.req); err != nil {
			c.resolve(p, nil, err)
		} else {
			c.waiting.Add(p)
			if _, err := c.d.Flush(); err != nil {
				_ = c.teardown(fmt.Errorf("db: flush: %w", err))
				return
			}
		}
	}
	c.update()
}

// onReadable drains available input and resolves completed requests in
// order.
func (c *Client) onReadable() {
	outs, err := c.d.Consume()
	for _, o := range outs {
		if c.closed {
			return
		}
		if c.waiting.Length() == 0 {
			err = errors.New("db: result without a pending request")
			break
		}
		c.resolve(c.waiting.Remove().(*pending), o.Result, o.Err)
	}
	if err != nil {
		_ = c.teardown(err)
		return
	}
	c.update()
}

func (c *Client) resolve(p *pending, res *Result, err error) {
	c.observer.Completed(p.req.Kind, c.r.Now().Sub(p.start), err)
	if p.cb != nil {
		p.cb(res, err)
	}
}

func (c *Client) closedErr() error {
	if c.err != nil {
		return fmt.Errorf("%w: %w", ErrPipelineClosed, c.err)
	}
	return ErrPipelineClosed
}

// teardown fails everything pending, oldest first.
func (c *Client) teardown(cause error) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.err = cause
	_ = c.watch(false, false)
	c.r.Disown(c.d.Fd())
	derr := c.d.Close()
	if cause != nil {
		c.logger.Warn("db: pipeline torn down",
			zap.Error(cause),
			zap.Int("waiting", c.waiting.Length()),
			zap.Int("queued", c.requests.Length()))
		c.observer.TornDown()
	}
	fail := c.closedErr()
	for c.waiting.Length() > 0 {
		c.resolve(c.waiting.Remove().(*pending), nil, fail)
	}
	for c.requests.Length() > 0 {
		c.resolve(c.requests.Remove().(*pending), nil, fail)
	}
	return derr
}
