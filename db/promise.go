// File: db/promise.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package db

import "context"

// Promise is the pending result of one request. Then is for the loop
// goroutine; Wait is for any other.
type Promise struct {
	done    chan struct{}
	settled bool
	res     *Result
	err     error
	then    []Callback
}

// Go queues req and returns its promise.
func (c *Client) Go(req Request) *Promise {
	p := &Promise{done: make(chan struct{})}
	c.Do(req, p.settle)
	return p
}

func (p *Promise) settle(res *Result, err error) {
	p.res, p.err, p.settled = res, err, true
	close(p.done)
	for _, fn := range p.then {
		fn(res, err)
	}
	p.then = nil
}

// Then runs fn with the outcome, right away if it is already known.
func (p *Promise) Then(fn Callback) *Promise {
	if p.settled {
		fn(p.res, p.err)
	} else {
		p.then = append(p.then, fn)
	}
	return p
}

// Done is closed once the outcome is known.
func (p *Promise) Done() <-chan struct{} { return p.done }

// Result returns the outcome. Valid after Done is closed.
func (p *Promise) Result() (*Result, error) { return p.res, p.err }

// Wait blocks until the outcome is known or ctx ends. Calling it on the
// loop goroutine deadlocks.
func (p *Promise) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// All resolves once every promise has; its callback receives the first
// error, if any, and a nil result.
func All(ps ...*Promise) *Promise {
	out := &Promise{done: make(chan struct{})}
	left := len(ps)
	var first error
	if left == 0 {
		out.settle(nil, nil)
		return out
	}
	for _, p := range ps {
		p.Then(func(_ *Result, err error) {
			if err != nil && first == nil {
				first = err
			}
			left--
			if left == 0 {
				out.settle(nil, first)
			}
		})
	}
	return out
}
