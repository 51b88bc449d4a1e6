// File: client/fetch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"context"

	"github.com/momentics/hioload-reactor/protocol/http1"
)

// Result is the outcome of a request started with Go.
type Result struct {
	Response *http1.Response
	Err      error
}

// Go starts a request from any goroutine. The outcome arrives on the
// returned channel, which receives exactly one value.
func (c *HTTP) Go(method, rawurl string, o Options) <-chan Result {
	ch := make(chan Result, 1)
	err := c.r.Submit(func() {
		c.Do(method, rawurl, o, func(resp *http1.Response, err error) {
			ch <- Result{Response: resp, Err: err}
		})
	})
	if err != nil {
		ch <- Result{Err: err}
	}
	return ch
}

// Fetch runs a request from a goroutine other than the loop's and waits
// for it. Cancelling ctx abandons the request. Calling Fetch on the loop
// goroutine deadlocks.
func (c *HTTP) Fetch(ctx context.Context, method, rawurl string, o Options) (*http1.Response, error) {
	ch := make(chan Result, 1)
	var ex *Exchange
	err := c.r.Submit(func() {
		ex = c.Do(method, rawurl, o, func(resp *http1.Response, err error) {
			ch <- Result{Response: resp, Err: err}
		})
	})
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.Response, res.Err
	case <-ctx.Done():
		_ = c.r.Submit(func() {
			if ex != nil {
				ex.Cancel()
			}
		})
		return nil, ctx.Err()
	}
}
