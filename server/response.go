// File: server/response.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"encoding/json"

	"github.com/momentics/hioload-reactor/protocol/http1"
	"github.com/momentics/hioload-reactor/transport"
)

// Response collects what a handler answers. The server serializes it after
// the handler returns true.
type Response struct {
	Status int
	Header http1.Header
	Body   []byte

	conn   *transport.Conn
	held   bool
	sent   bool
	finish func(*Response)
}

// Write appends p to the body.
func (w *Response) Write(p []byte) (int, error) {
	w.Body = append(w.Body, p...)
	return len(p), nil
}

// WriteString appends s to the body.
func (w *Response) WriteString(s string) (int, error) {
	w.Body = append(w.Body, s...)
	return len(s), nil
}

// Text replaces the body with a plain text message.
func (w *Response) Text(status int, s string) {
	w.Status = status
	w.Header.Set("Content-Type", "text/plain; charset=utf-8")
	w.Body = append(w.Body[:0], s...)
}

// JSON replaces the body with the encoding of v.
func (w *Response) JSON(status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Status = status
	w.Header.Set("Content-Type", "application/json")
	w.Body = b
	return nil
}

// Conn is the connection the request arrived on. Handlers that answer on
// the wire themselves write to it and return false.
func (w *Response) Conn() *transport.Conn { return w.conn }

// Hold defers the answer. The handler returns true and calls Send once
// the response is complete, typically from a DB or client callback.
// Requests pipelined behind a held response wait until it is sent.
func (w *Response) Hold() { w.held = true }

// Send writes a held response. Only the first call has an effect. Called
// before the handler returns, it releases the hold.
func (w *Response) Send() {
	if w.sent {
		return
	}
	w.sent = true
	if finish := w.finish; finish != nil {
		w.finish = nil
		finish(w)
	}
}

func (w *Response) message(head bool) []byte {
	resp := &http1.Response{Proto: "HTTP/1.1", StatusCode: w.Status, Header: w.Header, Body: w.Body}
	return resp.AppendTo(nil, head)
}
