// File: db/driver.go
// Package db provides a non-blocking, pipelined database client driven by
// the reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The Client keeps two FIFOs: requests not yet sent and callbacks awaiting
// results. Results are matched to callbacks strictly in order. A failure of
// the connection itself fails every pending request and tears the
// pipeline down; an error reported by the server for one statement only
// fails that statement.

package db

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrPipelineClosed is delivered to every request still pending when the
// pipeline is torn down or closed.
var ErrPipelineClosed = errors.New("db: pipeline closed")

// Kind selects how a Request is sent.
type Kind int

const (
	KindExec Kind = iota
	KindExecParams
	KindExecPrepared
	KindPrepare
)

func (k Kind) String() string {
	switch k {
	case KindExec:
		return "exec"
	case KindExecParams:
		return "exec_params"
	case KindExecPrepared:
		return "exec_prepared"
	case KindPrepare:
		return "prepare"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Request is one statement for the server.
type Request struct {
	Kind   Kind
	Name   string // prepared statement name
	SQL    string
	Params []any
}

// Result is the final outcome of one request. Values are in text format;
// a nil value is SQL NULL.
type Result struct {
	Columns      []string
	Rows         [][][]byte
	Tag          string // command tag, e.g. "INSERT 0 1"
	RowsAffected int64
}

// Value returns the text of row r, column c and whether it is non-NULL.
func (res *Result) Value(r, c int) (string, bool) {
	v := res.Rows[r][c]
	if v == nil {
		return "", false
	}
	return string(v), true
}

// Column returns the index of the named column, or -1.
func (res *Result) Column(name string) int {
	for i, c := range res.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// SQLError is an error the server reported for one statement.
type SQLError struct {
	Severity string
	Code     string
	Message  string
	Detail   string
}

func (e *SQLError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("db: %s %s: %s (%s)", e.Severity, e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("db: %s %s: %s", e.Severity, e.Code, e.Message)
}

// Outcome pairs a completed request with its result or statement error.
type Outcome struct {
	Result *Result
	Err    error
}

// Driver is a non-blocking connection speaking one wire protocol. Its
// methods never block; the Client calls them from readiness callbacks.
type Driver interface {
	// Fd is the descriptor the reactor watches.
	Fd() int
	// Accepting reports whether Send may be called: connection startup is
	// complete and the connection is usable.
	Accepting() bool
	// Send encodes req into the outbound buffer.
	Send(req Request) error
	// Pending reports whether encoded output still waits for Flush.
	Pending() bool
	// Flush writes buffered output and reports whether all of it left.
	Flush() (bool, error)
	// Consume reads all available input and returns the outcomes of the
	// requests that completed, in send order. An error is connection-level.
	Consume() ([]Outcome, error)
	// Busy reports whether the driver waits for server input.
	Busy() bool
	Close() error
}
