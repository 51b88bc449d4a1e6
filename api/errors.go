// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities shared by the reactor,
// transport, protocol and database layers.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrClosed             = errors.New("resource is closed")
	ErrWouldBlock         = errors.New("operation would block")
	ErrTooManyDescriptors = errors.New("too many registered descriptors")
	ErrAlreadyRegistered  = errors.New("descriptor interest already registered")
	ErrNilCallback        = errors.New("nil callback")
	ErrCallbackBudget     = errors.New("callback exceeded its execution budget")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Kind classifies an error by how the runtime reacts to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers readiness conditions that are retried, never surfaced.
	KindTransient
	// KindPeerClosed covers EOF, reset and broken pipe.
	KindPeerClosed
	// KindProtocol covers malformed wire data.
	KindProtocol
	// KindResourceLimit covers configured caps such as the descriptor limit.
	KindResourceLimit
	// KindProgrammer covers API misuse.
	KindProgrammer
	// KindStall covers callbacks that blew their time budget.
	KindStall
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPeerClosed:
		return "peer-closed"
	case KindProtocol:
		return "protocol"
	case KindResourceLimit:
		return "resource-limit"
	case KindProgrammer:
		return "programmer"
	case KindStall:
		return "stall"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind must stop the reactor.
func (k Kind) Fatal() bool {
	return k == KindResourceLimit || k == KindProgrammer || k == KindStall
}

// Error represents a structured error with kind, operation and context.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new structured error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must terminate the reactor loop.
func IsFatal(err error) bool {
	return KindOf(err).Fatal()
}
