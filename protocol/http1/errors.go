// File: protocol/http1/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package http1

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-reactor/api"
)

var (
	// ErrMalformed marks bytes that are not valid HTTP/1.x.
	ErrMalformed = errors.New("http1: malformed message")
	// ErrHeaderTooLarge is returned once the header section exceeds the limit.
	ErrHeaderTooLarge = errors.New("http1: header section too large")
	// ErrBodyTooLarge is returned once a body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("http1: body too large")
)

func malformed(format string, args ...any) error {
	return api.NewError(api.KindProtocol, "http1.parse", fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...))
}

func tooLarge(err error, limit int64) error {
	return api.NewError(api.KindProtocol, "http1.parse", err).WithContext("limit", limit)
}
