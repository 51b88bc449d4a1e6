// Package secure
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TLS for reactor connections. Engine adapts crypto/tls to the
// transport.Layer contract: handshake steps that would block report
// ErrWantRead or ErrWantWrite instead, and encrypted output is buffered
// until the descriptor is writable.
package secure
