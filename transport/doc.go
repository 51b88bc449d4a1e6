// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking stream connections driven by the reactor. A Conn owns one
// descriptor, buffers outbound chunks and reports its lifecycle as typed
// Event values. An optional Layer (TLS) is interposed between the Conn and
// the raw socket once the descriptor is connected.
package transport
