// Package pool
// Author: momentics <momentics@gmail.com>
//
// Reusable read buffers for the socket read path. Buffers never escape a
// single readiness callback: payloads handed to upper layers are copies.
package pool
