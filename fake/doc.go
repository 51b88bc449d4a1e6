// Package fake
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Deterministic doubles for the reactor runtime: a manual clock, a scripted
// readiness poller, an in-memory socket, a scripted secure layer and a
// scripted database driver. Nothing here touches the OS.
package fake
