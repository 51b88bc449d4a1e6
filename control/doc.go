// Package control
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-level plumbing around the reactor: YAML configuration with a
// reloadable store, zap logger construction, Prometheus metrics that plug
// into every observer hook, and debug probes.
//
// Nothing in the runtime packages imports control. A program reads a
// Config, translates it into per-package options and wires one Metrics
// value into the reactor, transport, server and db layers.
package control
