// File: db/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package db

import (
	"time"

	"go.uber.org/zap"
)

// Observer is told about every resolved request and every teardown.
type Observer interface {
	Completed(kind Kind, elapsed time.Duration, err error)
	TornDown()
}

type nopObserver struct{}

func (nopObserver) Completed(Kind, time.Duration, error) {}
func (nopObserver) TornDown()                            {}

type config struct {
	logger   *zap.Logger
	observer Observer
	depth    int
}

func newConfig(opts []Option) config {
	cfg := config{logger: zap.NewNop(), observer: nopObserver{}, depth: 1}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// Option customizes a Client.
type Option func(*config)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithObserver reports request outcomes to o.
func WithObserver(o Observer) Option {
	return func(c *config) { c.observer = o }
}

// WithPipelineDepth lets up to n requests be in flight at once. The
// default of 1 sends the next request only after the previous result.
func WithPipelineDepth(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.depth = n
		}
	}
}
