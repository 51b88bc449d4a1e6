// File: reactor/watchdog.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stall watchdog. It only reports; a wedged loop cannot be recovered.

package reactor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// startHeartbeat keeps an idle loop iterating so the watchdog can tell idle
// from wedged.
func (r *Reactor) startHeartbeat() {
	interval := r.stallWindow / 2
	if r.heartbeat == nil {
		r.heartbeat = NewTimer("reactor.heartbeat", func() {
			r.AddTimeout(r.heartbeat, interval)
		})
	}
	r.AddTimeout(r.heartbeat, interval)
}

func (r *Reactor) watchdog(ctx context.Context) {
	ticker := time.NewTicker(r.stallWindow / 2)
	defer ticker.Stop()
	var reported int64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			last := r.lastTick.Load()
			idle := now.Sub(time.Unix(0, last))
			if idle <= r.stallWindow || last == reported {
				continue
			}
			reported = last
			r.reportStall(idle)
		}
	}
}

func (r *Reactor) reportStall(idle time.Duration) {
	current, _ := r.current.Load().(string)
	fields := []zap.Field{
		zap.Duration("since_last_iteration", idle),
		zap.Duration("stall_window", r.stallWindow),
		zap.String("callback", current),
		zap.Int64("descriptors", r.nfds.Load()),
	}
	if r.diagnostics != nil {
		fields = append(fields, zap.Any("diagnostics", r.diagnostics()))
	}
	r.logger.Error("reactor: loop wedged", fields...)
	r.observer.Stalled(current)
}
