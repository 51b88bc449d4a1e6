// File: reactor/observer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import "time"

// Observer receives loop telemetry. Methods are called from the loop
// goroutine, except Stalled which the watchdog calls from its own.
type Observer interface {
	Iteration(ready int, timers int)
	Dispatched(kind string, elapsed time.Duration)
	Descriptors(n int)
	BudgetExceeded(callback string)
	Stalled(callback string)
}

type nopObserver struct{}

func (nopObserver) Iteration(int, int)                {}
func (nopObserver) Dispatched(string, time.Duration) {}
func (nopObserver) Descriptors(int)                  {}
func (nopObserver) BudgetExceeded(string)            {}
func (nopObserver) Stalled(string)                   {}
