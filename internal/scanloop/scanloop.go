// Package scanloop runs jittered background sweeps. The interval comes from
// a closure consulted before every cycle, so runtime-config changes take
// effect without restarting the loop.
package scanloop

import (
	"math/rand/v2"
	"time"
)

// jitterFraction spreads each cycle by up to this share of the interval so
// replicas sharing a config do not sweep their peers in lockstep.
const jitterFraction = 0.25

// Run calls fn on a jittered cadence until stopCh closes. Non-positive
// intervals fall back to one second.
func Run(stopCh <-chan struct{}, interval func() time.Duration, fn func()) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		base := interval()
		if base <= 0 {
			base = time.Second
		}
		wait := base + time.Duration(rand.Int64N(int64(float64(base)*jitterFraction)+1))

		timer.Reset(wait)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}
