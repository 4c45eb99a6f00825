package dispatch

import (
	"sync/atomic"
	"time"
)

// GuardState is the lifecycle of a TimeoutGuard.
type GuardState int32

const (
	GuardArmed GuardState = iota
	GuardFired
	GuardCancelled
)

func (s GuardState) String() string {
	switch s {
	case GuardArmed:
		return "armed"
	case GuardFired:
		return "fired"
	case GuardCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TimeoutGuard runs fire once after a delay unless cancelled first. Fire and
// Cancel race through a single compare-and-swap, so exactly one of them wins.
type TimeoutGuard struct {
	state atomic.Int32
	timer *time.Timer
}

// NewTimeoutGuard arms a guard that calls fire after d.
func NewTimeoutGuard(d time.Duration, fire func()) *TimeoutGuard {
	g := &TimeoutGuard{}
	g.timer = time.AfterFunc(d, func() {
		if g.state.CompareAndSwap(int32(GuardArmed), int32(GuardFired)) {
			fire()
		}
	})
	return g
}

// Cancel disarms the guard. It reports whether the guard moved from armed to
// cancelled; false means it had already fired or been cancelled.
func (g *TimeoutGuard) Cancel() bool {
	if !g.state.CompareAndSwap(int32(GuardArmed), int32(GuardCancelled)) {
		return false
	}
	g.timer.Stop()
	return true
}

func (g *TimeoutGuard) State() GuardState {
	return GuardState(g.state.Load())
}
