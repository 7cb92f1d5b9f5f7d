// Package clock provides the time source and single-shot timers used by the
// conversation engine and the speak gate.
//
// Production code uses [Real], which delegates to the time package. Tests use
// the manually advanced implementation in clock/fake so that timer-driven
// behaviour can be asserted at exact instants.
package clock

import "time"

// Timer is a cancelable single-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer; false means the timer already fired or was stopped.
	Stop() bool
}

// Clock is a source of the current time and of single-shot timers.
type Clock interface {
	Now() time.Time

	// AfterFunc waits for d to elapse and then calls f in its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall-clock implementation of [Clock].
type Real struct{}

var _ Clock = Real{}

// Now returns time.Now.
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
