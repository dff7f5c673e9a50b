// Package clock defines the time source a scheduling context reads.
//
// Wall time comes from a clockwork.Clock so tests can substitute a fake;
// the simulated clock lives in package simulation because its controller owns it.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock yields the current instant of a context's timeline.
type Clock interface {
	Now() time.Time
}

// Wall is the wall-clock abstraction used for timers, tickers and real time.
type Wall = clockwork.Clock

// System returns the process wall clock.
func System() Wall { return clockwork.NewRealClock() }

// OrSystem returns w, or the process wall clock when w is nil.
func OrSystem(w Wall) Wall {
	if w == nil {
		return System()
	}
	return w
}

// Real reports wall time. The zero value uses the system clock.
type Real struct {
	W Wall
}

func NewReal(w Wall) Real { return Real{W: w} }

func (r Real) Now() time.Time {
	if r.W == nil {
		return time.Now()
	}
	return r.W.Now()
}

// Func adapts a plain function to Clock.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }

// Millis converts t to milliseconds since the Unix epoch.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// FromMillis is the inverse of Millis, in UTC.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
