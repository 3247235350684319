// Package backoff implements the exponential backoff used by spinning
// lock contenders.
//
// The curve is a tuning policy, not a contract: callers only rely on
// Spin eventually yielding the processor so that a descheduled lock
// holder gets to run.
package backoff

import (
	"runtime"
	"sync/atomic"
)

const (
	// DefaultMin is the default number of pause iterations of the
	// first backoff round.
	DefaultMin = 4

	// DefaultMax is the default cap on pause iterations per round.
	DefaultMax = 128
)

// sink is read by pause so that the loop has an observable effect.
var sink atomic.Uint32

// Backoff is an exponential spin backoff. Use New to construct one.
type Backoff struct {
	count int
	min   int
	max   int
}

// New returns a Backoff whose rounds start at min pause iterations and
// double up to max. Non-positive values select the defaults.
func New(min, max int) Backoff {
	if min <= 0 {
		min = DefaultMin
	}
	if max <= 0 {
		max = DefaultMax
	}
	if max < min {
		max = min
	}
	return Backoff{count: min, min: min, max: max}
}

// Spin busy-waits for the current round, then doubles the round length
// up to the cap. Once capped, each round also yields the processor.
func (b *Backoff) Spin() {
	pause(b.count)
	if b.count < b.max {
		b.count <<= 1
		if b.count > b.max {
			b.count = b.max
		}
		return
	}
	runtime.Gosched()
}

// Reset returns the backoff to its first round.
func (b *Backoff) Reset() {
	b.count = b.min
}

// Count returns the length of the next round.
func (b *Backoff) Count() int {
	return b.count
}

func pause(n int) {
	for i := 0; i < n; i++ {
		_ = sink.Load()
	}
}
