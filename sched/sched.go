// Package sched provides the default owner-run-state oracle and
// scheduling priorities for goroutines.
//
// Go does not expose whether a goroutine is currently on a processor.
// Registry approximates it: a goroutine is running unless it is asleep in
// a waiter queue, or it has declared itself off-processor with Park
// (for example around a slow syscall or a sleep while holding a lock).
// A wrong answer costs only performance: a contender spins where it could
// have slept, or sleeps where it could have spun.
package sched

import (
	"sync"

	"github.com/neilotoole/kmutex/internal/gid"
)

// Sleepers reports whether a goroutine is asleep in a waiter queue.
// It is implemented by *turnstile.Table.
type Sleepers interface {
	Sleeping(tok uint64) bool
}

// Registry is a run-state oracle and priority table keyed by goroutine
// token. Use New to construct one.
type Registry struct {
	sleepers Sleepers

	// parked is the set of tokens declared off-processor.
	parked sync.Map

	// prio maps token to scheduling priority. Absent means zero.
	prio sync.Map
}

// New returns a Registry that consults sleepers, which may be nil.
func New(sleepers Sleepers) *Registry {
	return &Registry{sleepers: sleepers}
}

// IsRunning reports whether the goroutine identified by tok is believed
// to be executing on a processor.
func (r *Registry) IsRunning(tok uint64) bool {
	if tok == 0 {
		return false
	}
	if _, ok := r.parked.Load(tok); ok {
		return false
	}
	if r.sleepers != nil && r.sleepers.Sleeping(tok) {
		return false
	}
	return true
}

// Park declares the calling goroutine off-processor until Unpark.
func (r *Registry) Park() {
	r.parked.Store(gid.Self(), struct{}{})
}

// Unpark reverses Park.
func (r *Registry) Unpark() {
	r.parked.Delete(gid.Self())
}

// Parked runs fn with the calling goroutine declared off-processor.
func (r *Registry) Parked(fn func()) {
	r.Park()
	defer r.Unpark()
	fn()
}

// SetPriority sets the calling goroutine's scheduling priority. Higher
// values are woken first.
func (r *Registry) SetPriority(pri int) {
	tok := gid.Self()
	if pri == 0 {
		r.prio.Delete(tok)
		return
	}
	r.prio.Store(tok, pri)
}

// Priority returns the scheduling priority of the goroutine identified
// by tok.
func (r *Registry) Priority(tok uint64) int {
	if v, ok := r.prio.Load(tok); ok {
		return v.(int)
	}
	return 0
}
