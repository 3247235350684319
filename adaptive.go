package kmutex

import (
	"time"

	"github.com/neilotoole/kmutex/lockstat"
	"github.com/neilotoole/kmutex/turnstile"
)

func (m *Mutex) adaptiveEnter() {
	sys := m.sys
	self := sys.self()
	if sys.cfg.Debug {
		if cur := sys.levels.Current(); !cur.Soft() {
			sys.abortf(m, "enter", ErrPriorityLevel, "adaptive mutex acquired at %s", cur)
		}
	}

	if m.owner.CompareAndSwap(0, ownerWord(self)) {
		sys.locked(m, self)
		return
	}
	m.adaptiveEnterSlow(self)
}

// adaptiveEnterSlow acquires m for self after the fast path failed.
//
// Each round tries the CAS, then looks at the owner: while the owner is
// running, spin; otherwise commit to sleeping under the turnstile
// interlock, re-checking the owner first. A woken sleeper does not own
// m; it goes around again and races for it.
func (m *Mutex) adaptiveEnterSlow(self uint64) {
	sys := m.sys
	b := sys.cfg.newBackoff()
	start := time.Now()
	var (
		spins, sleeps       uint64
		spinTime, sleepTime time.Duration
	)

	for {
		if m.owner.CompareAndSwap(0, ownerWord(self)) {
			break
		}

		owner := ownerOf(m.owner.Load())
		if owner == 0 {
			continue
		}
		if owner == self {
			sys.abort(m, "enter", ErrLockingAgainstMyself, "")
		}

		if sys.sched.IsRunning(owner) {
			spinStart := time.Now()
			for {
				if sys.Panicking() {
					sys.getLog().Warn("Mutex acquire abandoned: panicking", m.logAttrs()...)
					return
				}
				b.Spin()
				spins++
				sys.checkSpin(m, "enter", spinStart)

				cur := ownerOf(m.owner.Load())
				if cur != owner || !sys.sched.IsRunning(cur) {
					break
				}
			}
			spinTime += time.Since(spinStart)
			continue
		}

		// The owner is not running: prepare to sleep. From here until
		// Block or Exit, we hold the interlock, and the owner cannot
		// release m without seeing our registration.
		sys.queue.LookupOrCreate(m.id)

		owner = ownerOf(m.owner.Load())
		if owner == 0 || sys.sched.IsRunning(owner) {
			sys.queue.Exit(m.id)
			continue
		}
		if !m.setWaiters(owner) {
			sys.queue.Exit(m.id)
			continue
		}

		sleepStart := time.Now()
		sys.queue.Block(m.id, turnstile.WriterQ, sys.sched.Priority(self), self)
		sleepTime += time.Since(sleepStart)
		sleeps++
		b.Reset()
	}

	sys.record(m, lockstat.Spin, spins, spinTime)
	sys.record(m, lockstat.Sleep, sleeps, sleepTime)
	sys.noteSlow(m, time.Since(start))
	sys.locked(m, self)
}

// setWaiters sets the has-waiters bit, provided m is still held by
// owner. It reports false if the owner changed.
func (m *Mutex) setWaiters(owner uint64) bool {
	for {
		word := m.owner.Load()
		if ownerOf(word) != owner {
			return false
		}
		if word&waitersBit != 0 {
			return true
		}
		if m.owner.CompareAndSwap(word, word|waitersBit) {
			return true
		}
	}
}

func (m *Mutex) adaptiveTryEnter() bool {
	sys := m.sys
	self := sys.self()
	if m.owner.CompareAndSwap(0, ownerWord(self)) {
		sys.locked(m, self)
		return true
	}
	return false
}

func (m *Mutex) adaptiveExit() {
	sys := m.sys
	self := sys.self()
	word := m.owner.Load()
	if ownerOf(word) != self {
		if sys.Panicking() {
			return
		}
		if word == 0 {
			sys.abort(m, "exit", ErrNotOwner, "not held")
		}
		sys.abortf(m, "exit", ErrNotOwner, "held by %d", ownerOf(word))
	}
	if sys.cfg.Debug {
		if cur := sys.levels.Current(); !cur.Soft() {
			sys.abortf(m, "exit", ErrPriorityLevel, "adaptive mutex released at %s", cur)
		}
	}
	sys.unlocked(m, self)

	// Without the waiters bit, no goroutine is registered to sleep on m:
	// a sleeper sets the bit under the interlock before it registers, and
	// only a release clears it. If the CAS fails, the bit is set.
	if m.owner.CompareAndSwap(ownerWord(self), 0) {
		return
	}

	if sys.queue.Lookup(m.id) {
		m.owner.Store(0)
		sys.queue.WakeAll(m.id, turnstile.WriterQ)
	} else {
		m.owner.Store(0)
	}
	sys.queue.Exit(m.id)
}
