package kmutex

import (
	"sync"
	"time"

	"github.com/neilotoole/kmutex/ipl"
	"github.com/neilotoole/kmutex/lockstat"
)

func (m *Mutex) spinEnter() {
	sys := m.sys
	if sys.audit != nil {
		sys.audit.Want(m.id, sys.self())
	}

	s := sys.levels.RaiseTo(m.minIPL)
	if m.held.CompareAndSwap(0, 1) {
		m.spinAcquired(s)
		return
	}
	m.spinRetry(s)
}

// spinRetry spins until m is acquired. The caller's original level s is
// restored while waiting, so that only the final attempt runs at the
// mutex's level.
func (m *Mutex) spinRetry(s ipl.Level) {
	sys := m.sys
	b := sys.cfg.newBackoff()
	start := time.Now()
	var count uint64

	for {
		sys.levels.Restore(s)
		for m.held.Load() != 0 {
			if sys.Panicking() {
				sys.getLog().Warn("Spin mutex acquire abandoned: panicking", m.logAttrs()...)
				return
			}
			b.Spin()
			count++
			sys.checkSpin(m, "enter", start)
		}

		sys.levels.RaiseTo(m.minIPL)
		if m.held.CompareAndSwap(0, 1) {
			break
		}
	}

	sys.record(m, lockstat.Spin, count, time.Since(start))
	m.spinAcquired(s)
}

// spinNest is a goroutine's count of held spin mutexes, and its level
// from before it acquired the first of them. Only the goroutine itself
// reads or writes its spinNest.
type spinNest struct {
	count  int
	oldIPL ipl.Level
}

var spinNestPool = sync.Pool{New: func() any { return &spinNest{} }}

// nest returns the spinNest of the goroutine tok, creating it if needed.
func (s *Subsystem) nest(tok uint64) *spinNest {
	if v, ok := s.spinHeld.Load(tok); ok {
		return v.(*spinNest)
	}
	n := spinNestPool.Get().(*spinNest)
	n.count, n.oldIPL = 0, ipl.None
	s.spinHeld.Store(tok, n)
	return n
}

// spinAcquired completes an acquire of m by the calling goroutine, whose
// level before the acquire was s. Only the level from before the
// outermost spin mutex is kept: releases may come in any order, and the
// goroutine stays raised until it holds no spin mutex.
func (m *Mutex) spinAcquired(s ipl.Level) {
	sys := m.sys
	tok := sys.self()
	if n := sys.nest(tok); n.count == 0 {
		n.oldIPL = s
		n.count = 1
	} else {
		n.count++
	}
	m.holder.Store(tok)
	if cur := sys.levels.Current(); cur < m.minIPL {
		sys.abortf(m, "enter", ErrPriorityLevel, "held at %s, below %s", cur, m.minIPL)
	}
	sys.locked(m, tok)
}

func (m *Mutex) spinTryEnter() bool {
	sys := m.sys
	s := sys.levels.RaiseTo(m.minIPL)
	if m.held.CompareAndSwap(0, 1) {
		m.spinAcquired(s)
		return true
	}
	sys.levels.Restore(s)
	return false
}

func (m *Mutex) spinExit() {
	sys := m.sys
	tok := sys.self()
	if m.held.Load() == 0 || m.holder.Load() != tok {
		if sys.Panicking() {
			return
		}
		if m.held.Load() == 0 {
			sys.abort(m, "exit", ErrNotOwner, "not held")
		}
		sys.abortf(m, "exit", ErrNotOwner, "held by %d", m.holder.Load())
	}
	if cur := sys.levels.Current(); cur < m.minIPL {
		sys.abortf(m, "exit", ErrPriorityLevel, "held at %s, below %s", cur, m.minIPL)
	}

	sys.unlocked(m, tok)
	n := sys.nest(tok)
	n.count--
	m.holder.Store(0)
	m.held.Store(0)
	if n.count > 0 {
		return
	}

	s := n.oldIPL
	sys.spinHeld.Delete(tok)
	spinNestPool.Put(n)
	sys.levels.Restore(s)
}
