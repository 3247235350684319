// Package ipl implements interrupt priority levels for goroutines.
//
// A priority level masks work of lower levels: a spin mutex raises its
// holder to the mutex's configured minimum for the duration of the
// critical section. Go has no interrupts, so a Manager simply tracks the
// effective level of each goroutine, which lets lock code enforce and
// tests observe the level discipline.
package ipl

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/neilotoole/kmutex/internal/gid"
)

// Level is a priority level. Higher values mask more.
type Level int32

// Priority levels, lowest to highest.
const (
	None Level = iota
	SoftClock
	SoftBio
	SoftNet
	SoftSerial
	VM
	Sched
	High
)

var names = [...]string{
	None:       "none",
	SoftClock:  "softclock",
	SoftBio:    "softbio",
	SoftNet:    "softnet",
	SoftSerial: "softserial",
	VM:         "vm",
	Sched:      "sched",
	High:       "high",
}

// String implements fmt.Stringer.
func (l Level) String() string {
	if l.Valid() {
		return names[l]
	}
	return "ipl(" + strconv.Itoa(int(l)) + ")"
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= None && l <= High
}

// Soft reports whether l is None or a software interrupt level, at which
// a blocking (adaptive) lock may be used.
func (l Level) Soft() bool {
	return l >= None && l <= SoftSerial
}

// Parse returns the level named s, as produced by Level.String.
func Parse(s string) (Level, bool) {
	for i, name := range names {
		if name == s {
			return Level(i), true
		}
	}
	return None, false
}

// Manager tracks the effective priority level of each goroutine. A
// goroutine only ever changes its own level; any goroutine may read the
// level of another via LevelOf.
//
// The zero value is ready for use.
type Manager struct {
	// levels maps goroutine token to *atomic.Int32. Goroutines at None
	// have no entry.
	levels sync.Map
}

// NewManager returns a new Manager.
func NewManager() *Manager {
	return &Manager{}
}

// RaiseTo raises the calling goroutine's level to l and returns the
// previous level. If the goroutine is already at or above l, the level
// is unchanged.
func (m *Manager) RaiseTo(l Level) Level {
	tok := gid.Self()
	if v, ok := m.levels.Load(tok); ok {
		cur := v.(*atomic.Int32)
		prev := Level(cur.Load())
		if l > prev {
			cur.Store(int32(l))
		}
		return prev
	}

	if l > None {
		v := &atomic.Int32{}
		v.Store(int32(l))
		m.levels.Store(tok, v)
	}
	return None
}

// Restore sets the calling goroutine's level to prev, as returned by an
// earlier RaiseTo.
func (m *Manager) Restore(prev Level) {
	tok := gid.Self()
	if prev <= None {
		m.levels.Delete(tok)
		return
	}

	if v, ok := m.levels.Load(tok); ok {
		v.(*atomic.Int32).Store(int32(prev))
		return
	}
	v := &atomic.Int32{}
	v.Store(int32(prev))
	m.levels.Store(tok, v)
}

// Current returns the calling goroutine's level.
func (m *Manager) Current() Level {
	return m.LevelOf(gid.Self())
}

// LevelOf returns the level of the goroutine identified by tok.
func (m *Manager) LevelOf(tok uint64) Level {
	if v, ok := m.levels.Load(tok); ok {
		return Level(v.(*atomic.Int32).Load())
	}
	return None
}
