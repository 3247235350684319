// Package kmutex implements an adaptive mutual exclusion engine in the
// manner of a kernel mutex.
//
// A Mutex is one of two kinds, fixed when it is initialized:
//
//   - Spin: contenders busy-wait with their priority level raised to the
//     mutex's minimum, and never sleep. The holder stays at or above the
//     minimum level for the whole critical section.
//   - Adaptive: contenders spin while the holder is running on a
//     processor, and sleep on a waiter queue while it is not. Release
//     wakes every sleeper, and the sleepers race for the mutex again.
//
// The adaptive state is one atomic word holding the owner token and a
// has-waiters bit. It is only ever changed by compare-and-swap; no other
// lock protects it.
//
// The services a mutex depends on (the waiter queue, the owner run-state
// oracle, the priority-level manager, statistics and validation) are
// injected through a Subsystem. Defaults suitable for goroutines are
// provided by packages turnstile, sched, ipl, lockstat and lockdebug.
//
// Misuse such as recursive acquisition, release by a non-owner, or
// destroying a busy mutex is a programming error: the offending call
// panics with a *FatalError.
package kmutex

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/neilotoole/kmutex/ipl"
)

// Kind is the kind of a Mutex.
type Kind int

// Mutex kinds.
const (
	// KindDefault selects Adaptive for levels at which sleeping is
	// allowed (ipl.None and the soft levels), and Spin otherwise. It is
	// only valid as an argument to Init; a mutex never has KindDefault.
	KindDefault Kind = iota
	Adaptive
	Spin
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case Adaptive:
		return "adaptive"
	case Spin:
		return "spin"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// The adaptive state word is owner<<1 | waitersBit.
const waitersBit = 1

func ownerOf(word uint64) uint64 { return word >> 1 }

func ownerWord(tok uint64) uint64 { return tok << 1 }

var _ sync.Locker = (*Mutex)(nil)

// Mutex is a mutual exclusion lock. It must be initialized with
// Subsystem.Init or created with Subsystem.New, and must not be copied
// after initialization.
//
// Unlike sync.Mutex, a Mutex is owned: it must be released by the
// goroutine that acquired it.
type Mutex struct {
	sys  *Subsystem
	kind Kind
	id   uint64
	name string

	// owner is the adaptive state word.
	owner atomic.Uint64

	// held is the spin lock word: 1 if held.
	held atomic.Uint32

	// holder is the token of the spin mutex's holder. It is for
	// diagnostics and ownership queries only.
	holder atomic.Uint64

	// minIPL is the level a spin mutex is held at.
	minIPL ipl.Level

	// obj is set for mutexes from ObjAlloc; refs is their reference count.
	obj  bool
	refs atomic.Int64
}

// New returns a new mutex. See Init.
func (s *Subsystem) New(name string, kind Kind, level ipl.Level) *Mutex {
	m := &Mutex{}
	s.Init(m, name, kind, level)
	return m
}

// Init initializes m. Name is an optional diagnostic name. An Adaptive
// mutex requires level ipl.None; a Spin mutex is held at level, at least.
// Invalid arguments are fatal.
func (s *Subsystem) Init(m *Mutex, name string, kind Kind, level ipl.Level) {
	if !level.Valid() {
		s.abortf(nil, "init", ErrBadInit, "invalid level %s", level)
	}

	switch kind {
	case KindDefault:
		if level.Soft() {
			kind, level = Adaptive, ipl.None
		} else {
			kind = Spin
		}
	case Adaptive:
		if level != ipl.None {
			s.abortf(nil, "init", ErrBadInit, "adaptive mutex at level %s", level)
		}
	case Spin:
	default:
		s.abortf(nil, "init", ErrBadInit, "invalid kind %s", kind)
	}

	m.sys = s
	m.kind = kind
	m.name = name
	m.minIPL = level
	m.owner.Store(0)
	m.held.Store(0)
	m.holder.Store(0)
	m.obj = false
	m.refs.Store(0)
	m.id = s.nextID.Add(1)

	if s.audit != nil {
		s.audit.Alloc(m.id, name, kind.String())
	}
	s.getLog().Debug("Mutex initialized", append(m.logAttrs(), "ipl", level.String())...)
}

// Destroy releases m's resources. Destroying a held mutex, or one with
// registered waiters, is fatal.
func (m *Mutex) Destroy() {
	sys := m.mustInit("destroy")
	switch m.kind {
	case Adaptive:
		if word := m.owner.Load(); word != 0 {
			sys.abortf(m, "destroy", ErrDestroyBusy, "held by %d", ownerOf(word))
		}
		if n := sys.queue.Waiters(m.id); n > 0 {
			sys.abortf(m, "destroy", ErrDestroyBusy, "%d waiters registered", n)
		}
	case Spin:
		if m.held.Load() != 0 {
			sys.abortf(m, "destroy", ErrDestroyBusy, "held by %d", m.holder.Load())
		}
	}

	if sys.audit != nil {
		sys.audit.Free(m.id)
	}
	sys.getLog().Debug("Mutex destroyed", m.logAttrs()...)
}

func (m *Mutex) mustInit(op string) *Subsystem {
	if m.sys == nil {
		panic(&FatalError{Err: ErrUninitialized, Op: op})
	}
	return m.sys
}

// Enter acquires m. If m is held, the calling goroutine spins or sleeps
// until m is available. Acquiring a mutex already held by the calling
// goroutine is fatal.
func (m *Mutex) Enter() {
	switch m.kind {
	case Adaptive:
		m.adaptiveEnter()
	case Spin:
		m.spinEnter()
	default:
		m.mustInit("enter")
	}
}

// Exit releases m. Releasing a mutex not held by the calling goroutine
// is fatal.
func (m *Mutex) Exit() {
	switch m.kind {
	case Adaptive:
		m.adaptiveExit()
	case Spin:
		m.spinExit()
	default:
		m.mustInit("exit")
	}
}

// TryEnter tries to acquire m without waiting, and reports whether it
// succeeded.
func (m *Mutex) TryEnter() bool {
	switch m.kind {
	case Adaptive:
		return m.adaptiveTryEnter()
	case Spin:
		return m.spinTryEnter()
	default:
		m.mustInit("tryenter")
		return false
	}
}

// Lock is Enter. It makes Mutex a sync.Locker.
func (m *Mutex) Lock() { m.Enter() }

// Unlock is Exit.
func (m *Mutex) Unlock() { m.Exit() }

// TryLock is TryEnter.
func (m *Mutex) TryLock() bool { return m.TryEnter() }

// Owned reports whether m is held by the calling goroutine. It is meant
// for assertions.
func (m *Mutex) Owned() bool {
	sys := m.mustInit("owned")
	switch m.kind {
	case Spin:
		return m.held.Load() != 0 && m.holder.Load() == sys.self()
	default:
		return ownerOf(m.owner.Load()) == sys.self()
	}
}

// Owner returns the token of the goroutine holding m, or zero if m is
// not held. The result may be stale by the time it is returned.
func (m *Mutex) Owner() uint64 {
	if m.kind == Spin {
		return m.holder.Load()
	}
	return ownerOf(m.owner.Load())
}

// HasWaiters reports whether the has-waiters flag of an adaptive m is
// set. It is always false for spin mutexes.
func (m *Mutex) HasWaiters() bool {
	return m.kind == Adaptive && m.owner.Load()&waitersBit != 0
}

// ID returns m's identifier, unique within its Subsystem.
func (m *Mutex) ID() uint64 { return m.id }

// Name returns m's diagnostic name.
func (m *Mutex) Name() string { return m.name }

// Kind returns m's kind.
func (m *Mutex) Kind() Kind { return m.kind }

// Level returns the minimum level a spin mutex is held at. It is
// ipl.None for adaptive mutexes.
func (m *Mutex) Level() ipl.Level { return m.minIPL }
