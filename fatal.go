package kmutex

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors wrapped by FatalError. A FatalError is never returned:
// lock misuse panics with it.
var (
	// ErrLockingAgainstMyself is reported when a goroutine acquires a
	// mutex it already holds.
	ErrLockingAgainstMyself = errors.New("locking against myself")

	// ErrNotOwner is reported when a goroutine releases a mutex it does
	// not hold.
	ErrNotOwner = errors.New("not owner")

	// ErrDestroyBusy is reported when a held mutex, or one with
	// registered waiters, is destroyed.
	ErrDestroyBusy = errors.New("destroy of busy mutex")

	// ErrPriorityLevel is reported when a mutex is used at a priority
	// level that violates its invariant.
	ErrPriorityLevel = errors.New("bad priority level")

	// ErrSpunTooLong is reported in debug configurations when an
	// acquire spins longer than Config.SpinTimeout.
	ErrSpunTooLong = errors.New("spun too long")

	// ErrBadInit is reported when a mutex is initialized with an invalid
	// kind or priority level.
	ErrBadInit = errors.New("bad initialization")

	// ErrUninitialized is reported when a mutex is used before Init.
	ErrUninitialized = errors.New("use of uninitialized mutex")

	// ErrNotObject is reported on reference count misuse of a mutex
	// object.
	ErrNotObject = errors.New("bad mutex object reference")

	// ErrValidation is reported when the lock validator detects misuse.
	ErrValidation = errors.New("validation failed")
)

// FatalError describes unrecoverable mutex misuse. Mutex methods panic
// with a *FatalError; use errors.Is on it to test for a sentinel.
type FatalError struct {
	// Err is the sentinel describing the failure.
	Err error

	// Op is the operation that failed, e.g. "enter".
	Op string

	// Msg is optional detail.
	Msg string

	// Name is the mutex's diagnostic name, possibly empty.
	Name string

	// Kind of the mutex.
	Kind Kind

	// LockID identifies the mutex, or is zero if unknown.
	LockID uint64

	// Owner is the owner token observed when the failure was detected.
	Owner uint64

	// Waiters is the waiters flag observed when the failure was
	// detected.
	Waiters bool
}

// Error implements error.
func (e *FatalError) Error() string {
	s := "kmutex: " + e.Op + ": "
	if e.LockID != 0 {
		s += "lock " + strconv.FormatUint(e.LockID, 10)
		if e.Name != "" {
			s += " (" + e.Name + ")"
		}
		s += ": "
	}
	s += e.Err.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Unwrap returns the sentinel.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// abort reports a fatal error on m, which may be nil. It marks s as
// panicking, logs the diagnostic state, and panics. It does not return.
func (s *Subsystem) abort(m *Mutex, op string, err error, msg string) {
	fe := &FatalError{Err: err, Op: op, Msg: msg}
	if m != nil {
		fe.LockID, fe.Name, fe.Kind = m.id, m.name, m.kind
		fe.Owner = m.Owner()
		fe.Waiters = m.HasWaiters()
	}

	s.panicking.Store(true)
	s.getLog().Error("Fatal mutex error",
		"op", op,
		"lock", fe.LockID,
		"name", fe.Name,
		"kind", fe.Kind.String(),
		"owner", fe.Owner,
		"waiters", fe.Waiters,
		"err", fe.Error(),
	)
	panic(fe)
}

// abortf is abort with a formatted message.
func (s *Subsystem) abortf(m *Mutex, op string, err error, format string, args ...any) {
	s.abort(m, op, err, fmt.Sprintf(format, args...))
}

// Panicking reports whether s has reported a fatal error, or was marked
// with MarkPanicking. Spin loops of a panicking subsystem give up
// instead of spinning, so that emergency diagnostics can make progress.
func (s *Subsystem) Panicking() bool {
	return s.panicking.Load()
}

// MarkPanicking marks s as panicking. It cannot be undone.
func (s *Subsystem) MarkPanicking() {
	s.panicking.Store(true)
}
