package kmutex

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/neilotoole/kmutex/internal/gid"
	"github.com/neilotoole/kmutex/ipl"
	"github.com/neilotoole/kmutex/lockdebug"
	"github.com/neilotoole/kmutex/lockstat"
	"github.com/neilotoole/kmutex/sched"
	"github.com/neilotoole/kmutex/turnstile"
)

// Scheduler is the owner-run-state oracle.
type Scheduler interface {
	// IsRunning reports whether the goroutine identified by tok is
	// currently executing on a processor.
	IsRunning(tok uint64) bool

	// Priority returns the scheduling priority at which the goroutine
	// identified by tok sleeps on a waiter queue.
	Priority(tok uint64) int
}

// WaitQueue is the waiter-queue service. While the interlock for a lock
// is held, the lock's id serves as the handle to its registration.
type WaitQueue interface {
	// Lookup takes the interlock for id and reports whether a non-empty
	// registration exists. The interlock is held on return either way.
	Lookup(id uint64) bool

	// LookupOrCreate takes the interlock for id and creates the
	// registration if needed.
	LookupOrCreate(id uint64)

	// Block sleeps the goroutine tok on queue q of id at priority pri,
	// handing off the interlock. It returns after the goroutine is woken.
	Block(id uint64, q turnstile.Queue, pri int, tok uint64)

	// WakeAll wakes every goroutine on queue q of id and returns the
	// number woken. The interlock stays held.
	WakeAll(id uint64, q turnstile.Queue) int

	// Exit releases the interlock for id.
	Exit(id uint64)

	// Waiters returns the number of goroutines sleeping on id.
	Waiters(id uint64) int
}

// Levels is the priority-level manager.
type Levels interface {
	// RaiseTo raises the calling goroutine to at least l, returning the
	// previous level.
	RaiseTo(l ipl.Level) ipl.Level

	// Restore sets the calling goroutine's level to prev.
	Restore(prev ipl.Level)

	// Current returns the calling goroutine's level.
	Current() ipl.Level
}

// Validator is notified of mutex lifecycle and ownership changes in
// debug configurations. It must not affect correctness.
type Validator interface {
	Alloc(id uint64, name, class string)
	Free(id uint64)
	Want(id, tok uint64)
	Locked(id, tok uint64)
	Unlocked(id, tok uint64)
}

var (
	_ Scheduler      = (*sched.Registry)(nil)
	_ WaitQueue      = (*turnstile.Table)(nil)
	_ Levels         = (*ipl.Manager)(nil)
	_ Validator      = (*lockdebug.Table)(nil)
	_ lockstat.Sink  = (*lockstat.Collector)(nil)
	_ sched.Sleepers = (*turnstile.Table)(nil)
)

// Options configures NewSubsystem. Every field is optional.
type Options struct {
	// Scheduler defaults to a sched.Registry that consults WaitQueue for
	// sleeping goroutines, if WaitQueue implements sched.Sleepers.
	Scheduler Scheduler

	// WaitQueue defaults to a new turnstile.Table.
	WaitQueue WaitQueue

	// Levels defaults to a new ipl.Manager.
	Levels Levels

	// Stats defaults to lockstat.Discard.
	Stats lockstat.Sink

	// Validator defaults to a lockdebug.Table if Config.Debug is set,
	// and to none otherwise.
	Validator Validator

	// Log defaults to discarding.
	Log *slog.Logger

	// Config defaults to DefaultConfig.
	Config *Config

	// Self returns the token of the calling goroutine. It defaults to
	// the goroutine id. Tokens must be non-zero and below 1<<63.
	Self func() uint64
}

// Subsystem binds mutexes to their collaborators. Mutexes are created
// by a Subsystem and use its collaborators for their whole life.
type Subsystem struct {
	sched  Scheduler
	queue  WaitQueue
	levels Levels
	stats  lockstat.Sink
	audit  Validator
	log    *slog.Logger
	cfg    Config
	self   func() uint64

	// slowLimit rate limits slow acquire logging.
	slowLimit *rate.Limiter

	// spinHeld maps goroutine token to *spinNest, for goroutines
	// holding at least one spin mutex.
	spinHeld sync.Map

	nextID    atomic.Uint64
	panicking atomic.Bool
}

// NewSubsystem returns a new Subsystem.
func NewSubsystem(opts Options) *Subsystem {
	s := &Subsystem{
		sched:     opts.Scheduler,
		queue:     opts.WaitQueue,
		levels:    opts.Levels,
		stats:     opts.Stats,
		audit:     opts.Validator,
		log:       opts.Log,
		self:      opts.Self,
		slowLimit: rate.NewLimiter(rate.Every(time.Second), 1),
	}

	if opts.Config != nil {
		s.cfg = *opts.Config
	} else {
		s.cfg = DefaultConfig()
	}
	if s.queue == nil {
		s.queue = turnstile.New()
	}
	if s.sched == nil {
		sleepers, _ := s.queue.(sched.Sleepers)
		s.sched = sched.New(sleepers)
	}
	if s.levels == nil {
		s.levels = ipl.NewManager()
	}
	if s.stats == nil {
		s.stats = lockstat.Discard
	}
	if s.audit == nil && s.cfg.Debug {
		s.audit = lockdebug.New(s.validationAbort)
	}
	if s.self == nil {
		s.self = gid.Self
	}
	return s
}

// Scheduler returns the subsystem's run-state oracle.
func (s *Subsystem) Scheduler() Scheduler { return s.sched }

// WaitQueue returns the subsystem's waiter-queue service.
func (s *Subsystem) WaitQueue() WaitQueue { return s.queue }

// Levels returns the subsystem's priority-level manager.
func (s *Subsystem) Levels() Levels { return s.levels }

// Validator returns the subsystem's validator, or nil.
func (s *Subsystem) Validator() Validator { return s.audit }

// Config returns the subsystem's configuration.
func (s *Subsystem) Config() Config { return s.cfg }

func (s *Subsystem) validationAbort(id uint64, msg string) {
	s.abort(nil, "validate", ErrValidation, "lock "+formatID(id)+": "+msg)
}

func (s *Subsystem) locked(m *Mutex, tok uint64) {
	if s.audit != nil {
		s.audit.Locked(m.id, tok)
	}
}

func (s *Subsystem) unlocked(m *Mutex, tok uint64) {
	if s.audit != nil {
		s.audit.Unlocked(m.id, tok)
	}
}

// checkSpin aborts if a spin that began at start has gone on too long.
func (s *Subsystem) checkSpin(m *Mutex, op string, start time.Time) {
	if s.cfg.Debug && s.cfg.SpinTimeout > 0 && time.Since(start) > s.cfg.SpinTimeout {
		s.abortf(m, op, ErrSpunTooLong, "spinning since %s", start.Format(time.RFC3339Nano))
	}
}

// record reports a contention event for m, if count is non-zero.
func (s *Subsystem) record(m *Mutex, kind lockstat.Kind, count uint64, elapsed time.Duration) {
	if count == 0 {
		return
	}
	s.stats.Record(lockstat.Event{
		LockID:  m.id,
		Name:    m.name,
		Class:   m.kind.String(),
		Kind:    kind,
		Count:   count,
		Elapsed: elapsed,
	})
}
