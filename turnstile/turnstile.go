// Package turnstile implements the waiter-queue service that blocking
// locks use to put contenders to sleep and wake them.
//
// Locks are identified by a uint64 id. Each id hashes to a chain, and the
// chain's mutex is the interlock for every lock on that chain. The
// protocol is:
//
//	t.LookupOrCreate(id) // interlock held from here
//	... re-validate lock state, commit to sleeping ...
//	t.Block(id, turnstile.WriterQ, pri, tok) // interlock released, sleeps
//
// and on the release side:
//
//	if t.Lookup(id) { // interlock held from here, in both branches
//		... release the lock ...
//		t.WakeAll(id, turnstile.WriterQ)
//	}
//	t.Exit(id) // interlock released
//
// Because a sleeper is registered before the interlock is dropped, and a
// waker must take the interlock to look for sleepers, no wakeup can be
// lost between a goroutine committing to sleep and actually sleeping.
package turnstile

import (
	"strconv"
	"sync"

	"github.com/oleiade/lane/v2"
)

// Queue selects one of the sleep queues of a turnstile.
type Queue int

// Sleep queues. Exclusive lock waiters use WriterQ.
const (
	ReaderQ Queue = iota
	WriterQ
	numQueues
)

// String implements fmt.Stringer.
func (q Queue) String() string {
	switch q {
	case ReaderQ:
		return "reader"
	case WriterQ:
		return "writer"
	default:
		return "queue(" + strconv.Itoa(int(q)) + ")"
	}
}

const (
	chainBits = 6
	numChains = 1 << chainBits
)

// sleeper is a goroutine asleep on a turnstile. It is signalled via
// ch<-struct{}{} by WakeAll.
type sleeper struct {
	ch  chan struct{}
	tok uint64
}

var sleeperPool = sync.Pool{New: func() any {
	return &sleeper{ch: make(chan struct{}, 1)}
}}

// turnstile is the registration of the goroutines sleeping on one lock.
type turnstile struct {
	sleepq [numQueues]*lane.PriorityQueue[*sleeper, int]
}

func newTurnstile() *turnstile {
	ts := &turnstile{}
	for i := range ts.sleepq {
		ts.sleepq[i] = lane.NewMaxPriorityQueue[*sleeper, int]()
	}
	return ts
}

func (ts *turnstile) waiters() int {
	var n int
	for _, q := range ts.sleepq {
		n += int(q.Size())
	}
	return n
}

type chain struct {
	mu     sync.Mutex
	active map[uint64]*turnstile
}

// Table is the turnstile service. A Table must not be copied after
// first use. Use New to construct one.
type Table struct {
	chains [numChains]chain

	// sleeping is the set of goroutine tokens currently asleep in Block.
	sleeping sync.Map

	// free caches empty turnstiles for reuse. Locks may be contended
	// millions of times, and each turnstile carries its sleep queues.
	free sync.Pool
}

// New returns a new Table.
func New() *Table {
	t := &Table{}
	for i := range t.chains {
		t.chains[i].active = make(map[uint64]*turnstile)
	}
	t.free.New = func() any { return newTurnstile() }
	return t
}

func (t *Table) chainOf(id uint64) *chain {
	// Fibonacci hashing: ids are usually sequential.
	return &t.chains[(id*0x9E3779B97F4A7C15)>>(64-chainBits)]
}

// mustHold panics if c's interlock is not held. It cannot tell which
// goroutine holds it.
func (c *chain) mustHold(op string) {
	if c.mu.TryLock() {
		c.mu.Unlock()
		panic("turnstile: " + op + ": interlock not held")
	}
}

// Lookup takes the interlock for id and reports whether any goroutine
// is registered as sleeping on id. The interlock is held on return in
// both cases; release it with Exit.
func (t *Table) Lookup(id uint64) bool {
	c := t.chainOf(id)
	c.mu.Lock()
	ts := c.active[id]
	return ts != nil && ts.waiters() > 0
}

// LookupOrCreate takes the interlock for id and makes sure a
// registration exists for id. The interlock is held on return; it is
// released by Block or Exit. An unused registration is discarded by Exit.
func (t *Table) LookupOrCreate(id uint64) {
	c := t.chainOf(id)
	c.mu.Lock()
	if c.active[id] == nil {
		c.active[id] = t.free.Get().(*turnstile)
	}
}

// Block puts the calling goroutine, identified by tok, to sleep on
// queue q of id's turnstile at priority pri. The caller must hold the
// interlock for id; Block releases it after the goroutine is registered.
// Block returns once the goroutine has been woken by WakeAll.
func (t *Table) Block(id uint64, q Queue, pri int, tok uint64) {
	c := t.chainOf(id)
	c.mustHold("block")
	ts := c.active[id]
	if ts == nil {
		ts = t.free.Get().(*turnstile)
		c.active[id] = ts
	}

	s := sleeperPool.Get().(*sleeper)
	s.tok = tok
	ts.sleepq[q].Push(s, pri)
	t.sleeping.Store(tok, struct{}{})
	c.mu.Unlock()

	<-s.ch
	sleeperPool.Put(s)
}

// WakeAll wakes every goroutine sleeping on queue q of id's turnstile,
// highest priority first, and returns how many were woken. The caller
// must hold the interlock for id, and still holds it on return.
func (t *Table) WakeAll(id uint64, q Queue) int {
	c := t.chainOf(id)
	c.mustHold("wake")
	ts := c.active[id]
	if ts == nil {
		return 0
	}

	var n int
	for {
		s, _, ok := ts.sleepq[q].Pop()
		if !ok {
			break
		}
		t.sleeping.Delete(s.tok)
		s.ch <- struct{}{}
		n++
	}
	return n
}

// Exit releases the interlock for id taken by Lookup or LookupOrCreate.
// If id's registration has no sleepers left, it is discarded.
func (t *Table) Exit(id uint64) {
	c := t.chainOf(id)
	c.mustHold("exit")
	if ts := c.active[id]; ts != nil && ts.waiters() == 0 {
		delete(c.active, id)
		t.free.Put(ts)
	}
	c.mu.Unlock()
}

// Waiters returns the number of goroutines sleeping on id. It takes and
// releases the interlock, so it must not be called while holding it.
func (t *Table) Waiters(id uint64) int {
	c := t.chainOf(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts := c.active[id]; ts != nil {
		return ts.waiters()
	}
	return 0
}

// Sleeping reports whether the goroutine identified by tok is asleep
// in Block.
func (t *Table) Sleeping(tok uint64) bool {
	_, ok := t.sleeping.Load(tok)
	return ok
}
