package kmutex_test

// File helper_test.go contains test helper functionality.

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/neilotoole/kmutex"
	"github.com/neilotoole/kmutex/turnstile"
)

// newSubsystem returns a new Subsystem that logs to t.
func newSubsystem(t *testing.T, opts kmutex.Options) *kmutex.Subsystem {
	t.Helper()
	if opts.Log == nil {
		opts.Log = slogt.New(t)
	}
	return kmutex.NewSubsystem(opts)
}

// debugConfig returns the default config with Debug set.
func debugConfig() *kmutex.Config {
	cfg := kmutex.DefaultConfig()
	cfg.Debug = true
	return &cfg
}

// catchFatal runs fn and returns the *kmutex.FatalError it panicked
// with, or nil if it returned normally. Other panics are propagated.
func catchFatal(fn func()) (fe *kmutex.FatalError) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if fe, ok = r.(*kmutex.FatalError); !ok {
				panic(r)
			}
		}
	}()
	fn()
	return nil
}

// requireFatal requires that fn panics with a *kmutex.FatalError
// wrapping want.
func requireFatal(t *testing.T, want error, fn func()) *kmutex.FatalError {
	t.Helper()
	fe := catchFatal(fn)
	require.NotNil(t, fe, "expected fatal error: %v", want)
	require.ErrorIs(t, fe, want)
	return fe
}

// waitFor polls cond until it holds, failing t after a generous timeout.
func waitFor(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, time.Millisecond, msgAndArgs...)
}

// waitDone waits for done to be closed, failing t after a generous
// timeout.
func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out after 10 seconds")
	}
}

var _ kmutex.Scheduler = (*fakeSched)(nil)

// fakeSched is a Scheduler that reports every owner as running, or
// every owner as not running.
type fakeSched struct {
	running atomic.Bool
}

func newFakeSched(running bool) *fakeSched {
	f := &fakeSched{}
	f.running.Store(running)
	return f
}

func (f *fakeSched) IsRunning(tok uint64) bool {
	return tok != 0 && f.running.Load()
}

func (f *fakeSched) Priority(uint64) int {
	return 0
}

var _ kmutex.WaitQueue = (*countingQueue)(nil)

// countingQueue is a turnstile.Table that records the result of each
// WakeAll.
type countingQueue struct {
	*turnstile.Table

	mu    sync.Mutex
	wakes []int
}

func newCountingQueue() *countingQueue {
	return &countingQueue{Table: turnstile.New()}
}

func (q *countingQueue) WakeAll(id uint64, queue turnstile.Queue) int {
	n := q.Table.WakeAll(id, queue)
	q.mu.Lock()
	q.wakes = append(q.wakes, n)
	q.mu.Unlock()
	return n
}

func (q *countingQueue) Wakes() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int(nil), q.wakes...)
}

// busyQueue is a turnstile.Table that claims every lock has a waiter.
type busyQueue struct {
	*turnstile.Table
}

func (busyQueue) Waiters(uint64) int {
	return 1
}
