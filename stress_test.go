// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kmutex_test

import (
	"math/rand"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/neilotoole/kmutex"
	"github.com/neilotoole/kmutex/ipl"
	"github.com/neilotoole/kmutex/lockstat"
	"github.com/neilotoole/kmutex/sched"
)

// HammerMutex is copied from sync/mutex_test.go.
func HammerMutex(m mutexer, loops int, cdone chan bool) {
	for i := 0; i < loops; i++ {
		if i%3 == 0 {
			if m.TryLock() {
				m.Unlock()
			}
			continue
		}
		m.Lock()
		m.Unlock() //nolint:staticcheck
	}
	cdone <- true
}

func TestMutexFairness(t *testing.T) {
	for _, k := range kinds {
		k := k
		t.Run(k.kind.String(), func(t *testing.T) {
			sys := newSubsystem(t, kmutex.Options{})
			mu := sys.New("fairness", k.kind, k.level)
			stop := make(chan bool)
			defer close(stop)
			go func() {
				for {
					mu.Lock()
					time.Sleep(100 * time.Microsecond)
					mu.Unlock()
					select {
					case <-stop:
						return
					default:
					}
				}
			}()
			done := make(chan bool, 1)
			go func() {
				for i := 0; i < 10; i++ {
					time.Sleep(100 * time.Microsecond)
					mu.Lock()
					mu.Unlock() //nolint:staticcheck
				}
				done <- true
			}()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Fatalf("can't acquire mutex in 10 seconds")
			}
		})
	}
}

// TestStress runs goroutines that acquire one mutex at random, some of
// them holding it while parked so that contenders sleep. At most one
// goroutine may ever be inside the critical section.
func TestStress(t *testing.T) {
	const (
		numG  = 16
		loops = 500
	)

	for _, k := range kinds {
		k := k
		t.Run(k.kind.String(), func(t *testing.T) {
			stats := lockstat.NewCollector()
			sys := newSubsystem(t, kmutex.Options{Stats: stats, Config: debugConfig()})
			reg := sys.Scheduler().(*sched.Registry)
			m := sys.New("stress", k.kind, k.level)

			var inside, total atomic.Int64
			g := &errgroup.Group{}
			for i := 0; i < numG; i++ {
				seed := int64(i)
				g.Go(func() error {
					rnd := rand.New(rand.NewSource(seed)) //nolint:gosec
					for j := 0; j < loops; j++ {
						if j%7 == 0 {
							if !m.TryEnter() {
								continue
							}
						} else {
							m.Enter()
						}

						if n := inside.Add(1); n != 1 {
							t.Errorf("%d goroutines inside critical section", n)
						}
						total.Add(1)
						switch rnd.Intn(8) {
						case 0:
							reg.Parked(func() { time.Sleep(50 * time.Microsecond) })
						case 1, 2:
							runtime.Gosched()
						}
						inside.Add(-1)
						m.Exit()
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			require.Zero(t, m.Owner())
			require.False(t, m.HasWaiters())
			require.Zero(t, sys.WaitQueue().Waiters(m.ID()))
			require.Greater(t, total.Load(), int64(0))
			require.False(t, sys.Panicking())
			m.Destroy()

			for _, tot := range stats.Snapshot() {
				t.Logf("%s %s: events=%d count=%d elapsed=%s",
					tot.Class, tot.Kind, tot.Events, tot.Count, tot.Elapsed)
			}
		})
	}
}

// TestStressMany spreads goroutines over several mutexes that share
// turnstile chains.
func TestStressMany(t *testing.T) {
	const (
		numLocks = 80
		numG     = 12
		loops    = 400
	)

	sys := newSubsystem(t, kmutex.Options{})
	reg := sys.Scheduler().(*sched.Registry)
	locks := make([]*kmutex.Mutex, numLocks)
	counts := make([]int, numLocks)
	for i := range locks {
		if i%4 == 0 {
			locks[i] = sys.New("", kmutex.Spin, ipl.Sched)
		} else {
			locks[i] = sys.New("", kmutex.Adaptive, ipl.None)
		}
	}

	g := &errgroup.Group{}
	for i := 0; i < numG; i++ {
		seed := int64(i)
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(seed)) //nolint:gosec
			for j := 0; j < loops; j++ {
				n := rnd.Intn(numLocks)
				m := locks[n]
				m.Enter()
				counts[n]++
				if rnd.Intn(16) == 0 && m.Kind() == kmutex.Adaptive {
					reg.Parked(runtime.Gosched)
				}
				m.Exit()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var sum int
	for i, m := range locks {
		require.Zero(t, m.Owner(), "lock %d", i)
		require.Zero(t, sys.WaitQueue().Waiters(m.ID()), "lock %d", i)
		sum += counts[i]
	}
	require.Equal(t, numG*loops, sum)
}
