// Package main provides the "mutexstress" CLI, which hammers a set of
// kmutex mutexes from many goroutines and checks that no two goroutines
// are ever inside the same critical section. Usage:
//
//	$ mutexstress -goroutines 32 -iterations 10000 -kind adaptive
//	$ KMUTEX_KIND=spin KMUTEX_IPL=sched mutexstress -metrics
//
// Every flag may also be set with a KMUTEX_ prefixed environment
// variable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"

	"github.com/neilotoole/kmutex"
	"github.com/neilotoole/kmutex/ipl"
	"github.com/neilotoole/kmutex/lockstat"
	"github.com/neilotoole/kmutex/sched"
)

func main() {
	ctx, cancelFn := context.WithCancel(context.Background())
	var err error
	defer func() {
		cancelFn()
		if err != nil {
			os.Exit(1)
		}
	}()

	go func() {
		stopCh := make(chan os.Signal, 1)
		signal.Notify(stopCh, os.Interrupt)

		<-stopCh
		cancelFn()
	}()

	if err = exec(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		printErr(err)
	}
}

// options holds the parsed command line.
type options struct {
	goroutines int
	iterations int
	locks      int
	kind       kmutex.Kind
	level      ipl.Level
	hold       time.Duration
	parkEvery  int
	metrics    bool
	verbose    bool
	cfg        kmutex.Config
}

func parseArgs(args []string, errOut io.Writer) (*options, error) {
	fs := flag.NewFlagSet("mutexstress", flag.ContinueOnError)
	fs.SetOutput(errOut)

	opts := &options{cfg: kmutex.DefaultConfig()}
	fs.IntVar(&opts.goroutines, "goroutines", 2*runtime.GOMAXPROCS(0), "number of contending goroutines")
	fs.IntVar(&opts.iterations, "iterations", 1000, "acquires per goroutine")
	fs.IntVar(&opts.locks, "locks", 1, "number of mutexes to spread acquires over")
	kind := fs.String("kind", "adaptive", "mutex kind: adaptive, spin or default")
	level := fs.String("ipl", "none", "minimum level of spin mutexes, or the level for kind default")
	fs.DurationVar(&opts.hold, "hold", 0, "how long to hold a mutex per acquire")
	fs.IntVar(&opts.parkEvery, "park-every", 0, "hold the mutex while parked on every Nth acquire (0 disables)")
	fs.BoolVar(&opts.metrics, "metrics", false, "print contention metrics in Prometheus text format")
	fs.BoolVar(&opts.verbose, "v", false, "verbose logging")
	opts.cfg.RegisterFlags(fs)

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("KMUTEX")); err != nil {
		return nil, err
	}

	var err error
	if opts.kind, err = parseKind(*kind); err != nil {
		return nil, err
	}
	var ok bool
	if opts.level, ok = ipl.Parse(strings.ToLower(*level)); !ok {
		return nil, fmt.Errorf("invalid ipl: %s", *level)
	}
	if opts.kind == kmutex.Adaptive {
		opts.level = ipl.None
	}
	if opts.goroutines < 1 || opts.iterations < 1 || opts.locks < 1 {
		return nil, errors.New("goroutines, iterations and locks must be positive")
	}
	return opts, nil
}

func parseKind(s string) (kmutex.Kind, error) {
	switch strings.ToLower(s) {
	case "adaptive":
		return kmutex.Adaptive, nil
	case "spin":
		return kmutex.Spin, nil
	case "default":
		return kmutex.KindDefault, nil
	default:
		return 0, fmt.Errorf("invalid kind: %s", s)
	}
}

func exec(ctx context.Context, args []string, out, errOut io.Writer) error {
	opts, err := parseArgs(args, errOut)
	if err != nil {
		return err
	}

	lvl := slog.LevelWarn
	if opts.verbose {
		lvl = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: lvl}))

	stats := lockstat.NewCollector()
	sys := kmutex.NewSubsystem(kmutex.Options{
		Stats:  stats,
		Log:    log,
		Config: &opts.cfg,
	})

	res, err := run(ctx, sys, opts)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if err = reg.Register(stats); err != nil {
		return err
	}
	mfs, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	events := contention(mfs)
	fmt.Fprintf(out, "acquires=%d tries=%d elapsed=%s spin_events=%.0f sleep_events=%.0f\n",
		res.acquires, res.tries, res.elapsed, events[lockstat.Spin.String()], events[lockstat.Sleep.String()])
	if !opts.metrics {
		return nil
	}
	return writeMetrics(out, mfs)
}

// result summarizes a run.
type result struct {
	acquires int64
	tries    int64
	elapsed  time.Duration
}

// run hammers opts.locks mutexes of sys from opts.goroutines goroutines.
// It returns an error if mutual exclusion is ever violated, or a mutex
// is left held or with waiters.
func run(ctx context.Context, sys *kmutex.Subsystem, opts *options) (result, error) {
	locks := make([]*kmutex.Mutex, opts.locks)
	inside := make([]atomic.Int32, opts.locks)
	for i := range locks {
		locks[i] = sys.New(fmt.Sprintf("stress-%d", i), opts.kind, opts.level)
	}

	reg, _ := sys.Scheduler().(*sched.Registry)
	var res result
	var acquires, tries atomic.Int64
	start := time.Now()

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < opts.goroutines; i++ {
		seed := int64(i)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					var fe *kmutex.FatalError
					if e, ok := r.(error); ok && errors.As(e, &fe) {
						err = fe
						return
					}
					panic(r)
				}
			}()

			rnd := rand.New(rand.NewSource(seed)) //nolint:gosec
			for j := 0; j < opts.iterations; j++ {
				if err = gCtx.Err(); err != nil {
					return err
				}

				n := rnd.Intn(len(locks))
				m := locks[n]
				if j%5 == 4 {
					tries.Add(1)
					if !m.TryEnter() {
						continue
					}
				} else {
					m.Enter()
				}

				if c := inside[n].Add(1); c != 1 {
					m.Exit()
					return fmt.Errorf("lock %s: %d goroutines in critical section", m.Name(), c)
				}
				acquires.Add(1)

				switch {
				case reg != nil && opts.parkEvery > 0 && j%opts.parkEvery == 0:
					reg.Parked(func() { hold(opts.hold) })
				default:
					hold(opts.hold)
				}

				inside[n].Add(-1)
				m.Exit()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return res, err
	}
	res.acquires, res.tries, res.elapsed = acquires.Load(), tries.Load(), time.Since(start)

	for _, m := range locks {
		if owner := m.Owner(); owner != 0 {
			return res, fmt.Errorf("lock %s: still held by %d", m.Name(), owner)
		}
		if n := sys.WaitQueue().Waiters(m.ID()); n != 0 {
			return res, fmt.Errorf("lock %s: %d waiters left", m.Name(), n)
		}
		m.Destroy()
	}
	return res, nil
}

func hold(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
		return
	}
	runtime.Gosched()
}

// contention sums the contention event counters in mfs by event kind.
func contention(mfs []*dto.MetricFamily) map[string]float64 {
	totals := make(map[string]float64)
	for _, mf := range mfs {
		if mf.GetName() != "kmutex_lockstat_events_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "kind" {
					totals[lp.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	return totals
}

func writeMetrics(w io.Writer, mfs []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metric %s: %w", mf.GetName(), err)
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		return closer.Close()
	}
	return nil
}

func printErr(err error) {
	fmt.Fprintln(os.Stderr, "mutexstress: error: "+err.Error())
}
