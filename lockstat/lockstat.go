// Package lockstat collects lock contention statistics.
//
// Lock code reports one Event per contended acquire: how many backoff
// rounds it spun, or how many times it slept, and for how long. A
// Collector aggregates events per lock for inspection and exports them
// as Prometheus metrics.
package lockstat

import (
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
)

// Kind is the kind of contention an Event reports.
type Kind int

// Event kinds.
const (
	Spin Kind = iota
	Sleep
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Spin:
		return "spin"
	case Sleep:
		return "sleep"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Event is a single contention report.
type Event struct {
	// LockID identifies the lock.
	LockID uint64

	// Name is the lock's diagnostic name, possibly empty.
	Name string

	// Class is the lock class, e.g. "adaptive" or "spin".
	Class string

	Kind Kind

	// Count is the number of spin rounds or sleeps.
	Count uint64

	// Elapsed is the time spent spinning or sleeping.
	Elapsed time.Duration
}

// Sink receives events. Implementations must be safe for concurrent use
// and must not block.
type Sink interface {
	Record(ev Event)
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Event) {}

// Total is the aggregate of all events of one kind for one lock.
type Total struct {
	LockID  uint64
	Name    string
	Class   string
	Kind    Kind
	Events  uint64
	Count   uint64
	Elapsed time.Duration
}

type totalKey struct {
	id   uint64
	kind Kind
}

var (
	_ Sink                 = (*Collector)(nil)
	_ prometheus.Collector = (*Collector)(nil)
)

// Collector is a Sink that aggregates events. It is also a
// prometheus.Collector, and can be registered with a prometheus
// registry.
type Collector struct {
	mu     sync.Mutex
	totals map[totalKey]*Total

	events *prometheus.CounterVec
	counts *prometheus.CounterVec
	wait   *prometheus.HistogramVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	labels := []string{"class", "kind"}
	return &Collector{
		totals: make(map[totalKey]*Total),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kmutex",
			Subsystem: "lockstat",
			Name:      "events_total",
			Help:      "Contended lock acquisitions.",
		}, labels),
		counts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kmutex",
			Subsystem: "lockstat",
			Name:      "iterations_total",
			Help:      "Spin rounds or sleeps of contended lock acquisitions.",
		}, labels),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kmutex",
			Subsystem: "lockstat",
			Name:      "wait_seconds",
			Help:      "Time spent spinning or sleeping per contended acquisition.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, labels),
	}
}

// Record implements Sink.
func (c *Collector) Record(ev Event) {
	kind := ev.Kind.String()
	c.events.WithLabelValues(ev.Class, kind).Inc()
	c.counts.WithLabelValues(ev.Class, kind).Add(float64(ev.Count))
	c.wait.WithLabelValues(ev.Class, kind).Observe(ev.Elapsed.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	k := totalKey{id: ev.LockID, kind: ev.Kind}
	tot, ok := c.totals[k]
	if !ok {
		tot = &Total{LockID: ev.LockID, Name: ev.Name, Class: ev.Class, Kind: ev.Kind}
		c.totals[k] = tot
	}
	tot.Events++
	tot.Count += ev.Count
	tot.Elapsed += ev.Elapsed
}

// Snapshot returns the per-lock totals, most time spent first.
func (c *Collector) Snapshot() []Total {
	c.mu.Lock()
	totals := lo.Map(lo.Values(c.totals), func(t *Total, _ int) Total { return *t })
	c.mu.Unlock()

	slices.SortFunc(totals, func(a, b Total) int {
		switch {
		case a.Elapsed != b.Elapsed:
			if a.Elapsed > b.Elapsed {
				return -1
			}
			return 1
		case a.LockID != b.LockID:
			if a.LockID < b.LockID {
				return -1
			}
			return 1
		default:
			return int(a.Kind) - int(b.Kind)
		}
	})
	return totals
}

// Lock returns the totals for the lock identified by id.
func (c *Collector) Lock(id uint64) []Total {
	return lo.Filter(c.Snapshot(), func(t Total, _ int) bool { return t.LockID == id })
}

// Reset discards the per-lock totals. Prometheus counters are not reset.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.totals)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.events.Describe(ch)
	c.counts.Describe(ch)
	c.wait.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.events.Collect(ch)
	c.counts.Collect(ch)
	c.wait.Collect(ch)
}
