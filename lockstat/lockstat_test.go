package lockstat_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/neilotoole/kmutex/lockstat"
)

func TestCollector(t *testing.T) {
	c := lockstat.NewCollector()
	c.Record(lockstat.Event{LockID: 1, Name: "a", Class: "adaptive", Kind: lockstat.Spin, Count: 3, Elapsed: time.Millisecond})
	c.Record(lockstat.Event{LockID: 1, Name: "a", Class: "adaptive", Kind: lockstat.Spin, Count: 2, Elapsed: time.Millisecond})
	c.Record(lockstat.Event{LockID: 1, Name: "a", Class: "adaptive", Kind: lockstat.Sleep, Count: 1, Elapsed: 5 * time.Millisecond})
	c.Record(lockstat.Event{LockID: 2, Name: "b", Class: "spin", Kind: lockstat.Spin, Count: 9, Elapsed: time.Microsecond})

	want := []lockstat.Total{
		{LockID: 1, Name: "a", Class: "adaptive", Kind: lockstat.Sleep, Events: 1, Count: 1, Elapsed: 5 * time.Millisecond},
		{LockID: 1, Name: "a", Class: "adaptive", Kind: lockstat.Spin, Events: 2, Count: 5, Elapsed: 2 * time.Millisecond},
		{LockID: 2, Name: "b", Class: "spin", Kind: lockstat.Spin, Events: 1, Count: 9, Elapsed: time.Microsecond},
	}
	if diff := cmp.Diff(want, c.Snapshot()); diff != "" {
		t.Fatalf("Snapshot mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, c.Lock(1), 2)
	require.Len(t, c.Lock(2), 1)
	require.Empty(t, c.Lock(3))

	c.Reset()
	require.Empty(t, c.Snapshot())
}

func TestCollectorMetrics(t *testing.T) {
	c := lockstat.NewCollector()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	c.Record(lockstat.Event{LockID: 1, Class: "adaptive", Kind: lockstat.Sleep, Count: 2, Elapsed: time.Millisecond})
	c.Record(lockstat.Event{LockID: 2, Class: "adaptive", Kind: lockstat.Sleep, Count: 1, Elapsed: time.Millisecond})

	const want = `
# HELP kmutex_lockstat_iterations_total Spin rounds or sleeps of contended lock acquisitions.
# TYPE kmutex_lockstat_iterations_total counter
kmutex_lockstat_iterations_total{class="adaptive",kind="sleep"} 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want), "kmutex_lockstat_iterations_total"))
	require.Equal(t, 1, testutil.CollectAndCount(c, "kmutex_lockstat_events_total"))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "spin", lockstat.Spin.String())
	require.Equal(t, "sleep", lockstat.Sleep.String())
	require.Equal(t, "kind(5)", lockstat.Kind(5).String())
}

func TestDiscard(t *testing.T) {
	lockstat.Discard.Record(lockstat.Event{LockID: 1})
}
