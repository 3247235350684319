// Package lockdebug validates lock usage.
//
// A Table keeps a registry of every initialized lock and which goroutine
// holds it, and reports misuse (double initialization, use after free,
// recursive acquisition, release by a non-holder, freeing a held lock)
// through an abort callback. It is meant for debug configurations: locks
// behave identically with or without a validator.
package lockdebug

import (
	"fmt"
	"io"
	"sync"

	"github.com/elliotchance/orderedmap"
	"github.com/samber/lo"
)

// AbortFunc is called when misuse is detected. It is expected not to
// return.
type AbortFunc func(id uint64, msg string)

type record struct {
	id       uint64
	name     string
	class    string
	holder   uint64
	acquires uint64
}

// Table is the lock registry. Use New to construct one.
type Table struct {
	mu    sync.Mutex
	abort AbortFunc

	// locks maps id to *record, in allocation order.
	locks *orderedmap.OrderedMap
}

// New returns a new Table that reports misuse to abort. If abort is nil,
// misuse panics.
func New(abort AbortFunc) *Table {
	if abort == nil {
		abort = func(id uint64, msg string) {
			panic(fmt.Sprintf("lockdebug: lock %d: %s", id, msg))
		}
	}
	return &Table{abort: abort, locks: orderedmap.NewOrderedMap()}
}

func (t *Table) lookup(id uint64) *record {
	v, ok := t.locks.Get(id)
	if !ok {
		return nil
	}
	return v.(*record)
}

// Alloc registers a newly initialized lock.
func (t *Table) Alloc(id uint64, name, class string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lookup(id) != nil {
		t.abort(id, "already initialized")
		return
	}
	t.locks.Set(id, &record{id: id, name: name, class: class})
}

// Free deregisters a destroyed lock.
func (t *Table) Free(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.lookup(id)
	switch {
	case rec == nil:
		t.abort(id, "free of uninitialized lock")
	case rec.holder != 0:
		t.abort(id, fmt.Sprintf("free of lock held by %d", rec.holder))
	default:
		t.locks.Delete(id)
	}
}

// Want is called before the goroutine tok tries to acquire lock id.
func (t *Table) Want(id, tok uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.lookup(id)
	switch {
	case rec == nil:
		t.abort(id, "acquire of uninitialized lock")
	case rec.holder == tok:
		t.abort(id, "locking against myself")
	}
}

// Locked is called after the goroutine tok acquired lock id.
func (t *Table) Locked(id, tok uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.lookup(id)
	switch {
	case rec == nil:
		t.abort(id, "acquire of uninitialized lock")
	case rec.holder != 0:
		t.abort(id, fmt.Sprintf("acquired by %d while held by %d", tok, rec.holder))
	default:
		rec.holder = tok
		rec.acquires++
	}
}

// Unlocked is called before the goroutine tok releases lock id.
func (t *Table) Unlocked(id, tok uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.lookup(id)
	switch {
	case rec == nil:
		t.abort(id, "release of uninitialized lock")
	case rec.holder != tok:
		t.abort(id, fmt.Sprintf("released by %d while held by %d", tok, rec.holder))
	default:
		rec.holder = 0
	}
}

// Len returns the number of registered locks.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locks.Len()
}

func (t *Table) records() []*record {
	t.mu.Lock()
	defer t.mu.Unlock()
	recs := make([]*record, 0, t.locks.Len())
	for el := t.locks.Front(); el != nil; el = el.Next() {
		rec := *el.Value.(*record)
		recs = append(recs, &rec)
	}
	return recs
}

// Held returns the ids of the locks held by the goroutine tok, in
// allocation order.
func (t *Table) Held(tok uint64) []uint64 {
	held := lo.Filter(t.records(), func(r *record, _ int) bool { return r.holder == tok })
	return lo.Map(held, func(r *record, _ int) uint64 { return r.id })
}

// Dump writes one line per registered lock to w, in allocation order.
func (t *Table) Dump(w io.Writer) error {
	for _, rec := range t.records() {
		name := rec.name
		if name == "" {
			name = "-"
		}
		if _, err := fmt.Fprintf(w, "%d\t%s\t%s\tholder=%d\tacquires=%d\n",
			rec.id, name, rec.class, rec.holder, rec.acquires); err != nil {
			return err
		}
	}
	return nil
}
