package kmutex

import "github.com/neilotoole/kmutex/ipl"

// ObjAlloc returns a new reference-counted mutex holding one reference.
// Use ObjHold to take more references and ObjFree to drop them; the
// mutex is destroyed when the last reference is dropped.
func (s *Subsystem) ObjAlloc(name string, kind Kind, level ipl.Level) *Mutex {
	m := s.New(name, kind, level)
	m.obj = true
	m.refs.Store(1)
	return m
}

// ObjHold takes a reference to a mutex from ObjAlloc. The caller must
// already hold a reference.
func (m *Mutex) ObjHold() {
	sys := m.mustInit("objhold")
	if !m.obj {
		sys.abort(m, "objhold", ErrNotObject, "not allocated by ObjAlloc")
	}
	if n := m.refs.Add(1); n <= 1 {
		sys.abortf(m, "objhold", ErrNotObject, "hold of freed object (refs %d)", n-1)
	}
}

// ObjFree drops a reference to a mutex from ObjAlloc. It destroys the
// mutex and reports true when the last reference is dropped.
func (m *Mutex) ObjFree() bool {
	sys := m.mustInit("objfree")
	if !m.obj {
		sys.abort(m, "objfree", ErrNotObject, "not allocated by ObjAlloc")
	}

	n := m.refs.Add(-1)
	switch {
	case n > 0:
		return false
	case n < 0:
		sys.abort(m, "objfree", ErrNotObject, "reference count underflow")
	}
	m.Destroy()
	return true
}

// ObjRefs returns the reference count of a mutex from ObjAlloc.
func (m *Mutex) ObjRefs() int64 {
	return m.refs.Load()
}
