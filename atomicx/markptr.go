package atomicx

import "sync/atomic"

// MarkPtr is the Go rendering of the reference implementation's
// markptr<T>: an atomic word carrying a pointer plus a one-bit logical
// deletion mark (spec.md's "Mark bit" / "tagged pointer"), per the
// DESIGN NOTES §9 guidance to keep the packed representation opaque
// rather than bit-stuff the raw pointer. Go's GC cannot tolerate a
// pointer with its low bit stolen (a tagged uintptr is invisible to the
// collector between the tag and the next safe point), so this packs
// (ptr, mark) into a small immutable record and CASes the *record*
// pointer — exactly the scheme the teacher's skiplist.Node already uses
// for its own next[] tower (Node.setNext/getNext/dcasNext in
// skiplist/skiplist.go), generalized here into a reusable type so
// crange doesn't re-derive it.
type MarkPtr[T any] struct {
	slot atomic.Pointer[markRef[T]]
}

type markRef[T any] struct {
	ptr    *T
	marked bool
}

// Set stores (ptr, marked) unconditionally.
func (m *MarkPtr[T]) Set(ptr *T, marked bool) {
	m.slot.Store(&markRef[T]{ptr: ptr, marked: marked})
}

// Get returns the current (ptr, marked) pair.
func (m *MarkPtr[T]) Get() (ptr *T, marked bool) {
	r := m.slot.Load()
	if r == nil {
		return nil, false
	}
	return r.ptr, r.marked
}

// Ptr returns just the pointer half, ignoring the mark.
func (m *MarkPtr[T]) Ptr() *T {
	ptr, _ := m.Get()
	return ptr
}

// Marked returns just the mark bit.
func (m *MarkPtr[T]) Marked() bool {
	_, marked := m.Get()
	return marked
}

// CAS atomically replaces (expectPtr, expectMarked) with (newPtr,
// newMarked); it is the "dcas" (double-compare-and-swap on ptr+mark)
// spec §4.6/§4.7 relies on throughout add/del/lock_range.
func (m *MarkPtr[T]) CAS(expectPtr *T, expectMarked bool, newPtr *T, newMarked bool) bool {
	old := m.slot.Load()
	if old == nil {
		if expectPtr != nil || expectMarked {
			return false
		}
		return m.slot.CompareAndSwap(nil, &markRef[T]{ptr: newPtr, marked: newMarked})
	}
	if old.ptr != expectPtr || old.marked != expectMarked {
		return false
	}
	return m.slot.CompareAndSwap(old, &markRef[T]{ptr: newPtr, marked: newMarked})
}

// SetMark atomically sets the mark bit without touching the pointer,
// retrying against concurrent pointer updates (the "mark a range
// deleted" step of del, which must not silently lose a concurrent
// physical unlink of the same slot).
func (m *MarkPtr[T]) SetMark() (ok bool) {
	for {
		ptr, marked := m.Get()
		if marked {
			return true
		}
		if m.CAS(ptr, false, ptr, true) {
			return true
		}
	}
}
