package crange

import "github.com/concore/concore/registry"

// Iterator is the forward-only, snapshot-consistent (but not
// linearizable — spec §4.6) iterator over a Map's bottom level.
type Iterator struct {
	m     *Map
	h     *registry.Handle
	guard RangeGuard
	cur   *Range
}

// Iterator returns a fresh iterator positioned before the first range.
// Call Next to advance to the first element.
func (m *Map) Iterator(h *registry.Handle) *Iterator {
	return &Iterator{m: m, h: h, guard: m.rec.Guard(h, slotCurr), cur: m.head}
}

// Next advances the iterator, skipping logically-marked nodes, and
// reports whether a range is now available via Range.
func (it *Iterator) Next() bool {
	for {
		n, _ := it.cur.next[0].Get()
		if n == nil {
			it.cur = nil
			return false
		}
		it.guard.Protect(n)
		if n.next[0].Marked() {
			it.cur = n
			continue
		}
		it.cur = n
		return true
	}
}

// Range returns the iterator's current node. Valid only after a Next
// call returned true.
func (it *Iterator) Range() *Range { return it.cur }

// Close releases the iterator's guard. Callers should defer Close.
func (it *Iterator) Close() { it.guard.Release() }
