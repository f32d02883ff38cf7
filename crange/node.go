package crange

import (
	"sync"

	"github.com/concore/concore/atomicx"
)

// Range is a skip-list node keyed by the half-open interval
// [Key, Key+Size) (spec.md's "Range node" data-model entry). Tower
// height is fixed at construction and never grown; next holds one
// atomicx.MarkPtr per level, whose mark bit carries the Harris-style
// logical-deletion mark.
//
// Grounded on original_source/tests/test-crange.hh's `range` struct
// (key/size/value/curlevel/nlevel/next[]/lock/cr fields map 1:1) and
// the teacher's skiplist.Node (next []unsafe.Pointer tower, level
// uint16) for the Go-idiomatic tower representation.
type Range struct {
	Key   uint64
	Size  uint64
	Value any

	nlevel   uint8
	curlevel atomicx.Uint8
	next     []atomicx.MarkPtr[Range]
	lock     sync.Mutex

	cr *Map
}

// End returns the exclusive upper bound Key+Size.
func (r *Range) End() uint64 { return r.Key + r.Size }

// Overlaps reports whether [k, k+sz) intersects [r.Key, r.End()).
// Half-open semantics: touching at a single boundary is not an overlap
// (spec §4.6 edge case).
func (r *Range) Overlaps(k, sz uint64) bool {
	return k < r.End() && k+sz > r.Key
}

func newRange(cr *Map, k, sz uint64, v any, nlevel int) *Range {
	return &Range{
		Key:    k,
		Size:   sz,
		Value:  v,
		nlevel: uint8(nlevel),
		next:   make([]atomicx.MarkPtr[Range], nlevel+1),
		cr:     cr,
	}
}

// level returns the index of this node's top level (number of next[]
// slots - 1, i.e. one less than its tower height).
func (r *Range) level() int { return int(r.nlevel) }

func (r *Range) lockIfUnmarked() bool {
	r.lock.Lock()
	if r.next[0].Marked() {
		r.lock.Unlock()
		return false
	}
	return true
}

func (r *Range) unlock() { r.lock.Unlock() }
