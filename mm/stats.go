// Package mm adapts the teacher's cgo/jemalloc allocator-stats wrapper
// (mm/malloc.go's Malloc/Free/Stats, backed by the C mm_* functions)
// into a pure-Go reclaimer memory-accounting package: concore's
// reclaimers don't manage their own arena (Go's runtime allocator
// already does that; see DESIGN.md for why the cgo dependency itself
// isn't wired), but they still need the same
// allocated/freed/outstanding counters the teacher's package and its
// skip-list access-barrier's GetStats both expose (see DESIGN.md), so
// container code and tests can assert on reclamation progress (spec §8
// scenario 5, "HP overhang bound").
package mm

import "sync/atomic"

// Stats is an embeddable allocation/reclamation counter pair, one per
// reclaimer instance.
type Stats struct {
	allocated int64
	freed     int64
}

// Track records delta retirements (allocated) and delta frees (freed)
// atomically; either may be 0.
func Track(s *Stats, allocated, freed int) {
	if allocated != 0 {
		atomic.AddInt64(&s.allocated, int64(allocated))
	}
	if freed != 0 {
		atomic.AddInt64(&s.freed, int64(freed))
	}
}

// Allocated returns the cumulative count of retired entries tracked.
func (s *Stats) Allocated() int64 { return atomic.LoadInt64(&s.allocated) }

// Freed returns the cumulative count of entries the scan loop has
// actually reclaimed.
func (s *Stats) Freed() int64 { return atomic.LoadInt64(&s.freed) }

// Outstanding returns Allocated-Freed: the teacher's
// numAllocated/numFreed delta, i.e. how many retired entries are still
// waiting on protection to clear.
func (s *Stats) Outstanding() int64 { return s.Allocated() - s.Freed() }
