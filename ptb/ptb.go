// Package ptb implements the Pass-The-Buck reclaimer of spec.md §4.4: a
// lock-free singly-linked pool of guard records with per-thread chunked
// retired batches, reclaimed via a liveness scan over the guard pool
// rather than a fixed per-thread hazard array.
//
// The guard-pool free-list CAS shape is grounded on the teacher's
// skiplist.Node.dcasNext / Skiplist.helpDelete retry pattern
// (skiplist/skiplist.go): "load current, check expected, CAS, retry on
// failure" is the same loop PTB's Acquire uses to claim a free guard.
// The Guard surface and scan()'s acquire/release contract are
// grounded on
// original_source/hacked-cds-1.3.1/cds/gc/ptb_impl.h's PTB::Guard /
// PTB::scan.
package ptb

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/concore/concore/internal/backoff"
	"github.com/concore/concore/mm"
	"github.com/concore/concore/registry"
)

// guardNode is one node of the lock-free guard pool: grow-only, with a
// CAS'd free/held flag (spec §4.4: "allocation is: scan pool for a free
// guard, CAS its flag to held; if none, push a new node").
type guardNode[T any] struct {
	next      atomic.Pointer[guardNode[T]]
	protected atomic.Pointer[T]
	free      atomic.Bool
}

// Reclaimer is a PTB reclaimer for node type T.
type Reclaimer[T any] struct {
	name       string
	chunkSize  int
	logger     zerolog.Logger
	backoff    backoff.Strategy
	poolHead   atomic.Pointer[guardNode[T]]
	queueMu    sync.Mutex
	queue      []retiredEntry[T]
	stats      mm.Stats
	scanning   atomic.Bool
}

type retiredEntry[T any] struct {
	ptr     *T
	deleter func(*T)
}

type threadState[T any] struct {
	chunk []retiredEntry[T]
}

// New constructs a PTB reclaimer; chunkSize is the retired-batch size at
// which a thread's local chunk is spliced into the shared reclaim queue.
// 0 defaults from the ambient registry.Config.
func New[T any](chunkSize int) *Reclaimer[T] {
	cfg := registry.CurrentConfig()
	if chunkSize <= 0 {
		chunkSize = cfg.GuardChunkSize
	}
	if chunkSize <= 0 {
		chunkSize = 64
	}
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.Nop()
	}
	r := &Reclaimer[T]{
		chunkSize: chunkSize,
		logger:    logger,
		backoff:   backoff.Default,
	}
	r.name = registry.NewName("ptb")
	registry.Register(r.name, (*reclaimerAdapter[T])(r))
	return r
}

func (r *Reclaimer[T]) Name() string { return r.name }

type reclaimerAdapter[T any] Reclaimer[T]

func (a *reclaimerAdapter[T]) attachThread() any {
	return &threadState[T]{}
}

func (a *reclaimerAdapter[T]) detachThread(state any) {
	r := (*Reclaimer[T])(a)
	ts := state.(*threadState[T])
	if len(ts.chunk) > 0 {
		r.splice(ts)
	}
	r.LivenessScan()
}

func (r *Reclaimer[T]) state(h *registry.Handle) *threadState[T] {
	return registry.GC[threadState[T]](h, r.name, (*reclaimerAdapter[T])(r))
}

// Guard is a single dynamically-acquired protection.
type Guard[T any] struct {
	r    *Reclaimer[T]
	node *guardNode[T]
}

// Acquire claims a free guard from the pool (or allocates a new one),
// marking it held. The caller must call Release when done.
func (r *Reclaimer[T]) Acquire() *Guard[T] {
	for attempt := 0; ; attempt++ {
		for n := r.poolHead.Load(); n != nil; n = n.next.Load() {
			if n.free.Load() && n.free.CompareAndSwap(true, false) {
				n.protected.Store(nil)
				return &Guard[T]{r: r, node: n}
			}
		}
		// No free node found: push a new one, already held.
		n := &guardNode[T]{}
		n.free.Store(false)
		for {
			head := r.poolHead.Load()
			n.next.Store(head)
			if r.poolHead.CompareAndSwap(head, n) {
				return &Guard[T]{r: r, node: n}
			}
			r.backoff.Backoff(attempt)
		}
	}
}

// Protect publishes p into this guard (release ordering, matching
// spec §4.4's guard semantics).
func (g *Guard[T]) Protect(p *T) {
	g.node.protected.Store(p)
}

// Release clears the guard's protection and marks it free again with
// release ordering, returning it to the pool for reuse (spec §4.4:
// "Free is: clear the guard's protected pointer, set the free flag with
// release").
func (g *Guard[T]) Release() {
	g.node.protected.Store(nil)
	g.node.free.Store(true)
}

// Retire appends (p, deleter) to the calling thread's local chunk;
// once the chunk reaches chunkSize it is spliced into the shared
// reclaim queue and a liveness scan is triggered.
func (r *Reclaimer[T]) Retire(h *registry.Handle, p *T, deleter func(*T)) {
	ts := r.state(h)
	ts.chunk = append(ts.chunk, retiredEntry[T]{ptr: p, deleter: deleter})
	mm.Track(&r.stats, 1, 0)
	if len(ts.chunk) >= r.chunkSize {
		r.splice(ts)
		r.LivenessScan()
	}
}

func (r *Reclaimer[T]) splice(ts *threadState[T]) {
	if len(ts.chunk) == 0 {
		return
	}
	r.queueMu.Lock()
	r.queue = append(r.queue, ts.chunk...)
	r.queueMu.Unlock()
	ts.chunk = ts.chunk[:0]
}

// LivenessScan walks the guard pool building the live set, then frees
// any queued retired entry absent from it (spec §4.4).
func (r *Reclaimer[T]) LivenessScan() {
	if !r.scanning.CompareAndSwap(false, true) {
		return // another goroutine is already scanning; skip rather than queue up
	}
	defer r.scanning.Store(false)

	live := make(map[*T]struct{})
	for n := r.poolHead.Load(); n != nil; n = n.next.Load() {
		if !n.free.Load() {
			if p := n.protected.Load(); p != nil {
				live[p] = struct{}{}
			}
		}
	}

	r.queueMu.Lock()
	remaining := r.queue[:0]
	var toFree []retiredEntry[T]
	for _, e := range r.queue {
		if _, protected := live[e.ptr]; protected {
			remaining = append(remaining, e)
		} else {
			toFree = append(toFree, e)
		}
	}
	r.queue = remaining
	r.queueMu.Unlock()

	for _, e := range toFree {
		e.deleter(e.ptr)
	}
	if len(toFree) > 0 {
		mm.Track(&r.stats, 0, len(toFree))
		r.logger.Debug().Int("freed", len(toFree)).Msg("concore/ptb: liveness scan reclaimed entries")
	}
}

// Stats reports allocation/reclamation counters.
func (r *Reclaimer[T]) Stats() (allocated, freed int64) {
	return r.stats.Allocated(), r.stats.Freed()
}

// OutstandingRetired returns the number of retired entries waiting in
// the shared reclaim queue, for tests. Entries still in a thread's
// local chunk (not yet spliced) are not counted.
func (r *Reclaimer[T]) OutstandingRetired() int {
	r.queueMu.Lock()
	n := len(r.queue)
	r.queueMu.Unlock()
	return n
}
