// Package hp implements the Hazard Pointer (Michael-style) reclaimer of
// spec.md §4.3: a per-thread fixed-capacity array of K hazard slots plus
// a soft-capped retired list, with global scan-and-reclaim.
//
// The CAS/retry shape is grounded on the teacher's
// skiplist/skiplist.go (dcasNext/findPath's retry loops); the
// numAllocated/numFreed accounting convention (mirrored here via
// mm.Track) is grounded on the teacher's original access-barrier
// free-queue bookkeeping (see DESIGN.md — that file itself could not be
// kept, as it called skip-list buffer/iterator methods this retrieval
// pack's skiplist.go never shipped); the hazard-slot/guard-array API
// shape is grounded on
// original_source/hacked-cds-1.3.1/cds/gc/hzp/details/hp_alloc.h's
// HPGuardT/HPArrayT (store-with-release, load-with-acquire, clear-with-
// relaxed) and cds/gc/hp_impl.h's Guard/GuardArray/retire/scan surface.
package hp

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/concore/concore/atomicx"
	"github.com/concore/concore/internal/backoff"
	"github.com/concore/concore/mm"
	"github.com/concore/concore/registry"
)

// Reclaimer is a Hazard Pointer reclaimer parameterized over the node
// type T it protects. One Reclaimer is constructed per container at
// construction time (spec's non-goal: "no dynamic reclaimer selection
// per-object at runtime").
type Reclaimer[T any] struct {
	name    string
	k       int // hazard slots per thread
	rCap    int // soft cap on a thread's retired list
	logger  zerolog.Logger
	backoff backoff.Strategy

	threadsMu sync.RWMutex
	threads   map[*threadState[T]]struct{}

	stats mm.Stats
}

// New constructs an HP reclaimer. k is the per-thread hazard slot count
// (K); rCap is the soft cap R at which a thread's retire() triggers a
// scan. Passing 0 for either defaults from the ambient registry.Config.
func New[T any](k, rCap int) *Reclaimer[T] {
	cfg := registry.CurrentConfig()
	if k <= 0 {
		k = cfg.HazardK
	}
	if rCap <= 0 {
		rCap = cfg.RetiredSoftCap
	}
	if k <= 0 {
		k = 8
	}
	if rCap <= 0 {
		rCap = 64
	}
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.Nop()
	}
	r := &Reclaimer[T]{
		k:       k,
		rCap:    rCap,
		logger:  logger,
		backoff: backoff.Default,
		threads: make(map[*threadState[T]]struct{}),
	}
	r.name = registry.NewName("hp")
	registry.Register(r.name, (*reclaimerAdapter[T])(r))
	return r
}

// Name reports the registry key this reclaimer was registered under;
// pass it to registry.GC alongside the reclaimer itself.
func (r *Reclaimer[T]) Name() string { return r.name }

type retiredEntry[T any] struct {
	ptr     *T
	deleter func(*T)
}

type threadState[T any] struct {
	hazards []atomicx.Pointer[T]
	retired []retiredEntry[T]
	mu      sync.Mutex // guards retired; hazards are lock-free per-slot
}

// reclaimerAdapter satisfies registry.Reclaimer without widening
// Reclaimer[T]'s own exported method set with unexported registry hooks.
type reclaimerAdapter[T any] Reclaimer[T]

func (a *reclaimerAdapter[T]) attachThread() any {
	r := (*Reclaimer[T])(a)
	ts := &threadState[T]{hazards: make([]atomicx.Pointer[T], r.k)}
	r.threadsMu.Lock()
	r.threads[ts] = struct{}{}
	r.threadsMu.Unlock()
	return ts
}

func (a *reclaimerAdapter[T]) detachThread(state any) {
	r := (*Reclaimer[T])(a)
	ts := state.(*threadState[T])
	for i := range ts.hazards {
		ts.hazards[i].Store(nil, atomicx.Relaxed)
	}
	// Leave the thread set first so handoff never picks the departing
	// thread as the recipient of its own still-protected entries.
	r.threadsMu.Lock()
	delete(r.threads, ts)
	r.threadsMu.Unlock()
	r.scanAndDrain(ts, true)
}

// State returns the calling handle's per-thread HP state, lazily
// allocated on first use. Panics if h is not attached (spec's
// precondition-violation failure mode for gc<R>() without attach).
func (r *Reclaimer[T]) State(h *registry.Handle) *threadState[T] {
	return registry.GC[threadState[T]](h, r.name, (*reclaimerAdapter[T])(r))
}

// Guard is a single hazard slot bound to a thread's state.
type Guard[T any] struct {
	r    *Reclaimer[T]
	ts   *threadState[T]
	slot int
}

// NewGuard allocates hazard slot index idx (0 <= idx < k) from h's
// thread state. Unlike the PTB pool, HP slots are a fixed array indexed
// directly by the caller, matching HPArrayT's compile-time-sized array.
func (r *Reclaimer[T]) NewGuard(h *registry.Handle, idx int) *Guard[T] {
	if idx < 0 || idx >= r.k {
		panic("concore/hp: hazard slot index out of range")
	}
	return &Guard[T]{r: r, ts: r.State(h), slot: idx}
}

// Protect publishes a candidate pointer loaded from addr into this
// guard's hazard slot, then revalidates by re-reading addr, looping
// until the re-read matches the published value (spec §4.3's
// guard.protect contract). transform converts a raw loaded pointer into
// its logical key before publication (e.g. stripping tag bits); pass nil
// to publish the pointer as-is.
func (g *Guard[T]) Protect(addr *atomicx.Pointer[T], transform func(*T) *T) *T {
	for {
		p := addr.Load(atomicx.Acquire)
		key := p
		if transform != nil {
			key = transform(p)
		}
		g.ts.hazards[g.slot].Store(key, atomicx.Release)
		atomicx.Fence(atomicx.SeqCst)
		p2 := addr.Load(atomicx.Acquire)
		if p2 == p {
			return p
		}
		g.r.backoff.Backoff(0)
	}
}

// Assign unconditionally publishes p, for callers that have already
// established p's liveness via an out-of-band invariant (spec §4.3).
func (g *Guard[T]) Assign(p *T) {
	g.ts.hazards[g.slot].Store(p, atomicx.Release)
}

// Clear writes null to the guard's slot with relaxed order: safe
// because a null slot cannot extend any pointer's lifetime (spec §4.3).
func (g *Guard[T]) Clear() {
	g.ts.hazards[g.slot].Store(nil, atomicx.Relaxed)
}

// Retire appends (p, deleter) to the calling thread's retired list,
// triggering Scan once the list reaches the soft cap R.
func (r *Reclaimer[T]) Retire(h *registry.Handle, p *T, deleter func(*T)) {
	ts := r.State(h)
	ts.mu.Lock()
	ts.retired = append(ts.retired, retiredEntry[T]{ptr: p, deleter: deleter})
	n := len(ts.retired)
	ts.mu.Unlock()
	mm.Track(&r.stats, 1, 0)
	if n >= r.rCap {
		r.scanAndDrain(ts, false)
	}
}

// Scan snapshots every attached thread's hazard slots, then frees any
// retired pointer absent from that snapshot (spec §4.3).
func (r *Reclaimer[T]) Scan(h *registry.Handle) {
	r.scanAndDrain(r.State(h), false)
}

func (r *Reclaimer[T]) liveSet() map[*T]struct{} {
	r.threadsMu.RLock()
	defer r.threadsMu.RUnlock()
	live := make(map[*T]struct{}, len(r.threads)*r.k)
	for ts := range r.threads {
		for i := range ts.hazards {
			if p := ts.hazards[i].Load(atomicx.Acquire); p != nil {
				live[p] = struct{}{}
			}
		}
	}
	return live
}

// scanAndDrain runs scan for ts, freeing every retired entry that no
// hazard slot protects. If final is true (called from detach), entries
// still protected are not kept on ts but passed to handoff, which moves
// them to another attached thread's retired list so a later scan there
// can free them; there is no separate shared drain list.
func (r *Reclaimer[T]) scanAndDrain(ts *threadState[T], final bool) {
	live := r.liveSet()

	ts.mu.Lock()
	remaining := ts.retired[:0]
	freed := 0
	var handoff []retiredEntry[T]
	for _, e := range ts.retired {
		if _, protected := live[e.ptr]; protected {
			if final {
				handoff = append(handoff, e)
			} else {
				remaining = append(remaining, e)
			}
			continue
		}
		e.deleter(e.ptr)
		freed++
	}
	ts.retired = remaining
	ts.mu.Unlock()

	if freed > 0 {
		mm.Track(&r.stats, 0, freed)
		r.logger.Debug().Int("freed", freed).Msg("concore/hp: scan reclaimed entries")
	}
	if len(handoff) > 0 {
		r.handoff(handoff)
	}
}

var drainMu sync.Mutex

// handoff appends still-protected entries to the retired list of one
// surviving attached thread of this reclaimer, so a subsequent Scan on
// that thread eventually frees them. This bounds the "departing
// thread leaves doomed pointers with no owner" gap spec §4.2 flags.
func (r *Reclaimer[T]) handoff(entries []retiredEntry[T]) {
	drainMu.Lock()
	defer drainMu.Unlock()
	r.threadsMu.RLock()
	defer r.threadsMu.RUnlock()
	for ts := range r.threads {
		ts.mu.Lock()
		ts.retired = append(ts.retired, entries...)
		ts.mu.Unlock()
		return
	}
	// No surviving thread: nothing can ever protect these again, free
	// them directly rather than leaking forever.
	for _, e := range entries {
		e.deleter(e.ptr)
	}
}

// Stats reports this reclaimer's allocation/reclamation counters (the
// teacher's access-barrier GetStats pattern, adapted — see DESIGN.md).
func (r *Reclaimer[T]) Stats() (allocated, freed int64) {
	return r.stats.Allocated(), r.stats.Freed()
}

// OutstandingRetired returns the total count of not-yet-freed retired
// entries across all attached threads of this reclaimer, for tests
// asserting spec §8 scenario 5's quiescence property.
func (r *Reclaimer[T]) OutstandingRetired() int {
	r.threadsMu.RLock()
	defer r.threadsMu.RUnlock()
	total := 0
	for ts := range r.threads {
		ts.mu.Lock()
		total += len(ts.retired)
		ts.mu.Unlock()
	}
	return total
}

