// Package registry implements spec.md §4.2's thread registration model:
// process-wide init/fini, per-thread attach/detach, and typed access to
// each reclaimer's per-thread state. It replaces the reference
// implementation's thread-local storage (DESIGN NOTES §9) with an
// explicit registry a goroutine borrows a slot from on Attach and
// returns on Detach — the model the design notes prescribe for a
// language without first-class TLS lifecycle hooks.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/concore/concore/internal/sizing"
)

// ErrStillInUse is returned by Fini when threads remain attached (spec
// §7's "Teardown race").
var ErrStillInUse = errors.New("concore/registry: fini called while threads remain attached")

// ErrNotInitialized is returned by Attach after Fini, or before Init.
var ErrNotInitialized = errors.New("concore/registry: attach after fini or before init")

// Config carries the construction-time parameters for every reclaimer
// kind (spec §6's "Reclaimer construction"). Zero fields are defaulted
// from the runtime environment via internal/sizing.
type Config struct {
	ThreadMax      int // T_max, shared by HP and HRC; PTB is unbounded.
	HazardK        int // K, HP's per-thread hazard slot count.
	RetiredSoftCap int // R, HP's per-thread retired-list soft cap (PTB uses GuardChunkSize instead).
	GuardChunkSize int // PTB's retired-batch chunk size.
	HRCLinkCount   int // L_max, HRC's per-node outgoing link slot count.

	// Logger is optional; nil (the zero value) disables logging. Set it
	// to enable the Debug/Trace scan diagnostics and Warn-level
	// teardown-race reporting described in SPEC_FULL.md §1.1.
	Logger *zerolog.Logger
}

func (c *Config) setDefaults() {
	sizing.Init()
	if c.ThreadMax <= 0 {
		c.ThreadMax = sizing.DefaultThreadMax()
	}
	if c.HazardK <= 0 {
		c.HazardK = 8
	}
	if c.RetiredSoftCap <= 0 {
		c.RetiredSoftCap = sizing.DefaultRetiredCap(c.ThreadMax, c.HazardK)
	}
	if c.GuardChunkSize <= 0 {
		c.GuardChunkSize = 64
	}
	if c.HRCLinkCount <= 0 {
		c.HRCLinkCount = 4 // matches original_source cds/hzp_const.h's c_nHRCMaxNodeLinkCount
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// Reclaimer is the small capability interface spec's DESIGN NOTES §9
// asks for in place of the reference's template-metaprogrammed
// tag-dispatch: one generic per container, one monomorphization per
// reclaimer kind, each satisfying this interface for its per-thread
// state type.
type Reclaimer interface {
	// attachThread/detachThread are called by the registry on the
	// matching Handle lifecycle events; unexported so only the registry
	// can drive them, matching §4.2's "registry owns the state, each
	// thread borrows its slot".
	attachThread() any
	detachThread(state any)
}

var (
	mu          sync.Mutex
	initialized bool
	finished    bool
	cfg         Config

	liveThreads int64

	kindsMu sync.RWMutex
	kinds   = map[string]Reclaimer{}
)

var nameCounters sync.Map // kind string -> *int64

// NewName returns a unique registry key for a new reclaimer instance of
// the given kind (e.g. "hp", "ptb", "hrc"); each constructed container's
// reclaimer gets its own key so multiple containers of the same
// reclaimer kind don't share per-thread state.
func NewName(kind string) string {
	v, _ := nameCounters.LoadOrStore(kind, new(int64))
	ctr := v.(*int64)
	n := atomic.AddInt64(ctr, 1)
	return fmt.Sprintf("%s#%d", kind, n)
}

// Register installs a reclaimer kind under name (e.g. "hp", "ptb",
// "hrc"); called once by each reclaimer package's init or constructor.
// Re-registering the same name replaces the prior instance, matching
// "a container is parameterized by one reclaimer at construction"
// (spec's non-goals) — each New call registers its own instance keyed
// by a unique name it generates.
func Register(name string, r Reclaimer) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[name] = r
}

func lookup(name string) (Reclaimer, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	r, ok := kinds[name]
	return r, ok
}

// Init initializes the process-wide registry. Idempotent: calling it
// again before Fini is a no-op, and the first call's config stays in
// effect.
func Init(c Config) {
	mu.Lock()
	defer mu.Unlock()
	if initialized && !finished {
		return
	}
	c.setDefaults()
	cfg = c
	initialized = true
	finished = false
	atomic.StoreInt64(&liveThreads, 0)
}

// Fini tears down the registry. Returns ErrStillInUse if any thread is
// still attached; in that case no state is torn down (spec §7: "no
// reclamation is forced").
func Fini() error {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return nil
	}
	if atomic.LoadInt64(&liveThreads) > 0 {
		if cfg.Logger != nil {
			cfg.Logger.Warn().Int64("live_threads", atomic.LoadInt64(&liveThreads)).Msg("concore/registry: fini with threads still attached")
		}
		return ErrStillInUse
	}
	finished = true
	initialized = false
	return nil
}

// CurrentConfig returns the effective (defaulted) config, valid only
// while the registry is initialized.
func CurrentConfig() Config {
	mu.Lock()
	defer mu.Unlock()
	return cfg
}

// Handle is the per-thread (per-goroutine, in practice) registration
// returned by Attach; scoped-handle idiom spec §6 recommends ("RAII /
// defer-style" — Go's equivalent is "Attach then defer h.Detach()").
type Handle struct {
	states   sync.Map // reclaimer name -> any (lazily allocated per-thread state)
	detached int32
}

// Attach registers the calling goroutine with the registry. Must be
// called (and Detach deferred) before any call that touches a
// reclaimer-backed container.
func Attach() (*Handle, error) {
	mu.Lock()
	ok := initialized && !finished
	mu.Unlock()
	if !ok {
		return nil, ErrNotInitialized
	}
	atomic.AddInt64(&liveThreads, 1)
	return &Handle{}, nil
}

// IsAttached reports whether h is still attached (has not had Detach
// called on it).
func (h *Handle) IsAttached() bool {
	return atomic.LoadInt32(&h.detached) == 0
}

// Detach runs the detach hook of every reclaimer this handle lazily
// allocated state for, giving reclamation a chance to complete: HP
// clears the thread's hazard slots and scans, PTB splices the thread's
// retired chunk and runs a liveness scan. PTB guards acquired by the
// goroutine are not released by Detach. Idempotent.
func (h *Handle) Detach() {
	if !atomic.CompareAndSwapInt32(&h.detached, 0, 1) {
		return
	}
	h.states.Range(func(key, value any) bool {
		name := key.(string)
		if r, ok := lookup(name); ok {
			r.detachThread(value)
		}
		return true
	})
	atomic.AddInt64(&liveThreads, -1)
}

// GC returns this handle's per-thread state for reclaimer kind name,
// lazily allocating it on first use by delegating to r.attachThread().
// Calling GC on a handle obtained before Attach, or after Detach, is a
// precondition violation and panics, matching spec §4.2's failure mode
// ("gc<R>() without attach is a programming error; the implementation
// may assert").
func GC[S any](h *Handle, name string, r Reclaimer) *S {
	if h == nil || !h.IsAttached() {
		panic(fmt.Sprintf("concore/registry: GC(%s) called on a detached or nil handle", name))
	}
	if existing, ok := h.states.Load(name); ok {
		return existing.(*S)
	}
	state := r.attachThread()
	actual, _ := h.states.LoadOrStore(name, state)
	return actual.(*S)
}
