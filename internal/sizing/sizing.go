// Package sizing computes runtime-environment-aware defaults for the
// construction-time parameters spec.md §6 leaves to the caller (T_max,
// HP's K/R, PTB's guard-chunk size): rather than hardcoding numbers, it
// reads the same signals the pack's root module (joeycumines-go-utilpkg)
// already pulls in for exactly this purpose.
package sizing

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"

	_ "github.com/KimMachineGun/automemlimit/memlimit" // tunes GOMEMLIMIT to the cgroup limit on import
	"github.com/pbnjay/memory"
	_ "go.uber.org/automaxprocs/maxprocs" // tunes GOMAXPROCS to the cgroup quota on import
)

var once sync.Once

// Init does no work of its own: any environment tuning comes from the
// blank imports above, which run at package initialization. registry
// calls it before reading defaults.
func Init() {
	once.Do(func() {})
}

// DefaultThreadMax returns the thread-registry cap (spec §5's
// "implementation-configured cap") to use when a caller passes 0: a
// small multiple of the schedulable CPU count, which automaxprocs has
// already set to match a container's CPU quota rather than the host's
// full core count.
func DefaultThreadMax() int {
	n := runtime.GOMAXPROCS(0) * 4
	if n < 16 {
		n = 16
	}
	return n
}

// EffectiveMemoryLimit returns the memory budget sizing heuristics
// should scale against: the process's GOMEMLIMIT-derived soft limit if
// automemlimit could determine one from a cgroup, else total system RAM
// via pbnjay/memory.
func EffectiveMemoryLimit() uint64 {
	// SetMemoryLimit(-1) is the documented no-op query form: it reports
	// the limit automemlimit's import side effect already installed
	// (from the cgroup, when running under one) without changing it.
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		return uint64(limit)
	}
	if total := memory.TotalMemory(); total > 0 {
		return total
	}
	return 1 << 30 // 1GiB fallback when neither signal is available (e.g. in a sandboxed test runner)
}

// DefaultRetiredCap returns the HP reclaimer's default soft cap R on
// a thread's retired list (spec §4.3's "soft-cap R" / §8's overhang
// bound): scaled down under memory pressure so T_max*K + T_max*R stays a
// small fraction of the effective memory limit.
func DefaultRetiredCap(threadMax, hazardK int) int {
	const assumedNodeBytes = 128 // conservative average retired-node footprint
	const targetFraction = 64    // use at most 1/64th of the memory budget for overhang

	budget := EffectiveMemoryLimit() / targetFraction
	perThread := budget / uint64(max(threadMax, 1)) / assumedNodeBytes
	if perThread < 32 {
		perThread = 32
	}
	if perThread > 4096 {
		perThread = 4096
	}
	_ = hazardK
	return int(perThread)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
