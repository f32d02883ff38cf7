// Package backoff implements the retry back-off strategies spec §9 calls
// for: a small sum type injected into the few CAS/lock retry loops that
// need one, rather than every loop spinning bare.
package backoff

import (
	"time"

	"golang.org/x/sys/unix"
)

// Strategy is the back-off sum type: Pause, Yield, or Exp{cap}.
type Strategy interface {
	// Backoff is called once per failed retry iteration; attempt is the
	// caller's count of failed retries so far (callers that do not
	// count pass 0), and strategies may scale their delay by it.
	Backoff(attempt int)
}

// Pause spins the CPU a handful of times without yielding to the
// scheduler; cheapest strategy for retry loops expected to succeed
// within a few iterations (CAS contention on an uncontended path).
type Pause struct{}

func (Pause) Backoff(attempt int) {
	spins := 4 << uint(attempt)
	if spins > 64 {
		spins = 64
	}
	var x uint64
	for i := 0; i < spins; i++ {
		x += uint64(i)
	}
	_ = x
}

// Yield gives up the current thread's remaining timeslice via the OS
// scheduler on every call. Default strategy named in spec §5.
type Yield struct{}

func (Yield) Backoff(int) {
	// sched_yield(2) rather than runtime.Gosched: the latter only yields
	// the goroutine to Go's scheduler, which may resume it immediately
	// on the same OS thread under GOMAXPROCS=1; Yield means "let another
	// OS thread run", so we ask the kernel directly.
	_ = unix.SchedYield()
}

// Exp is an exponential back-off with a ceiling, for retry loops that
// may spin under sustained contention (e.g. skip-list level relinking
// during a hot insert/delete race).
type Exp struct {
	Cap time.Duration
}

func (e Exp) Backoff(attempt int) {
	d := time.Microsecond << uint(attempt)
	if e.Cap > 0 && d > e.Cap {
		d = e.Cap
	}
	time.Sleep(d)
}

// Default is the back-off spec §5 says is provided out of the box.
var Default Strategy = Yield{}
