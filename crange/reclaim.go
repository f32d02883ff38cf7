package crange

import (
	"github.com/concore/concore/hp"
	"github.com/concore/concore/ptb"
	"github.com/concore/concore/registry"
)

// RangeGuard is the small per-traversal-step protection capability
// crange needs from whichever reclaimer backs a Map: publish a
// candidate Range pointer, then release the protection once the
// traversal step that needed it is done. Both HP's fixed hazard slots
// and PTB's dynamically-acquired guards satisfy this identically-shaped
// surface (spec's DESIGN NOTES §9: "one generic per container... small
// required interface").
type RangeGuard interface {
	Protect(p *Range)
	Release()
}

// Reclaimer is the capability crange.New requires: a container is
// parameterized by exactly one reclaimer at construction (spec's
// non-goal on dynamic per-object reclaimer selection).
type Reclaimer interface {
	// Guard returns a protection bound to thread h. slot is a hint used
	// only by fixed-slot backends (HP); dynamic backends (PTB) ignore
	// it and allocate from their pool instead.
	Guard(h *registry.Handle, slot int) RangeGuard
	Retire(h *registry.Handle, p *Range, deleter func(*Range))
	Scan(h *registry.Handle)
}

// WithHP adapts a Hazard Pointer reclaimer of Range into the Reclaimer
// capability crange.New wants.
func WithHP(r *hp.Reclaimer[Range]) Reclaimer { return hpBackend{r} }

type hpBackend struct{ r *hp.Reclaimer[Range] }

func (b hpBackend) Guard(h *registry.Handle, slot int) RangeGuard {
	return hpGuardAdapter{b.r.NewGuard(h, slot)}
}
func (b hpBackend) Retire(h *registry.Handle, p *Range, deleter func(*Range)) {
	b.r.Retire(h, p, deleter)
}
func (b hpBackend) Scan(h *registry.Handle) { b.r.Scan(h) }

type hpGuardAdapter struct{ g *hp.Guard[Range] }

func (a hpGuardAdapter) Protect(p *Range) { a.g.Assign(p) }
func (a hpGuardAdapter) Release()         { a.g.Clear() }

// WithPTB adapts a Pass-The-Buck reclaimer of Range into the Reclaimer
// capability crange.New wants.
func WithPTB(r *ptb.Reclaimer[Range]) Reclaimer { return ptbBackend{r} }

type ptbBackend struct{ r *ptb.Reclaimer[Range] }

func (b ptbBackend) Guard(h *registry.Handle, slot int) RangeGuard {
	_ = h
	_ = slot
	return b.r.Acquire() // *ptb.Guard[Range] already exposes Protect/Release
}
func (b ptbBackend) Retire(h *registry.Handle, p *Range, deleter func(*Range)) {
	b.r.Retire(h, p, deleter)
}
func (b ptbBackend) Scan(h *registry.Handle) { _ = h; b.r.LivenessScan() }
