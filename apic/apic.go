// Package apic models the per-CPU local APIC facilities the preemption core
// depends on: the LVT timer enable bit, and allocation of local interrupt
// vectors more generally.
//
// A real local APIC driver is an external collaborator (spec.md §1); this
// package defines the seam the preemption core programs against plus a
// reference implementation for tests.
package apic

import "sync"

// Controller is the local APIC surface the preemption core needs.
// EnableLVTTimer arms (true) or disables (false) the timer's local vector
// table entry, the mechanism that drives preemptive task switching.
type Controller interface {
	EnableLVTTimer(enable bool)
}

// Vector identifies a local-APIC interrupt vector.
type Vector uint8

// reservedVectors mirrors the range the teacher kernel's msi package
// dedicates to MSI interrupts; local vectors here are drawn from the
// adjacent low range historically used for LVT entries (timer, error,
// performance-counter, thermal) on x86_64.
var reservedVectors = []Vector{48, 49, 50, 51}

// VectorPool hands out local APIC vectors from a fixed pool, generalizing
// the teacher kernel's msi.Msivecs_t allocator (a mutex-guarded map of
// available IDs) from MSI vectors to local vectors.
type VectorPool struct {
	mu    sync.Mutex
	avail map[Vector]bool
}

// NewVectorPool returns a pool seeded with the reserved local vector range.
func NewVectorPool() *VectorPool {
	avail := make(map[Vector]bool, len(reservedVectors))
	for _, v := range reservedVectors {
		avail[v] = true
	}
	return &VectorPool{avail: avail}
}

// Alloc reserves an available vector. It panics if none remain, matching
// the teacher kernel's treatment of MSI vector exhaustion as a fatal
// configuration bug rather than a recoverable error.
func (p *VectorPool) Alloc() Vector {
	p.mu.Lock()
	defer p.mu.Unlock()
	for v := range p.avail {
		delete(p.avail, v)
		return v
	}
	panic("apic: no local vectors remain")
}

// Free returns a vector to the pool. It panics on a double free.
func (p *VectorPool) Free(v Vector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.avail[v] {
		panic("apic: double free of local vector")
	}
	p.avail[v] = true
}

// LocalAPIC is a reference Controller implementation. Its timer vector is
// allocated lazily from a VectorPool on first use, mirroring how the real
// driver would reserve its LVT timer entry once at CPU bring-up.
type LocalAPIC struct {
	mu      sync.Mutex
	pool    *VectorPool
	vector  Vector
	hasVec  bool
	enabled bool
}

// NewLocalAPIC returns a LocalAPIC drawing its timer vector from pool.
func NewLocalAPIC(pool *VectorPool) *LocalAPIC {
	return &LocalAPIC{pool: pool}
}

// EnableLVTTimer implements Controller.
func (a *LocalAPIC) EnableLVTTimer(enable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasVec {
		a.vector = a.pool.Alloc()
		a.hasVec = true
	}
	a.enabled = enable
}

// Enabled reports the last value written, for diagnostics only — like
// preempt.PreemptionEnabled, this carries no happens-before guarantee.
func (a *LocalAPIC) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// RecordingAPIC is a test double that records every EnableLVTTimer call in
// order, used to verify that the timer toggles exactly on 0<->1 transitions
// of the preemption counter (spec.md §8).
type RecordingAPIC struct {
	mu    sync.Mutex
	Calls []bool
}

// EnableLVTTimer implements Controller.
func (r *RecordingAPIC) EnableLVTTimer(enable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, enable)
}

// Snapshot returns a copy of the calls recorded so far.
func (r *RecordingAPIC) Snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.Calls))
	copy(out, r.Calls)
	return out
}
