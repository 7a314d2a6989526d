// Package percpu provides typed, per-CPU storage cells.
//
// A real kernel resolves a declared field's slot as a compile-time offset
// into a per-CPU data block; here each Slot owns its own storage indexed by
// cpu.ID, which gives the same external contract (constant-time access
// keyed by "the current CPU") without needing a linker-assigned offset.
package percpu

import (
	"sync"

	"nanocore/cpu"
)

// Field enumerates the declared per-CPU fields a Slot can back. New fields
// are added here so every per-CPU cell in the kernel is enumerable from one
// place, matching the field-enumeration spec.md describes.
type Field int

const (
	// FieldPreemptionCount backs the reentrant preemption counter.
	FieldPreemptionCount Field = iota
)

// Guard is satisfied by anything that proves preemption is held on a known
// CPU — preempt.Guard implements it. Slot only needs this much of the
// guard's surface, so it is declared here rather than importing preempt,
// avoiding an import cycle between the two packages.
type Guard interface {
	CPU() cpu.ID
}

// Slot is typed, per-CPU storage for a value of type T, identified by a
// Field. It is safe to read through With once preemption is already
// disabled by the caller's own in-progress operation, and may be read or
// written through WithPreempt given proof via a Guard.
type Slot[T any] struct {
	field   Field
	locator cpu.Locator

	mu     sync.Mutex
	values map[cpu.ID]*T
	zero   func() T
}

// NewSlot returns a Slot backed by locator, with zero constructing the
// initial value for a CPU the first time it's observed (mirroring
// bring-up initialization of the per-CPU data block).
func NewSlot[T any](field Field, locator cpu.Locator, zero func() T) *Slot[T] {
	return &Slot[T]{
		field:   field,
		locator: locator,
		values:  make(map[cpu.ID]*T),
		zero:    zero,
	}
}

// Field reports which declared field this Slot backs.
func (s *Slot[T]) Field() Field {
	return s.field
}

func (s *Slot[T]) cell(id cpu.ID) *T {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[id]
	if !ok {
		nv := s.zero()
		v = &nv
		s.values[id] = v
	}
	return v
}

// With runs fn with a pointer to the current CPU's cell. Read-only use is
// not enforced: fn receives the same *T as WithPreempt and can write
// through it. Callers must already have preemption disabled (or
// equivalently guaranteed single access), since no CPU-identity check is
// performed here beyond resolving "current."
func With[T any](s *Slot[T], fn func(*T)) {
	id := s.locator.Current()
	fn(s.cell(id))
}

// WithPreempt runs fn with access to the current CPU's cell, using g as
// proof that preemption is held. It asserts g's recorded CPU matches the
// CPU the caller is currently running on.
func WithPreempt[T any](s *Slot[T], g Guard, fn func(*T)) {
	id := s.locator.Current()
	if g.CPU() != id {
		panic("percpu: guard's CPU does not match the current CPU")
	}
	fn(s.cell(id))
}

// Init forces bring-up initialization of id's cell without requiring a
// guard, for use at CPU bring-up before any guard exists.
func Init[T any](s *Slot[T], id cpu.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[id]; !ok {
		v := s.zero()
		s.values[id] = &v
	}
}

// Teardown removes id's cell, for use at CPU shutdown.
func Teardown[T any](s *Slot[T], id cpu.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, id)
}
