package loader

import (
	"weak"

	"nanocore/mempages"
)

// Kind distinguishes a section's placement and permissions.
type Kind int

const (
	Text Kind = iota
	Rodata
	Data
	Bss
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "Text"
	case Rodata:
		return "Rodata"
	case Data:
		return "Data"
	case Bss:
		return "Bss"
	default:
		return "unknown"
	}
}

// Section is a single parsed symbol-table entry, classified by kind and
// located within one of the crate's three owning page ranges.
//
// Invariant: VirtualAddress lies within the mapped range of Owning, and
// OffsetWithinPages == VirtualAddress - base(Owning).
type Section struct {
	Kind              Kind
	DemangledName     string
	Hash              *string
	Owning            *mempages.Shared
	OffsetWithinPages uintptr
	VirtualAddress    uintptr
	Size              uint64
	Global            bool

	// crate is a weak back-reference to the owning Crate. A weak pointer
	// (added to the standard library in Go 1.24) is used rather than a
	// strong one so that crate and section don't form an ownership cycle;
	// no third-party package offers a GC-aware weak reference, so the
	// standard library is the correct tool here, not a gap to fill with a
	// dependency.
	crate weak.Pointer[Crate]
}

// Crate resolves the section's owning crate, or nil if the crate has since
// been unloaded (which this core's scope never does, but callers outside
// it may).
func (s *Section) Crate() *Crate {
	return s.crate.Value()
}
