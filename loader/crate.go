package loader

import (
	"sync"
	"weak"

	"nanocore/mempages"
)

// orderedSections is an insertion-ordered map from monotonically assigned
// section id to *Section. Go maps don't preserve iteration order, and
// spec.md requires sections to be visitable in insertion order, not
// address order, so a slice of ids is kept alongside the lookup map.
type orderedSections struct {
	byID  map[int]*Section
	order []int
}

func newOrderedSections() *orderedSections {
	return &orderedSections{byID: make(map[int]*Section)}
}

func (o *orderedSections) append(id int, s *Section) {
	o.byID[id] = s
	o.order = append(o.order, id)
}

// Values returns the sections in insertion order.
func (o *orderedSections) Values() []*Section {
	out := make([]*Section, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.byID[id])
	}
	return out
}

// Len reports how many sections are recorded.
func (o *orderedSections) Len() int {
	return len(o.order)
}

// Crate is the shared record a parsed module's sections belong to. Sections
// hold a weak back-reference to their crate (see Section.crate) to avoid a
// crate<->section ownership cycle.
type Crate struct {
	mu sync.Mutex

	Name         string
	ObjectFile   *ModuleArea
	TextPages    *mempages.Shared
	RodataPages  *mempages.Shared
	DataPages    *mempages.Shared
	sections     *orderedSections
}

// Sections returns the crate's sections in insertion order.
func (c *Crate) Sections() []*Section {
	return c.sections.Values()
}

// builder assembles a Crate incrementally: component F, the crate builder.
// It constructs the crate eagerly with empty sections, takes a weak
// back-reference for embedding in every section appended afterward
// (mirroring CowArc::downgrade being taken immediately after CowArc::new in
// the original implementation, before any section exists), accumulates
// sections locally while the crate's own sections field stays empty, and
// only installs the completed set under the crate's mutex in finish.
type builder struct {
	crate    *Crate
	weakSelf weak.Pointer[Crate]
	pending  *orderedSections
	counter  int
}

// newCrateBuilder starts building a crate with an empty section set.
func newCrateBuilder(name string, objectFile *ModuleArea, text, rodata, data *mempages.Shared) *builder {
	c := &Crate{
		Name:        name,
		ObjectFile:  objectFile,
		TextPages:   text,
		RodataPages: rodata,
		DataPages:   data,
		sections:    newOrderedSections(),
	}
	return &builder{crate: c, weakSelf: weak.Make(c), pending: newOrderedSections()}
}

// append records a new section with the next monotonic id, owned by
// owning, and located at vaddr/size within it.
func (b *builder) append(kind Kind, name string, hash *string, owning *mempages.Shared, vaddr uintptr, size uint64, global bool) error {
	offset, ok := owning.OffsetOfAddress(vaddr)
	if !ok {
		return &MalformedError{What: "symbol virtual address falls outside its declared owning pages"}
	}
	sec := &Section{
		Kind:              kind,
		DemangledName:     name,
		Hash:              hash,
		Owning:            owning,
		OffsetWithinPages: offset,
		VirtualAddress:    vaddr,
		Size:              size,
		Global:            global,
		crate:             b.weakSelf,
	}
	id := b.counter
	b.counter++
	b.pending.append(id, sec)
	return nil
}

// finish installs the completed section set onto the crate. It requires
// obtaining the crate's mutex via TryLock: since the builder is the only
// holder of this freshly constructed *Crate, the lock must always be
// free, so a failed TryLock here is a fatal bug, exactly as spec.md §4.F
// and §7 describe — not a contention case worth retrying.
func (b *builder) finish() *Crate {
	if !b.crate.mu.TryLock() {
		panic("BUG: couldn't get exclusive access to newly created crate")
	}
	defer b.crate.mu.Unlock()
	b.crate.sections = b.pending
	return b.crate
}
