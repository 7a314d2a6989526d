// Package mempages models virtually mapped page ranges: MappedPages, the
// owning handle over a mapped region, and the small collaborator
// interfaces (page table, frame allocator, virtual address space
// allocator) the nano_core parser needs to obtain one.
//
// These collaborators are external to this core (spec.md §1); this package
// defines the seams the loader package programs against plus reference
// implementations usable in tests.
package mempages

import (
	"fmt"
	"sync"

	"nanocore/internal/util"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE uintptr = 1 << PGSHIFT

// PhysAddr is a physical address.
type PhysAddr uintptr

// EntryFlags are page table entry permission bits relevant to mapping the
// nano_core module for parsing.
type EntryFlags uint

const (
	Present EntryFlags = 1 << iota
	Writable
)

// PageAligned reports whether addr falls on a page boundary.
func PageAligned(addr uintptr) bool {
	return util.PageAligned(addr, PGSIZE)
}

// AllocatedPages is a virtual address range reserved but not yet mapped to
// physical frames.
type AllocatedPages struct {
	Base uintptr
	Size uintptr
}

// FrameRange is a physical address range backing an AllocatedPages region.
type FrameRange struct {
	Base PhysAddr
	Size uintptr
}

// MappedPages is an owning handle over a virtually mapped region. It is
// unmappable only once; a second Unmap is a bug, matching spec.md's
// "unmappable only on drop."
type MappedPages struct {
	mu       sync.Mutex
	base     uintptr
	size     uintptr
	flags    EntryFlags
	data     []byte
	unmapped bool
}

// NewMappedPages returns a handle over a virtual range backed (for
// simulation purposes, in lieu of real hardware) by data.
func NewMappedPages(base uintptr, data []byte, flags EntryFlags) *MappedPages {
	return &MappedPages{base: base, size: uintptr(len(data)), flags: flags, data: data}
}

// Base returns the first virtual address of the mapping.
func (p *MappedPages) Base() uintptr {
	return p.base
}

// Size returns the length of the mapping in bytes.
func (p *MappedPages) Size() uintptr {
	return p.size
}

// Writable reports whether the mapping permits writes.
func (p *MappedPages) Writable() bool {
	return p.flags&Writable != 0
}

// OffsetOfAddress returns the byte offset of va within this mapping, and
// false if va falls outside the mapped range.
func (p *MappedPages) OffsetOfAddress(va uintptr) (uintptr, bool) {
	if va < p.base || va >= p.base+p.size {
		return 0, false
	}
	return va - p.base, true
}

// Bytes returns the mapping's backing bytes. The returned slice aliases the
// mapping; callers must not retain it past Unmap.
func (p *MappedPages) Bytes() []byte {
	return p.data
}

// WriteByte writes b at offset, failing if the mapping isn't writable or
// offset is out of range.
func (p *MappedPages) WriteByte(offset uintptr, b byte) error {
	if !p.Writable() {
		return fmt.Errorf("mempages: mapping at %#x is not writable", p.base)
	}
	if offset >= p.size {
		return fmt.Errorf("mempages: offset %d out of range for mapping of size %d", offset, p.size)
	}
	p.data[offset] = b
	return nil
}

// Unmap releases the mapping. It panics if called twice.
func (p *MappedPages) Unmap() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unmapped {
		panic("mempages: double unmap")
	}
	p.unmapped = true
	return nil
}

// Shared is the Arc<Mutex<MappedPages>> equivalent: a mutex-guarded pointer
// shared between the loaded crate and any error-return channel. Go's
// garbage collector already supplies the reference counting the original
// Arc gave explicitly; Shared need only supply mutual exclusion.
type Shared struct {
	mu    sync.Mutex
	Pages *MappedPages
}

// NewShared wraps p for sharing.
func NewShared(p *MappedPages) *Shared {
	return &Shared{Pages: p}
}

// OffsetOfAddress computes va's offset within the wrapped mapping while
// holding the mapping exclusively, matching spec.md's "each page handle is
// held in exclusive mode briefly to compute offset_of_address."
func (s *Shared) OffsetOfAddress(va uintptr) (uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Pages.OffsetOfAddress(va)
}

// Base returns the mapping's base address.
func (s *Shared) Base() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Pages.Base()
}

// Size returns the length of the wrapped mapping in bytes.
func (s *Shared) Size() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Pages.Size()
}

// Unmap releases the underlying mapping.
func (s *Shared) Unmap() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Pages.Unmap()
}

// FrameAllocator is an opaque handle to the physical frame allocator, passed
// through to PageTable.MapAllocatedPagesTo. Its shape is owned by the real
// frame allocator implementation; this core never looks inside it.
type FrameAllocator interface{}

// FrameAllocatorSource models FRAME_ALLOCATOR.try(): acquiring exclusive
// access to the shared frame allocator. The returned release func must be
// called once the caller is done, and must not still be held when the
// scratch mapping it was used to build is later unmapped.
type FrameAllocatorSource interface {
	TryAcquire() (FrameAllocator, func(), error)
}

// PageTable maps an allocated virtual range onto physical frames.
type PageTable interface {
	MapAllocatedPagesTo(pages AllocatedPages, frames FrameRange, flags EntryFlags, alloc FrameAllocator) (*MappedPages, error)
}

// VirtualAllocator reserves a virtual address range of the requested size,
// the scratch-mapping source spec.md's orchestrator step 5 needs.
type VirtualAllocator interface {
	AllocatePagesByBytes(size uint) (AllocatedPages, error)
}
