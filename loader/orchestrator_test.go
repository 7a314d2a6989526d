package loader

import (
	"testing"

	"nanocore/mempages"
)

type fakeRegistry struct {
	modules map[string]*ModuleArea
}

func (r *fakeRegistry) GetModule(name string) (*ModuleArea, bool) {
	m, ok := r.modules[name]
	return m, ok
}

type fakeVirtualAllocator struct{ next uintptr }

func (a *fakeVirtualAllocator) AllocatePagesByBytes(size uint) (mempages.AllocatedPages, error) {
	base := a.next
	a.next += uintptr(size)
	return mempages.AllocatedPages{Base: base, Size: uintptr(size)}, nil
}

type fakeFrameAllocator struct{ acquired int }

func (a *fakeFrameAllocator) TryAcquire() (mempages.FrameAllocator, func(), error) {
	a.acquired++
	return struct{}{}, func() { a.acquired-- }, nil
}

// fakePageTable "maps" by handing back a MappedPages backed by the bytes
// already sitting at the module's physical address, as recorded in
// backing. This stands in for a real page table during tests.
type fakePageTable struct {
	backing map[uintptr][]byte
}

func (pt *fakePageTable) MapAllocatedPagesTo(pages mempages.AllocatedPages, frames mempages.FrameRange, flags mempages.EntryFlags, alloc mempages.FrameAllocator) (*mempages.MappedPages, error) {
	src := pt.backing[uintptr(frames.Base)]
	buf := make([]byte, pages.Size)
	copy(buf, src)
	return mempages.NewMappedPages(pages.Base, buf, flags), nil
}

func newOrchestratorFixture(moduleBytes []byte) (*fakeRegistry, *fakeVirtualAllocator, *fakeFrameAllocator, *fakePageTable) {
	const moduleAddr = 0x700000
	reg := &fakeRegistry{modules: map[string]*ModuleArea{
		"nano_core": {StartAddress: moduleAddr, Size: uint64(len(moduleBytes)), Name: "nano_core"},
	}}
	va := &fakeVirtualAllocator{next: 0x800000}
	fa := &fakeFrameAllocator{}
	pt := &fakePageTable{backing: map[uintptr][]byte{moduleAddr: moduleBytes}}
	return reg, va, fa, pt
}

func TestParseNanoCoreDispatchesTextualDump(t *testing.T) {
	dump := mustParseFixture(t)
	moduleBytes := make([]byte, len(dump))
	copy(moduleBytes, dump)

	reg, va, fa, pt := newOrchestratorFixture(moduleBytes)

	text := mempages.NewShared(mempages.NewMappedPages(0x100000, make([]byte, 0x1000), mempages.Present))
	rodata := mempages.NewShared(mempages.NewMappedPages(0x200000, make([]byte, 0x1000), mempages.Present))
	data := mempages.NewShared(mempages.NewMappedPages(0x300000, make([]byte, 0x100100), mempages.Present|mempages.Writable))

	ns := NewDefaultNamespace()

	crate, err := ParseNanoCore(reg, "k#nano_core", "nano_core", TextualSymbolFile, text, rodata, data, pt, va, fa, ns, fakeDemangler{}, false, nil)
	if err != nil {
		t.Fatalf("ParseNanoCore: %v", err)
	}
	if len(crate.Sections()) != 4 {
		t.Fatalf("got %d sections, want 4", len(crate.Sections()))
	}
	if fa.acquired != 0 {
		t.Fatalf("frame allocator should be released after mapping, acquired=%d", fa.acquired)
	}
	if got, ok := ns.Lookup("k#nano_core"); !ok || got != crate {
		t.Fatalf("ParseNanoCore should register the crate in the namespace")
	}
	if _, ok := ns.LookupSymbol("nano_core::start_kernel"); !ok {
		t.Fatalf("ParseNanoCore should register the crate's global symbols")
	}
}

func TestParseNanoCoreDispatchesELF(t *testing.T) {
	data, _ := buildTestELF(t)
	reg, va, fa, pt := newOrchestratorFixture(data)

	text := mempages.NewShared(mempages.NewMappedPages(0x100000, make([]byte, 16), mempages.Present))
	rodata := mempages.NewShared(mempages.NewMappedPages(0x200000, make([]byte, 8), mempages.Present))
	dataPages := mempages.NewShared(mempages.NewMappedPages(0x300000, make([]byte, 0x100100), mempages.Present|mempages.Writable))

	ns := NewDefaultNamespace()

	crate, err := ParseNanoCore(reg, "k#nano_core", "nano_core", ELFObject, text, rodata, dataPages, pt, va, fa, ns, fakeDemangler{}, false, nil)
	if err != nil {
		t.Fatalf("ParseNanoCore: %v", err)
	}
	if len(crate.Sections()) != 2 {
		t.Fatalf("got %d sections, want 2", len(crate.Sections()))
	}
}

func TestParseNanoCoreModuleNotFound(t *testing.T) {
	reg, va, fa, pt := newOrchestratorFixture(nil)
	text := mempages.NewShared(mempages.NewMappedPages(0x100000, make([]byte, 16), mempages.Present))
	rodata := mempages.NewShared(mempages.NewMappedPages(0x200000, make([]byte, 8), mempages.Present))
	data := mempages.NewShared(mempages.NewMappedPages(0x300000, make([]byte, 16), mempages.Present|mempages.Writable))

	ns := NewDefaultNamespace()
	_, err := ParseNanoCore(reg, "k#missing", "missing", TextualSymbolFile, text, rodata, data, pt, va, fa, ns, fakeDemangler{}, false, nil)
	if err == nil {
		t.Fatalf("expected an error for a module absent from the registry")
	}
	perr, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected a *ParseError carrying back the three page handles, got %T", err)
	}
	if perr.TextPages != text || perr.RodataPages != rodata || perr.DataPages != data {
		t.Fatalf("ParseError should carry back the exact page handles it was given")
	}
}
