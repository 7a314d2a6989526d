package loader

import (
	"fmt"
	"io"

	"nanocore/internal/util"
	"nanocore/mempages"
)

// Mode selects which of component D or E parses the module's contents.
// Per spec.md §4.G step 4 this is a selected mode, not something sniffed
// from the mapped bytes after the fact — textual mode is the default.
type Mode int

const (
	TextualSymbolFile Mode = iota
	ELFObject
)

// ParseNanoCore is component G: it locates moduleName in registry, maps it
// into a scratch virtual range just long enough to read its contents,
// dispatches to the parser matching mode, registers the result in ns, and
// tears the scratch mapping back down.
//
// text, rodata, data are the nano_core's own already-resident section
// mappings — the module is executing out of them already, so this
// function only ever reads metadata about them, never remaps them. On any
// failure the three are still returned (inside the *ParseError), since
// dropping them here would unmap currently executing kernel code.
func ParseNanoCore(
	registry ModuleRegistry,
	crateName string,
	moduleName string,
	mode Mode,
	text, rodata, data *mempages.Shared,
	pt mempages.PageTable,
	va mempages.VirtualAllocator,
	frames mempages.FrameAllocatorSource,
	ns Namespace,
	dem Demangler,
	verbose bool,
	diag io.Writer,
) (*Crate, error) {
	area, ok := registry.GetModule(moduleName)
	if !ok {
		return nil, newParseError(&NotFoundError{What: fmt.Sprintf("module %q not found in module area registry", moduleName)}, text, rodata, data)
	}
	if !mempages.PageAligned(area.StartAddress) {
		return nil, newParseError(&MisalignedError{What: fmt.Sprintf("module %q start address %#x is not page aligned", moduleName, area.StartAddress)}, text, rodata, data)
	}

	// Textual mode needs one spare writable byte past the module's
	// contents for the NUL terminator textparser.go writes; ELF mode maps
	// exactly the module's size, read-only.
	rawSize := area.Size
	flags := mempages.Present
	if mode == TextualSymbolFile {
		rawSize++
		flags |= mempages.Writable
	}

	mapSize := util.Roundup(rawSize, uint64(mempages.PGSIZE))
	avail, err := va.AllocatePagesByBytes(uint(mapSize))
	if err != nil {
		return nil, newParseError(&ResourceError{What: "couldn't reserve scratch virtual address range for nano_core module contents", Err: err}, text, rodata, data)
	}

	scratch, err := mapScratch(pt, frames, avail, mempages.PhysAddr(area.StartAddress), uintptr(mapSize), flags)
	if err != nil {
		return nil, newParseError(err, text, rodata, data)
	}

	crate, parseErr := dispatchParse(scratch, mode, int(rawSize), crateName, area, text, rodata, data, dem, verbose, diag)

	// The scratch mapping is unmapped on every path: it only ever held a
	// transient view of the module's contents for parsing. On success that
	// happens after the crate has been registered.
	if parseErr != nil {
		_ = scratch.Unmap()
		return nil, newParseError(parseErr, text, rodata, data)
	}

	ns.InsertCrate(crateName, crate)
	ns.AddSymbols(crate.Sections(), verbose)

	if unmapErr := scratch.Unmap(); unmapErr != nil {
		return nil, newParseError(unmapErr, text, rodata, data)
	}

	return crate, nil
}

// mapScratch acquires the frame allocator only long enough to install the
// scratch mapping, matching spec.md's rule that the frame allocator must
// not still be held once the mapping that needed it is in place.
func mapScratch(pt mempages.PageTable, fs mempages.FrameAllocatorSource, avail mempages.AllocatedPages, phys mempages.PhysAddr, size uintptr, flags mempages.EntryFlags) (*mempages.MappedPages, error) {
	alloc, release, err := fs.TryAcquire()
	if err != nil {
		return nil, &ResourceError{What: "couldn't acquire frame allocator for nano_core scratch mapping", Err: err}
	}
	defer release()

	mp, err := pt.MapAllocatedPagesTo(avail, mempages.FrameRange{Base: phys, Size: size}, flags, alloc)
	if err != nil {
		return nil, &ResourceError{What: "couldn't map nano_core module area for parsing", Err: err}
	}
	return mp, nil
}

// dispatchParse calls the parser matching mode. rawSize is the module's
// declared content size plus, in textual mode, the one spare terminator
// byte ParseNanoCore already budgeted into the scratch mapping.
func dispatchParse(
	scratch *mempages.MappedPages,
	mode Mode,
	rawSize int,
	crateName string,
	area *ModuleArea,
	text, rodata, data *mempages.Shared,
	dem Demangler,
	verbose bool,
	diag io.Writer,
) (*Crate, error) {
	if mode == ELFObject {
		raw := scratch.Bytes()
		end := rawSize
		if end > len(raw) {
			end = len(raw)
		}
		return ParseELFSymbols(raw[:end], crateName, area, text, rodata, data, dem, verbose, diag)
	}
	return ParseTextSymbols(scratch, rawSize, crateName, area, text, rodata, data)
}
