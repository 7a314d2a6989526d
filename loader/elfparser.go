package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"nanocore/mempages"
)

// wantSection describes the exact section-header shape this core requires
// for one of the four tracked sections: a name, a type, and the precise
// flag bits that must be set — no more, no fewer. A mismatch here means the
// nano_core object file was built with unexpected section attributes, which
// is a malformed-input condition, not a case to silently tolerate.
type wantSection struct {
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
}

var trackedSections = []wantSection{
	{".text", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_EXECINSTR},
	{".rodata", elf.SHT_PROGBITS, elf.SHF_ALLOC},
	{".data", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_WRITE},
	{".bss", elf.SHT_NOBITS, elf.SHF_ALLOC | elf.SHF_WRITE},
}

// ParseELFSymbols is component E: it parses a fully-linked ELF object
// (objectBytes, the nano_core object file's bytes; ParseNanoCore passes the
// contents of its scratch mapping) into a *Crate using the standard library's debug/elf
// reader — the same package the teacher kernel already reaches for to
// rewrite ELF entry points. dem demangles every admitted symbol name; if
// verbose is true, each admitted .text symbol's first instruction is also
// decoded and written to diag as a human-readable diagnostic line.
func ParseELFSymbols(
	objectBytes []byte,
	crateName string,
	objectFile *ModuleArea,
	text, rodata, data *mempages.Shared,
	dem Demangler,
	verbose bool,
	diag io.Writer,
) (*Crate, error) {
	f, err := elf.NewFile(bytes.NewReader(objectBytes))
	if err != nil {
		return nil, &MalformedError{What: "couldn't parse nano_core object file as ELF", Err: err}
	}
	defer f.Close()

	shndx, owners, err := classifySections(f, text, rodata, data)
	if err != nil {
		return nil, err
	}

	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return nil, &NotFoundError{What: "nano_core object file has no SYMTAB (stripped?)"}
	}
	if err != nil {
		return nil, &MalformedError{What: "couldn't read nano_core object file's SYMTAB", Err: err}
	}

	b := newCrateBuilder(crateName, objectFile, text, rodata, data)

	var loopErr error
	for _, sym := range syms {
		if elf.ST_BIND(sym.Info) != elf.STB_GLOBAL {
			continue
		}
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT:
		default:
			continue
		}

		kind, ok := shndx[sym.Section]
		if !ok {
			continue
		}
		owning := owners[kind]

		noHash, hash := dem.Demangle(sym.Name)

		if err := b.append(kind, noHash, hash, owning, uintptr(sym.Value), sym.Size, true); err != nil {
			loopErr = err
			break
		}

		if verbose && kind == Text && diag != nil {
			logInstructionDiagnostic(diag, f, sym, noHash)
		}
	}
	if loopErr != nil {
		return nil, loopErr
	}

	return b.finish(), nil
}

// classifySections matches the ELF's section headers against
// trackedSections and returns both a section-index -> Kind lookup (for
// resolving each symbol's owning section) and a Kind -> *mempages.Shared
// lookup (for the builder).
func classifySections(f *elf.File, text, rodata, data *mempages.Shared) (map[elf.SectionIndex]Kind, map[Kind]*mempages.Shared, error) {
	shndx := make(map[elf.SectionIndex]Kind)
	owners := map[Kind]*mempages.Shared{Text: text, Rodata: rodata, Data: data, Bss: data}

	kindOf := map[string]Kind{".text": Text, ".rodata": Rodata, ".data": Data, ".bss": Bss}

	found := make(map[Kind]bool)
	for i, sec := range f.Sections {
		// Empty sections are skipped silently, before any name/type/flags
		// check: a zero-length section that happens to share a tracked
		// name is not a malformed image, it simply carries nothing.
		if sec.Size == 0 {
			continue
		}
		want, wantOK := findWant(sec.Name)
		if !wantOK {
			continue
		}
		if sec.Type != want.typ || sec.Flags != want.flags {
			return nil, nil, &MalformedError{What: fmt.Sprintf(
				"section %s has unexpected type/flags: got type=%v flags=%v, want type=%v flags=%v",
				sec.Name, sec.Type, sec.Flags, want.typ, want.flags)}
		}
		k := kindOf[sec.Name]
		shndx[elf.SectionIndex(i)] = k
		found[k] = true
	}

	for _, k := range []Kind{Text, Rodata, Data, Bss} {
		if !found[k] {
			return nil, nil, &NotFoundError{What: fmt.Sprintf("nano_core object file is missing a %s section matching the expected type/flags", k)}
		}
	}
	return shndx, owners, nil
}

func findWant(name string) (wantSection, bool) {
	for _, w := range trackedSections {
		if w.name == name {
			return w, true
		}
	}
	return wantSection{}, false
}

