package loader

import (
	"debug/elf"
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"
)

// logInstructionDiagnostic decodes the instruction at a symbol's virtual
// address and writes a one-line diagnostic to w. This exists purely as a
// verbose-mode aid for a human reading the parse log over an unfamiliar
// nano_core build; a decode failure is reported inline rather than
// aborting the parse, since a misassembled diagnostic is not a parse
// error.
func logInstructionDiagnostic(w io.Writer, f *elf.File, sym elf.Symbol, name string) {
	sec := sectionAt(f, sym.Section)
	if sec == nil || sym.Value < sec.Addr || sym.Value >= sec.Addr+sec.Size {
		return
	}
	raw, err := sec.Data()
	if err != nil {
		return
	}
	off := sym.Value - sec.Addr
	if off >= uint64(len(raw)) {
		return
	}
	end := off + 16
	if end > uint64(len(raw)) {
		end = uint64(len(raw))
	}

	inst, err := x86asm.Decode(raw[off:end], 64)
	if err != nil {
		fmt.Fprintf(w, "%s: <undecodable instruction at entry>\n", name)
		return
	}
	fmt.Fprintf(w, "%s: %s\n", name, inst.String())
}

func sectionAt(f *elf.File, idx elf.SectionIndex) *elf.Section {
	i := int(idx)
	if i < 0 || i >= len(f.Sections) {
		return nil
	}
	return f.Sections[i]
}
