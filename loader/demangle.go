package loader

import (
	"regexp"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Demangler resolves a raw linker symbol to its demangled name and an
// optional hash suffix, as the ELF parser needs for every admitted symbol
// table entry (the textual parser's input is already pre-demangled, so it
// never calls this).
type Demangler interface {
	Demangle(raw string) (noHash string, hash *string)
}

// DefaultDemangler wraps github.com/ianlancetaylor/demangle, which
// recognizes both Rust-v0 and legacy Rust mangling as well as the
// Itanium C++ ABI — a direct fit for a Rust-mangled kernel image's symbol
// names, and already part of the teacher kernel's own dependency graph.
type DefaultDemangler struct{}

// legacyRustHash matches the trailing disambiguator legacy Rust mangling
// appends to every symbol, e.g. "...::h0123456789abcdef".
var legacyRustHash = regexp.MustCompile(`::h([0-9a-f]{16})$`)

// Demangle implements Demangler. If raw doesn't look like a mangled name,
// demangle.Filter returns it unchanged, which this core treats as "no
// hash" rather than an error — an unmangled symbol is still a valid
// global.
func (DefaultDemangler) Demangle(raw string) (string, *string) {
	full := demangle.Filter(raw, demangle.NoClones)
	if m := legacyRustHash.FindStringSubmatchIndex(full); m != nil {
		noHash := strings.TrimSpace(full[:m[0]])
		hash := full[m[2]:m[3]]
		return noHash, &hash
	}
	return full, nil
}
