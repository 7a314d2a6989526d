// Package loader bootstraps the dynamic linker's view of the nano_core: the
// statically linked kernel seed that is already running by the time this
// parser is invoked. It synthesizes LoadedCrate/LoadedSection metadata from
// either a textual symbol-table dump or a proper ELF64 object, without
// moving or reloading any code.
package loader

// KernelModulePrefix names kernel crates in the module registry, matching
// the nano_core's own naming convention: kernel crates are prefixed "k#",
// application crates "a#".
const KernelModulePrefix = "k#"

// ModuleArea references a contiguous physical range holding a module's raw
// bytes — the module-area registry's result, opaque to this package beyond
// the three fields below.
type ModuleArea struct {
	StartAddress uintptr
	Size         uint64
	Name         string
}

// ModuleRegistry resolves a named module to its backing memory. The real
// registry is an external collaborator (spec.md §1); GetModule is the only
// operation this core needs from it.
type ModuleRegistry interface {
	GetModule(name string) (*ModuleArea, bool)
}
