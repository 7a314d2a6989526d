package loader

import "github.com/google/pprof/profile"

// Symbolicate builds a pprof profile.Profile describing every Text section
// of every given crate as a Location/Function pair, with one Mapping per
// crate's text range. It carries no samples: its only purpose is letting a
// tool built against the pprof wire format resolve addresses inside loaded
// crates back to names, reusing a format this core's dependency graph
// already understands rather than inventing a bespoke symbol table export.
func Symbolicate(crates []*Crate) *profile.Profile {
	p := &profile.Profile{}
	var nextID uint64 = 1
	funcByName := make(map[string]*profile.Function)

	for _, c := range crates {
		m := &profile.Mapping{
			ID:           nextID,
			Start:        uint64(c.TextPages.Base()),
			Limit:        uint64(c.TextPages.Base()) + uint64(c.TextPages.Size()),
			File:         c.Name,
			HasFunctions: true,
		}
		nextID++
		p.Mapping = append(p.Mapping, m)

		for _, sec := range c.Sections() {
			if sec.Kind != Text {
				continue
			}
			fn, ok := funcByName[sec.DemangledName]
			if !ok {
				fn = &profile.Function{ID: nextID, Name: sec.DemangledName, SystemName: sec.DemangledName}
				nextID++
				funcByName[sec.DemangledName] = fn
				p.Function = append(p.Function, fn)
			}
			loc := &profile.Location{
				ID:      nextID,
				Mapping: m,
				Address: uint64(sec.VirtualAddress),
				Line:    []profile.Line{{Function: fn}},
			}
			nextID++
			p.Location = append(p.Location, loc)
		}
	}
	return p
}
