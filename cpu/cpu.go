// Package cpu identifies the processor a goroutine is currently pinned to.
//
// On real hardware this would read the local APIC ID or a per-CPU GS-base
// pointer; in this tree the kernel-identity service is an external
// collaborator (see spec.md/SPEC_FULL.md §6), so this package supplies only
// the interface the preemption core depends on plus a reference
// implementation usable in tests, where a goroutine pinned to its OS thread
// stands in for a hardware thread pinned to one CPU.
package cpu

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// ID identifies a processor. Comparable and cheap to copy.
type ID uint32

// Locator resolves the CPU the caller is currently running on.
//
// Implementations must be callable without blocking and without themselves
// requiring preemption to already be disabled.
type Locator interface {
	Current() ID
}

// Pinned is a reference Locator for tests and single-process simulation: it
// tracks which ID a goroutine was bound to via Bind, keyed by the
// goroutine's runtime id. Callers that simulate multiple CPUs must call
// runtime.LockOSThread before Bind so the goroutine cannot migrate to a
// different OS thread mid-critical-section.
type Pinned struct {
	mu      sync.Mutex
	current map[int64]ID
}

// NewPinned returns an empty Pinned locator.
func NewPinned() *Pinned {
	return &Pinned{current: make(map[int64]ID)}
}

// Bind associates the calling goroutine with id until Unbind is called.
func (p *Pinned) Bind(id ID) {
	gid := goroutineID()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current[gid] = id
}

// Unbind removes the calling goroutine's association.
func (p *Pinned) Unbind() {
	gid := goroutineID()
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.current, gid)
}

// Current implements Locator.
func (p *Pinned) Current() ID {
	gid := goroutineID()
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.current[gid]
	if !ok {
		panic("cpu: Current() called on a goroutine with no Bind()")
	}
	return id
}

// goroutineID extracts the runtime-assigned goroutine id from the header of
// a stack trace. It is slow and is meant only for the reference Locator
// used in tests and simulation, never on a hot path.
func goroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		panic("cpu: couldn't parse goroutine id")
	}
	id, err := strconv.ParseInt(string(buf[:i]), 10, 64)
	if err != nil {
		panic("cpu: couldn't parse goroutine id: " + err.Error())
	}
	return id
}
