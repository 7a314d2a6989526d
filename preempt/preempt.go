// Package preempt implements the per-CPU preemption counter and its scoped
// guard: the primitive that gates the local APIC timer used for preemptive
// task switching.
//
// The counter is touched only by its owning CPU (see percpu.Slot), so
// relaxed-style atomics are sufficient; Go's sync/atomic does not expose an
// ordering weaker than sequential consistency on its public API, which is a
// safe (if not maximally cheap) superset of what's required here.
package preempt

import (
	"sync/atomic"

	"nanocore/apic"
	"nanocore/cpu"
	"nanocore/percpu"
)

// count is the per-CPU reentrant preemption depth. Value 0 means preemption
// is enabled; value > 0 means disabled. Overflow and underflow past the
// [0,255] range are bugs, not recoverable states.
type count struct {
	v atomic.Uint32
}

const maxCount = 255

// Core bundles everything hold/release needs: the locator for "what CPU am
// I on", the per-CPU counter slot, and the local APIC to toggle.
type Core struct {
	locator cpu.Locator
	apicOf  func(cpu.ID) apic.Controller
	counter *percpu.Slot[count]
}

// NewCore constructs a preemption core. apicOf resolves the Controller for
// a given CPU (a real kernel has exactly one local APIC per CPU); locator
// resolves the current CPU id.
func NewCore(locator cpu.Locator, apicOf func(cpu.ID) apic.Controller) *Core {
	return &Core{
		locator: locator,
		apicOf:  apicOf,
		counter: percpu.NewSlot[count](percpu.FieldPreemptionCount, locator, func() count { return count{} }),
	}
}

// Init brings up id's preemption counter at CPU bring-up.
func (c *Core) Init(id cpu.ID) {
	percpu.Init(c.counter, id)
}

// Teardown removes id's preemption counter at CPU shutdown.
func (c *Core) Teardown(id cpu.ID) {
	percpu.Teardown(c.counter, id)
}

// Guard is the scoped acquisition token returned by HoldPreemption. It
// carries the CPU it was created on, whether this specific acquisition
// caused the 0->1 transition, and whether it disabled the timer (only a
// guard that did so re-enables the timer on release).
//
// Guard is not transferable across task/goroutine boundaries as a general
// rule. The one sanctioned exception is TransferForContextSwitch, used only
// by a scheduler's own context-switch path.
type Guard struct {
	core       *Core
	cpuID      cpu.ID
	wasEnabled bool
	timerOwned bool
	released   atomic.Bool
}

// CPU returns the CPU this guard was created on. Implements percpu.Guard.
func (g *Guard) CPU() cpu.ID {
	return g.cpuID
}

// PreemptionWasEnabled reports whether preemption was enabled (about to
// transition to disabled) when this guard was created. Only the outermost
// guard in a nested acquisition sequence observes true.
func (g *Guard) PreemptionWasEnabled() bool {
	return g.wasEnabled
}

// HoldPreemption disables preemption on the current CPU until the returned
// guard is released. If this causes a transition from enabled to disabled,
// the local APIC's timer is disabled too.
func (c *Core) HoldPreemption() *Guard {
	return c.hold(true)
}

// HoldPreemptionNoTimerDisable is the lightweight variant: it increments the
// counter like HoldPreemption but never disables the timer itself.
//
// Callers should use HoldPreemption instead. This exists only for select,
// very short critical sections where disabling the timer would cost more
// than the section it protects. Guard.timerOwned resolves the asymmetry
// this creates: release only re-enables the timer if *this* guard is the
// one that disabled it, so a lightweight guard that happens to be
// outermost never re-enables a timer it didn't disable.
func (c *Core) HoldPreemptionNoTimerDisable() *Guard {
	return c.hold(false)
}

func (c *Core) hold(disableTimer bool) *Guard {
	id := c.locator.Current()

	// A placeholder guard exists before the counter is touched, marked
	// released, so that if a panic interrupts the increment a Release on it
	// panics ("released twice") instead of decrementing the counter again.
	g := &Guard{core: c, cpuID: id}
	g.released.Store(true)

	var prev uint32
	percpu.WithPreempt(c.counter, g, func(ct *count) {
		prev = ct.v.Add(1) - 1
	})

	if prev == maxCount {
		panic("BUG: overflow occurred in the preemption counter for this CPU")
	}

	wasEnabled := prev == 0
	g.wasEnabled = wasEnabled
	g.released.Store(false)

	if disableTimer && wasEnabled {
		c.apicOf(id).EnableLVTTimer(false)
		g.timerOwned = true
	}
	return g
}

// Release ends the critical section this guard protects. It must be called
// on the same CPU the guard was created on, and exactly once per guard;
// Go has no destructors, so callers are expected to `defer g.Release()`
// immediately after acquisition.
func (g *Guard) Release() {
	if g.released.Swap(true) {
		panic("BUG: preemption guard released twice")
	}

	id := g.core.locator.Current()
	if id != g.cpuID {
		panic("BUG: PreemptionGuard released on a different CPU than it was acquired on; a task migrated while holding the guard")
	}

	var prev uint32
	percpu.WithPreempt(g.core.counter, g, func(ct *count) {
		newVal := ct.v.Add(^uint32(0)) // atomic decrement by 1
		prev = newVal + 1
	})

	switch {
	case prev == 0:
		panic("BUG: underflow occurred in the preemption counter for this CPU")
	case prev == 1 && g.timerOwned:
		g.core.apicOf(id).EnableLVTTimer(true)
	}
}

// PreemptionEnabled returns a snapshot of whether preemption is currently
// enabled on the calling CPU. It carries no happens-before guarantee: by
// the time the caller inspects the result, the value may already be stale.
func (c *Core) PreemptionEnabled() bool {
	var v uint32
	percpu.With(c.counter, func(ct *count) {
		v = ct.v.Load()
	})
	return v == 0
}

// TransferForContextSwitch is the single sanctioned exception to guards
// being non-transferable across task boundaries: a scheduler may carry a
// guard through its own context-switch path so that "preemption is
// disabled across the switch" holds end to end. No other code may move a
// guard between goroutines. This function does nothing but return its
// argument — its only purpose is to give that exception one auditable call
// site instead of letting callers informally pass guards around.
func TransferForContextSwitch(g *Guard) *Guard {
	return g
}
