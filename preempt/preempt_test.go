package preempt

import (
	"runtime"
	"testing"

	"nanocore/apic"
	"nanocore/cpu"
)

func newTestCore(t *testing.T) (*Core, *cpu.Pinned, *apic.RecordingAPIC) {
	t.Helper()
	loc := cpu.NewPinned()
	rec := &apic.RecordingAPIC{}
	core := NewCore(loc, func(cpu.ID) apic.Controller { return rec })

	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
	loc.Bind(0)
	core.Init(0)
	t.Cleanup(func() { loc.Unbind() })

	return core, loc, rec
}

func TestNestedHoldRelease(t *testing.T) {
	core, _, rec := newTestCore(t)

	outer := core.HoldPreemption()
	if !outer.PreemptionWasEnabled() {
		t.Fatal("outer guard should observe preemption was enabled")
	}
	inner := core.HoldPreemption()
	if inner.PreemptionWasEnabled() {
		t.Fatal("inner guard should not observe a transition")
	}

	inner.Release()
	if core.PreemptionEnabled() {
		t.Fatal("preemption should still be disabled after releasing only the inner guard")
	}
	outer.Release()
	if !core.PreemptionEnabled() {
		t.Fatal("preemption should be enabled once all guards are released")
	}

	calls := rec.Snapshot()
	want := []bool{false, true}
	if len(calls) != len(want) {
		t.Fatalf("got %v calls, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("got %v calls, want %v", calls, want)
		}
	}
}

func TestCounterReturnsToZeroOnlyWhenMatched(t *testing.T) {
	core, _, _ := newTestCore(t)

	guards := make([]*Guard, 0, 10)
	for i := 0; i < 10; i++ {
		guards = append(guards, core.HoldPreemption())
	}
	if core.PreemptionEnabled() {
		t.Fatal("preemption must be disabled while any guard is outstanding")
	}
	for _, g := range guards[:9] {
		g.Release()
	}
	if core.PreemptionEnabled() {
		t.Fatal("preemption must still be disabled with one guard outstanding")
	}
	guards[9].Release()
	if !core.PreemptionEnabled() {
		t.Fatal("preemption must be enabled once every guard is released")
	}
}

func TestReleaseOnWrongCPUAborts(t *testing.T) {
	loc := cpu.NewPinned()
	rec := &apic.RecordingAPIC{}
	core := NewCore(loc, func(cpu.ID) apic.Controller { return rec })

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	loc.Bind(0)
	core.Init(0)
	core.Init(1)
	defer loc.Unbind()

	g := core.HoldPreemption()

	defer func() {
		if recover() == nil {
			t.Fatal("expected Release on a different CPU to panic")
		}
	}()
	loc.Bind(1)
	g.Release()
}

func TestOverflowAborts(t *testing.T) {
	core, _, _ := newTestCore(t)

	for i := 0; i < maxCount; i++ {
		core.HoldPreemption()
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected the 256th acquisition to panic on overflow")
		}
	}()
	core.HoldPreemption()
}

func TestDoubleReleasePanics(t *testing.T) {
	core, _, _ := newTestCore(t)
	g := core.HoldPreemption()
	g.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected a second Release to panic")
		}
	}()
	g.Release()
}

func TestLightweightGuardDoesNotReenableUnownedTimer(t *testing.T) {
	core, _, rec := newTestCore(t)

	// The lightweight guard is outermost: it never disabled the timer, so
	// its release must not re-enable it either.
	g := core.HoldPreemptionNoTimerDisable()
	if !g.PreemptionWasEnabled() {
		t.Fatal("expected a transition to be observed")
	}
	g.Release()

	if len(rec.Snapshot()) != 0 {
		t.Fatalf("expected no APIC calls, got %v", rec.Snapshot())
	}
}

func TestPreemptionEnabledSnapshot(t *testing.T) {
	core, _, _ := newTestCore(t)
	if !core.PreemptionEnabled() {
		t.Fatal("expected preemption enabled with no outstanding guards")
	}
	g := core.HoldPreemption()
	if core.PreemptionEnabled() {
		t.Fatal("expected preemption disabled with an outstanding guard")
	}
	g.Release()
}
