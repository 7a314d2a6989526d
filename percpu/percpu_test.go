package percpu

import (
	"testing"

	"nanocore/cpu"
)

type fakeGuard struct{ cpuID cpu.ID }

func (g fakeGuard) CPU() cpu.ID { return g.cpuID }

func TestSlotPerCPUIsolation(t *testing.T) {
	locator := cpu.NewPinned()
	locator.Bind(0)
	defer locator.Unbind()

	s := NewSlot(FieldPreemptionCount, locator, func() int { return 0 })

	With(s, func(v *int) { *v = 41 })

	locator.Bind(1)
	With(s, func(v *int) {
		if *v != 0 {
			t.Fatalf("CPU 1's cell should start at zero, got %d", *v)
		}
		*v = 99
	})

	locator.Bind(0)
	With(s, func(v *int) {
		if *v != 41 {
			t.Fatalf("CPU 0's cell should be unaffected by CPU 1's write, got %d", *v)
		}
	})
}

func TestWithPreemptRejectsMismatchedCPU(t *testing.T) {
	locator := cpu.NewPinned()
	locator.Bind(0)
	defer locator.Unbind()

	s := NewSlot(FieldPreemptionCount, locator, func() int { return 0 })
	g := fakeGuard{cpuID: 7}

	defer func() {
		if recover() == nil {
			t.Fatalf("WithPreempt should panic when the guard's CPU doesn't match the current CPU")
		}
	}()
	WithPreempt(s, g, func(v *int) {})
}

func TestInitAndTeardown(t *testing.T) {
	locator := cpu.NewPinned()
	locator.Bind(3)
	defer locator.Unbind()

	s := NewSlot(FieldPreemptionCount, locator, func() int { return 5 })
	Init(s, 3)
	With(s, func(v *int) {
		if *v != 5 {
			t.Fatalf("Init should create the cell with zero()'s value, got %d", *v)
		}
	})

	Teardown(s, 3)
	With(s, func(v *int) {
		if *v != 5 {
			t.Fatalf("lazy re-creation after Teardown should call zero() again, got %d", *v)
		}
	})
}
