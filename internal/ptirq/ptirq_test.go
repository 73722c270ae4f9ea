package ptirq

import (
	"testing"

	"github.com/partitionhv/parthv/internal/irq"
)

type fakeVM struct{ id int }

func (f fakeVM) VMID() int { return f.id }

func TestAllocActivateDeactivateRelease(t *testing.T) {
	p := NewPool(irq.NewTable())
	vm := fakeVM{id: 1}

	e, err := p.AllocEntry(vm, MSI)
	if err != nil {
		t.Fatalf("AllocEntry: %v", err)
	}
	if e.Active() {
		t.Fatalf("freshly allocated entry must not be active")
	}
	if !p.BitmapTest(e.EntryID) {
		t.Fatalf("allocated entry's bitmap bit must be set")
	}

	if err := p.ActivateEntry(e, 42, func(any) {}); err != nil {
		t.Fatalf("ActivateEntry: %v", err)
	}
	if !e.Active() || e.AllocatedPIRQ != 42 {
		t.Fatalf("entry must be active with pirq recorded, got active=%v pirq=%d", e.Active(), e.AllocatedPIRQ)
	}

	p.DeactivateEntry(e)
	if e.Active() {
		t.Fatalf("entry must not be active after deactivation")
	}
	if !p.BitmapTest(e.EntryID) {
		t.Fatalf("deactivation must not release the pool slot")
	}

	p.ReleaseEntry(e)
	if p.BitmapTest(e.EntryID) {
		t.Fatalf("release must clear the bitmap bit")
	}
	if p.Get(e.EntryID) != nil {
		t.Fatalf("release must clear the slot")
	}
}

func TestPoolExhaustion(t *testing.T) {
	p := NewPool(irq.NewTable())
	vm := fakeVM{id: 1}
	for i := 0; i < MaxEntries; i++ {
		if _, err := p.AllocEntry(vm, MSI); err != nil {
			t.Fatalf("unexpected exhaustion at entry %d: %v", i, err)
		}
	}
	if _, err := p.AllocEntry(vm, MSI); err == nil {
		t.Fatalf("expected ResourceExhausted once the pool is full")
	}
}

func TestReleaseAllForVMSweepsOnlyActiveOwnedEntries(t *testing.T) {
	p := NewPool(irq.NewTable())
	vmA, vmB := fakeVM{id: 1}, fakeVM{id: 2}

	a1, _ := p.AllocEntry(vmA, MSI)
	a2, _ := p.AllocEntry(vmA, MSI)
	b1, _ := p.AllocEntry(vmB, MSI)

	_ = p.ActivateEntry(a1, 10, func(any) {})
	_ = p.ActivateEntry(b1, 11, func(any) {})
	// a2 left inactive.

	released := false
	a1.ReleaseCB = func() { released = true }

	p.ReleaseAllForVM(vmA)

	if !released {
		t.Fatalf("expected release_cb to run for the active vmA entry")
	}
	if p.Get(a1.EntryID) != nil {
		t.Fatalf("a1 should have been released")
	}
	if p.Get(a2.EntryID) == nil {
		t.Fatalf("a2 (inactive, never activated) must survive the sweep")
	}
	if !b1.Active() || p.Get(b1.EntryID) == nil {
		t.Fatalf("vmB's entry must be untouched by vmA's teardown")
	}
}
