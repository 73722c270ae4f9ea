package msiremap

import (
	"testing"

	"github.com/partitionhv/parthv/internal/lapic"
	"github.com/partitionhv/parthv/internal/vtd"
)

// fakeVM is a 2-vCPU VM pinned vcpu0->pcpu0, vcpu1->pcpu1, each pCPU's
// LDR equal to a distinct single bit in the top byte (the flat model).
type fakeVM struct {
	id  int
	ldr map[int]uint32
}

func (f fakeVM) VMID() int        { return f.id }
func (f fakeVM) NumVCPUs() int    { return len(f.ldr) }
func (f fakeVM) VCPUPCPU(id int) int { return id }
func (f fakeVM) PCPULapicLDR(id int) uint32 { return f.ldr[id] }

func newFakeVM() fakeVM {
	return fakeVM{id: 2, ldr: map[int]uint32{0: 0x01 << 24, 1: 0x02 << 24}}
}

func TestIndexFormula(t *testing.T) {
	got := Index(0x07, 2)
	want := int(((uint32(0x07) & 0x3F) | (uint32(2) << 6)) & 0xFF)
	if got != want {
		t.Fatalf("Index = %d, want %d", got, want)
	}
}

func TestAssignBuildsRemappableIRTE(t *testing.T) {
	vm := newFakeVM()
	drhd := vtd.NewDRHD(0)

	// physical-mode destination = vcpu 1, delivery=FIXED(0), vector=0x60
	vaddr := uint32(1) << 12 // dest=1, dest_mode(bit2)=0 (physical)
	vdata := uint32(0x60)    // delivery=0 (FIXED), vector=0x60

	res, err := Assign(vm, drhd, 0x07, vaddr, vdata)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.IRTE.Vector != 0x60 {
		t.Fatalf("expected vector 0x60, got %#x", res.IRTE.Vector)
	}
	if res.IRTE.DeliveryMode != lapic.DeliveryFixed {
		t.Fatalf("expected FIXED delivery to pass through, got %d", res.IRTE.DeliveryMode)
	}
	if !res.IRTE.DestLogical || !res.IRTE.RH {
		t.Fatalf("expected dest_mode=LOGICAL and RH=1, got %+v", res.IRTE)
	}
	if res.IRTE.Dest != vm.ldr[1] {
		t.Fatalf("expected logical dest mask %#x (pcpu1's LDR), got %#x", vm.ldr[1], res.IRTE.Dest)
	}
	if res.PMSIAddr.Constant != 0xFEE || res.PMSIAddr.IntrFormat != 1 || res.PMSIAddr.SHV != 0 {
		t.Fatalf("unexpected pmsi_addr fields: %+v", res.PMSIAddr)
	}
	if res.PMSIData != 0 {
		t.Fatalf("pmsi_data must always be 0, got %#x", res.PMSIData)
	}

	stored, ok := drhd.Lookup(res.Index)
	if !ok || stored.Vector != 0x60 {
		t.Fatalf("expected the IRTE to be installed at index %d", res.Index)
	}
}

func TestAssignCoercesUnsupportedDeliveryModeToLowPriority(t *testing.T) {
	vm := newFakeVM()
	drhd := vtd.NewDRHD(0)

	vaddr := uint32(1) << 12
	vdata := uint32(5) << 8 // delivery_mode=5 (INIT), not FIXED/LOPRI

	res, err := Assign(vm, drhd, 0x01, vaddr, vdata)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.IRTE.DeliveryMode != lapic.DeliveryLowPri {
		t.Fatalf("expected coercion to LOWPRI, got %d", res.IRTE.DeliveryMode)
	}
}

func TestRemoveMSIXRemappingFreesEachVector(t *testing.T) {
	vm := newFakeVM()
	drhd := vtd.NewDRHD(0)

	vaddr := uint32(1) << 12
	for i := 0; i < 3; i++ {
		if _, err := Assign(vm, drhd, 0x02, vaddr, uint32(0x50+i)); err != nil {
			t.Fatalf("Assign %d: %v", i, err)
		}
	}
	if err := RemoveMSIXRemapping(drhd, 0x02, vm.VMID(), 3); err != nil {
		t.Fatalf("RemoveMSIXRemapping: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, present := drhd.Lookup(Index(0x02, vm.VMID()) + i); present {
			t.Fatalf("expected index %d to be freed", i)
		}
	}
}
