// Package msiremap implements component H: translating a guest-
// programmed MSI address/data pair into a physical MSI through an
// allocated IRTE, grounded on
// original_source/hypervisor/arch/x86/guest/assign.c's
// ptirq_build_physical_msi / calculate_logical_dest_mask.
package msiremap

import (
	"github.com/partitionhv/parthv/internal/hverr"
	"github.com/partitionhv/parthv/internal/lapic"
	"github.com/partitionhv/parthv/internal/vtd"
)

// VM is the slice of VM state this component needs: its vCPU→pCPU
// pinning and each pCPU's snapshotted logical destination register.
// Defined here (not imported from package vm) to keep this a leaf
// package; package vm implements it.
type VM interface {
	VMID() int
	NumVCPUs() int
	VCPUPCPU(vcpuID int) int
	PCPULapicLDR(pcpuID int) uint32
}

// PMSIAddr is the physical MSI address the device's MSI capability
// must be reprogrammed with: remappable format, per §6.
type PMSIAddr struct {
	Constant   uint32 // always 0xFEE
	IntrFormat uint8  // always 1 (remappable)
	SHV        uint8  // always 0 (MMC disabled)
	IndexLow   uint16 // index[14:0]
	IndexHigh  uint8  // index[15]
}

// AssignResult is everything the caller needs to reprogram the
// device's MSI capability registers.
type AssignResult struct {
	Index    int
	IRTE     vtd.IRTE
	PMSIAddr PMSIAddr
	PMSIData uint32 // always 0
}

// decode pulls destination and delivery fields out of the guest's MSI
// address/data pair (standard MSI wire format).
func decodeGuestMSI(vaddr, vdata uint32) (dest uint8, destLogical bool, deliveryMode uint8, vector uint8) {
	dest = uint8((vaddr >> 12) & 0xFF)
	destLogical = (vaddr>>2)&0x1 != 0
	deliveryMode = uint8((vdata >> 8) & 0x7)
	vector = uint8(vdata & 0xFF)
	return
}

// VLAPICCalcDest computes a vCPU bitmask from a guest-programmed
// destination, generalizing vlapic_calc_dest. broadcast selects every
// vCPU; otherwise, physical mode matches a vCPU whose index equals
// dest (this design assigns each vCPU's local APIC id equal to its
// vcpu_id, so physical-mode matching reduces to index equality), and
// logical mode matches any vCPU whose pCPU's LDR high byte shares a
// bit with dest (the flat logical-destination model, §4.H step 4).
func VLAPICCalcDest(vm VM, dest uint8, destLogical bool, broadcast bool) uint64 {
	var mask uint64
	n := vm.NumVCPUs()
	for v := 0; v < n; v++ {
		if broadcast {
			mask |= 1 << uint(v)
			continue
		}
		if !destLogical {
			if uint8(v) == dest {
				mask |= 1 << uint(v)
			}
			continue
		}
		ldr := vm.PCPULapicLDR(vm.VCPUPCPU(v))
		if uint8(ldr>>24)&dest != 0 {
			mask |= 1 << uint(v)
		}
	}
	return mask
}

// VCPUMask2PCPUMask applies the VM's fixed 1:1 vCPU→pCPU pinning to a
// vCPU bitmask.
func VCPUMask2PCPUMask(vm VM, vcpuMask uint64) uint64 {
	var pmask uint64
	for v := 0; v < vm.NumVCPUs(); v++ {
		if vcpuMask&(1<<uint(v)) != 0 {
			pmask |= 1 << uint(vm.VCPUPCPU(v))
		}
	}
	return pmask
}

// Index computes the IRTE index for (virt_bdf, vm_id): the
// collision-free partitioning scheme per §3/§4.H.
func Index(virtBDF uint16, vmID int) int {
	return int(((uint32(virtBDF) & 0x3F) | (uint32(vmID) << 6)) & 0xFF)
}

// Assign implements the 7-step algorithm of §4.H.
func Assign(vm VM, drhd *vtd.DRHD, virtBDF uint16, vmsiAddr, vmsiData uint32) (AssignResult, error) {
	dest, destLogical, deliveryMode, vector := decodeGuestMSI(vmsiAddr, vmsiData)

	vmask := VLAPICCalcDest(vm, dest, destLogical, false)
	pmask := VCPUMask2PCPUMask(vm, vmask)

	// Step 3: pass through FIXED/LOWPRI, coerce anything else to
	// LOWPRI — the only safe generalization on x2APIC pass-through.
	// A conservative alternative (§9 Open Questions) would
	// refuse and inject a device error instead; not implemented here.
	if deliveryMode != lapic.DeliveryFixed && deliveryMode != lapic.DeliveryLowPri {
		deliveryMode = lapic.DeliveryLowPri
	}

	var destMask uint32
	for p := 0; p < 64; p++ {
		if pmask&(1<<uint(p)) != 0 {
			destMask |= vm.PCPULapicLDR(p)
		}
	}

	irte := vtd.IRTE{
		Vector:       vector,
		DeliveryMode: deliveryMode,
		DestLogical:  true,
		RH:           true,
		Dest:         destMask,
	}

	index := Index(virtBDF, vm.VMID())
	if err := drhd.AssignIRTE(index, irte); err != nil {
		return AssignResult{}, err
	}

	return AssignResult{
		Index: index,
		IRTE:  irte,
		PMSIAddr: PMSIAddr{
			Constant:   0xFEE,
			IntrFormat: 1,
			SHV:        0,
			IndexLow:   uint16(index) & 0x7FFF,
			IndexHigh:  uint8((index >> 15) & 0x1),
		},
		PMSIData: 0,
	}, nil
}

// RemoveMSIXRemapping frees the IRTEs for entries [0, vectorCount) of
// virtBDF (ptirq_remove_msix_remapping).
func RemoveMSIXRemapping(drhd *vtd.DRHD, virtBDF uint16, vmID int, vectorCount int) error {
	for i := 0; i < vectorCount; i++ {
		idx := Index(virtBDF, vmID) + i
		if idx >= vtd.NumIRTEEntries {
			return hverr.New(hverr.ResourceExhausted, "ptirq_remove_msix_remapping", nil)
		}
		if err := drhd.FreeIRTE(idx); err != nil {
			return err
		}
	}
	return nil
}
