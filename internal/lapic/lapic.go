// Package lapic implements component C: the x2APIC enable sequence,
// LDR snapshot, ISR drain, and ICR writes for INIT/SIPI. Register
// access goes through KVM_GET_LAPIC/KVM_SET_LAPIC rather than raw xAPIC
// MMIO, and the IA32_APIC_BASE enable steps go through KVM's MSR
// ioctls (KVM owns the emulated APIC page; this package is the
// userspace side of programming it).
package lapic

import (
	"github.com/partitionhv/parthv/internal/kvmsys"
)

// IA32_APIC_BASE bits.
const (
	MSRAPICBase  uint32 = 0x1b
	ApicBaseBSP  uint64 = 1 << 8
	ApicBaseEN   uint64 = 1 << 11
	ApicBaseEXTD uint64 = 1 << 10 // x2APIC enable
)

// Register byte offsets within the 4 KiB KVM lapic page (xAPIC MMIO
// layout, which is what struct kvm_lapic_state mirrors).
const (
	regID   = 0x20
	regLDR  = 0xD0
	regSVR  = 0xF0
	regICRLo = 0x300
	regICRHi = 0x310
	regISRBase = 0x100 // ISR0..ISR7, 0x10 apart
	regEOI  = 0xB0
	regLVTBase = 0x320 // LVT Timer; other LVTs follow at fixed offsets in real xAPIC
)

const spuriousVector = 0xFF

func readReg(st *kvmsys.LapicState, off int) uint32 {
	return uint32(st.Regs[off]) | uint32(st.Regs[off+1])<<8 | uint32(st.Regs[off+2])<<16 | uint32(st.Regs[off+3])<<24
}

func writeReg(st *kvmsys.LapicState, off int, val uint32) {
	st.Regs[off] = byte(val)
	st.Regs[off+1] = byte(val >> 8)
	st.Regs[off+2] = byte(val >> 16)
	st.Regs[off+3] = byte(val >> 24)
}

// EarlyInit performs the SDM-mandated two-step enable: xAPIC_enable
// then x2APIC_enable, as strictly separate writes in that order.
func EarlyInit(vcpuFD int) error {
	base, err := kvmsys.GetMSR(vcpuFD, MSRAPICBase)
	if err != nil {
		return err
	}
	base |= ApicBaseEN
	if err := kvmsys.SetMSR(vcpuFD, MSRAPICBase, base); err != nil {
		return err
	}
	base |= ApicBaseEXTD
	return kvmsys.SetMSR(vcpuFD, MSRAPICBase, base)
}

// Driver is the per-pCPU LAPIC state this design keeps: the snapshot
// of LDR taken at init_lapic time, returned by LDR. The snapshot stays
// in the Driver; it is not copied into pcpu.PCPU.LapicLDR, the field
// the MSI-remap logical-destination builder (component H) reads.
type Driver struct {
	vcpuFD int
	ldr    uint32
}

func New(vcpuFD int) *Driver { return &Driver{vcpuFD: vcpuFD} }

// Init snapshots LDR, masks all LVT sources, programs SVR with the
// spurious vector, resets ICR, and drains ISR by writing EOI 32 times
// per nonzero ISR bank (ISR7..ISR0), matching init_lapic's defensive
// firmware clean-up.
func (d *Driver) Init() error {
	st, err := kvmsys.GetLapic(d.vcpuFD)
	if err != nil {
		return err
	}
	d.ldr = readReg(st, regLDR)

	// Mask every LVT entry (bit 16 = mask) across the fixed LVT
	// register block.
	for off := regLVTBase; off < regLVTBase+0x60; off += 0x10 {
		v := readReg(st, off)
		writeReg(st, off, v|(1<<16))
	}
	writeReg(st, regSVR, (1<<8)|spuriousVector) // APIC software-enable | spurious vector

	writeReg(st, regICRLo, 0)
	writeReg(st, regICRHi, 0)

	for bank := 7; bank >= 0; bank-- {
		isr := readReg(st, regISRBase+bank*0x10)
		if isr != 0 {
			for i := 0; i < 32; i++ {
				writeReg(st, regEOI, 0)
			}
		}
	}
	return kvmsys.SetLapic(d.vcpuFD, st)
}

// LDR returns the snapshot taken at Init.
func (d *Driver) LDR() uint32 { return d.ldr }

// ICR delivery-mode encodings used by SendStartupIPI/SendSingleInit
// and by the MSI-remap logical-destination builder (component H).
const (
	DeliveryFixed  uint8 = 0
	DeliveryLowPri uint8 = 1
	DeliveryINIT   uint8 = 5
	DeliveryStartup uint8 = 6
)

func icrValue(vector uint8, deliveryMode uint8, destPhysical bool, destField uint8) uint64 {
	lo := uint32(vector) | uint32(deliveryMode)<<8
	if !destPhysical {
		lo |= 1 << 11 // destination mode = logical
	}
	lo |= 1 << 14 // level = assert
	hi := uint32(destField) << 24
	return uint64(hi)<<32 | uint64(lo)
}

// SendStartupIPI writes an INIT ICR (physical destination, vector 0)
// then a STARTUP ICR whose vector encodes the trampoline page
// (trampoline_pa >> 12), the INIT-SIPI-SIPI sequence for bringing up
// destPCPU.
func SendStartupIPI(vcpuFD int, destPCPU uint8, trampolinePA uint32) error {
	st, err := kvmsys.GetLapic(vcpuFD)
	if err != nil {
		return err
	}
	writeReg(st, regICRHi, uint32(destPCPU)<<24)
	writeReg(st, regICRLo, uint32(icrValue(0, DeliveryINIT, true, destPCPU)))
	if err := kvmsys.SetLapic(vcpuFD, st); err != nil {
		return err
	}
	vector := uint8(trampolinePA >> 12)
	writeReg(st, regICRHi, uint32(destPCPU)<<24)
	writeReg(st, regICRLo, uint32(icrValue(vector, DeliveryStartup, true, destPCPU)))
	return kvmsys.SetLapic(vcpuFD, st)
}

// SendSingleInit writes only the INIT ICR, used to tear a pCPU down to
// halt.
func SendSingleInit(vcpuFD int, destPCPU uint8) error {
	st, err := kvmsys.GetLapic(vcpuFD)
	if err != nil {
		return err
	}
	writeReg(st, regICRHi, uint32(destPCPU)<<24)
	writeReg(st, regICRLo, uint32(icrValue(0, DeliveryINIT, true, destPCPU)))
	return kvmsys.SetLapic(vcpuFD, st)
}
