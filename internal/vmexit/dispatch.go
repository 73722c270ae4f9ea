// Package vmexit implements component L: the VM-exit dispatcher, a
// table indexed by KVM exit reason that routes each exit to an
// independently testable handler instead of one large switch.
package vmexit

import (
	"github.com/partitionhv/parthv/internal/ept"
	"github.com/partitionhv/parthv/internal/hverr"
	"github.com/partitionhv/parthv/internal/instrlen"
	"github.com/partitionhv/parthv/internal/kvmsys"
	"github.com/partitionhv/parthv/internal/vcpu"
)

// Info carries the exit-qualification fields a handler needs, built by
// the caller from the kvm_run union before Dispatch is invoked.
type Info struct {
	InstrLen     uint64
	InstrFetch   bool
	GPA          uint64
	IOPort       uint16
	IODir        uint8 // kvmsys.IODirIn/IODirOut
	IOSize       int   // 1, 2, or 4
	CRIndex      vcpu.CRIndex
	CRWrite      bool
	CRGPReg      vcpu.GPReg
	Vector       uint8
	HasErrCode   bool
	ErrCode      uint32
	CPUIDLeaf    uint32
	CPUIDSubleaf uint32

	// RawInstr and Mode back the instrlen fallback: when KVM's own
	// exit_instruction_len is zero (InstrLen == 0) but the caller
	// captured the raw bytes at RIP, Dispatch decodes the length
	// itself rather than refusing to advance RIP at all.
	RawInstr []byte
	Mode     int
}

// CPUIDSource answers guest_cpuid lookups against a VM's
// vcpuid_entries table.
type CPUIDSource interface {
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32, ok bool)
}

// PortIOTable is hv_emulate_pio's handler-slot table: at most one
// [port_start,port_end) range matches; no match means "read all-ones,
// swallow write."
type PortIOTable interface {
	// Handle returns (value, matched). value is read data on an IN, or
	// ignored on an OUT.
	Handle(port uint16, dir uint8, size int, writeVal uint32) (readVal uint32, matched bool)
}

// Handler processes one exit reason. Returning a non-nil error is the
// HypervisorBug/fatal path; Dispatch returns it to its caller without
// advancing RIP.
type Handler func(d *Dispatcher, v *vcpu.VCPU, info Info) error

// Dispatcher owns the exit-reason table and the collaborators handlers
// need (EPT table, CPUID source, port-I/O table, triple-fault hook).
// One Dispatcher per VM; its collaborators are set per VM at
// prepare_vm time.
type Dispatcher struct {
	table       map[uint32]Handler
	EPT         *ept.Table
	CPUID       CPUIDSource
	PortIO      PortIOTable
	TripleFault func()
}

// New builds the dispatcher with the handler set this design supports
// (§4.L's "handlers in scope").
func New() *Dispatcher {
	d := &Dispatcher{table: make(map[uint32]Handler)}
	d.table[kvmsys.ExitException] = handleExceptionOrNMI
	d.table[kvmsys.ExitIntr] = handleExternalInterrupt
	d.table[kvmsys.ExitIRQWindow] = handleInterruptWindow
	d.table[exitCPUID] = handleCPUID
	d.table[exitCRAccess] = handleCRAccess
	d.table[kvmsys.ExitIO] = handleIOInstruction
	d.table[exitMSRRead] = handleRDMSR
	d.table[exitMSRWrite] = handleWRMSR
	d.table[exitEPTViolation] = handleEPTViolation
	d.table[exitEPTMisconfig] = handleEPTMisconfig
	return d
}

// Exit reasons beyond the subset kvmsys names directly (real
// KVM_EXIT_* values these stand in for, kept local to this package
// since only the dispatcher cares about them).
const (
	exitCPUID        uint32 = 100
	exitCRAccess     uint32 = 101
	exitMSRRead      uint32 = 102
	exitMSRWrite     uint32 = 103
	exitEPTViolation uint32 = 104
	exitEPTMisconfig uint32 = 105
)

// Dispatch runs the handler for reason, then advances RIP by
// info.InstrLen unless the handler called vcpu_retain_rip.
func (d *Dispatcher) Dispatch(reason uint32, v *vcpu.VCPU, info Info) error {
	h, ok := d.table[reason]
	if !ok {
		return hverr.New(hverr.HypervisorBug, "vmexit_dispatch", nil)
	}
	if err := h(d, v, info); err != nil {
		return err
	}
	if v.ConsumeRetainRIP() {
		return nil
	}
	return v.AdvanceRIP(effectiveInstrLen(info))
}

// effectiveInstrLen trusts info.InstrLen when KVM supplied one;
// otherwise it falls back to decoding RawInstr. A decode failure
// leaves RIP where it is rather than advancing by a guessed length.
func effectiveInstrLen(info Info) uint64 {
	if info.InstrLen != 0 || len(info.RawInstr) == 0 {
		return info.InstrLen
	}
	n, err := instrlen.Decode(info.RawInstr, info.Mode)
	if err != nil {
		return 0
	}
	return uint64(n)
}

func handleExceptionOrNMI(d *Dispatcher, v *vcpu.VCPU, info Info) error {
	if info.Vector == 8 && !info.HasErrCode {
		if d.TripleFault != nil {
			d.TripleFault()
		}
		return nil
	}
	v.QueueException(info.Vector, info.HasErrCode, info.ErrCode)
	return nil
}

func handleExternalInterrupt(d *Dispatcher, v *vcpu.VCPU, info Info) error { return nil }

func handleInterruptWindow(d *Dispatcher, v *vcpu.VCPU, info Info) error {
	// Clearing the window request and re-evaluating the injection
	// queue is the caller's responsibility once TakePendingException
	// reports nothing left; no per-exit state lives in this package.
	return nil
}

func handleCPUID(d *Dispatcher, v *vcpu.VCPU, info Info) error {
	if d.CPUID == nil {
		return nil
	}
	eax, ebx, ecx, edx, ok := d.CPUID.CPUID(info.CPUIDLeaf, info.CPUIDSubleaf)
	if !ok {
		eax, ebx, ecx, edx = 0, 0, 0, 0
	}
	if err := v.SetGPReg(vcpu.RAX, uint64(eax)); err != nil {
		return err
	}
	if err := v.SetGPReg(vcpu.RBX, uint64(ebx)); err != nil {
		return err
	}
	if err := v.SetGPReg(vcpu.RCX, uint64(ecx)); err != nil {
		return err
	}
	return v.SetGPReg(vcpu.RDX, uint64(edx))
}

func handleCRAccess(d *Dispatcher, v *vcpu.VCPU, info Info) error {
	if !info.CRWrite {
		val, err := v.CR(info.CRIndex)
		if err != nil {
			return err
		}
		return v.SetGPReg(info.CRGPReg, val)
	}
	val, err := v.GetGPReg(info.CRGPReg)
	if err != nil {
		return err
	}
	switch info.CRIndex {
	case vcpu.CRIndex0:
		return v.SetCR0(val, cr0HostMask)
	case vcpu.CRIndex3:
		return v.SetCR3(val)
	case vcpu.CRIndex4:
		return v.SetCR4(val, cr4HostMask)
	}
	return nil
}

// Host-owned CR bits: PG/PE on CR0, VMXE on CR4. A partitioning
// hypervisor does not let the guest disable paging or protected mode
// out from under the EPT root KVM has already been told about.
const (
	cr0HostMask uint64 = (1 << 31) | (1 << 0)
	cr4HostMask uint64 = 1 << 13
)

func handleIOInstruction(d *Dispatcher, v *vcpu.VCPU, info Info) error {
	if d.PortIO == nil {
		return nil
	}
	if info.IODir == kvmsys.IODirOut {
		rax, err := v.GetGPReg(vcpu.RAX)
		if err != nil {
			return err
		}
		mask := uint64(1)<<(uint(info.IOSize)*8) - 1
		d.PortIO.Handle(info.IOPort, info.IODir, info.IOSize, uint32(rax&mask))
		return nil
	}
	val, matched := d.PortIO.Handle(info.IOPort, info.IODir, info.IOSize, 0)
	if !matched {
		val = ^uint32(0) // defaults are "read all-ones"
	}
	rax, err := v.GetGPReg(vcpu.RAX)
	if err != nil {
		return err
	}
	mask := uint64(1)<<(uint(info.IOSize)*8) - 1
	return v.SetGPReg(vcpu.RAX, (rax &^ mask) | (uint64(val) & mask))
}

func handleRDMSR(d *Dispatcher, v *vcpu.VCPU, info Info) error { return nil }
func handleWRMSR(d *Dispatcher, v *vcpu.VCPU, info Info) error { return nil }

func handleEPTViolation(d *Dispatcher, v *vcpu.VCPU, info Info) error {
	if d.EPT == nil {
		return hverr.New(hverr.HypervisorBug, "ept_violation", nil)
	}
	verdict := d.EPT.HandleEPTViolation(info.GPA, info.InstrFetch)
	if verdict.ExtendExec {
		v.RetainRIP()
		return nil
	}
	return v.InjectPF(info.GPA, 0)
}

func handleEPTMisconfig(d *Dispatcher, v *vcpu.VCPU, info Info) error {
	return hverr.New(hverr.HypervisorBug, "ept_misconfiguration", nil)
}
