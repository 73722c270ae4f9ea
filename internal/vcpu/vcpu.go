// Package vcpu implements component K: vCPU creation, VMCS-equivalent
// programming against KVM, the register/exception-injection contract,
// and the cross-pCPU request mechanism, with KVM_SET_SREGS/
// KVM_SET_REGS standing in for VMPTRLD+VMWRITE.
package vcpu

import (
	"fmt"
	"sync"

	"github.com/partitionhv/parthv/internal/gdt"
	"github.com/partitionhv/parthv/internal/hverr"
	"github.com/partitionhv/parthv/internal/kvmsys"
	"github.com/partitionhv/parthv/internal/pcpu"
)

// State is the vCPU lifecycle state machine of §4.K.
type State int

const (
	Created State = iota
	Init
	Running
	Paused
	Zombie
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Init:
		return "INIT"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case Zombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// GPReg names the general-purpose registers vcpu_get_gpreg/
// vcpu_set_gpreg address.
type GPReg int

const (
	RAX GPReg = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// exception priority, lowest number = highest priority, used by the
// #DF collapse rule in QueueException.
var exceptionPriority = map[uint8]int{
	8:  0, // #DF itself
	0:  1, // #DE
	10: 1, // #TS
	11: 1, // #NP
	12: 1, // #SS
	13: 1, // #GP
	14: 2, // #PF
	6:  3, // #UD
}

func priorityOf(vector uint8) int {
	if p, ok := exceptionPriority[vector]; ok {
		return p
	}
	return 99
}

// PendingException is a queued injection.
type PendingException struct {
	Vector   uint8
	HasErr   bool
	ErrCode  uint32
	CR2      uint64
}

// VCPU is one virtual CPU: its KVM handle, pinned pCPU, and the
// register/exception-injection state the dispatcher (component L)
// reads and writes.
type VCPU struct {
	mu sync.Mutex

	VMID    int
	VCPUID  int
	PCPU    *pcpu.PCPU
	fd      int

	state State

	gdtTable gdt.FlatTable

	retainRIP bool
	pending   *PendingException

	// runMem is the mmap'd kvm_run page shared with the kernel: it
	// carries the exit reason and per-reason union data updated in
	// place by every KVM_RUN, read back by ExitReason/IOExit/MMIOExit/
	// ExceptionExit instead of a separate transfer ioctl.
	runMem []byte

	// bootstrap processor: the first vCPU of the VM, the one
	// triple-fault detection and pause-ordering single out.
	IsBSP bool
}

// Create attaches a vCPU to its pCPU and allocates its KVM object
// (vcpu_create), mapping its kvm_run page so Run's caller can decode
// the exit without a separate ioctl. runMemSize is the value
// kvmsys.VCPUMmapSize reports for the owning /dev/kvm handle. The
// VMCS-equivalent programming happens in InitVMCS.
func Create(vmFD int, vmID, vcpuID int, pc *pcpu.PCPU, isBSP bool, runMemSize int) (*VCPU, error) {
	fd, err := kvmsys.CreateVCPU(vmFD, vcpuID)
	if err != nil {
		return nil, hverr.New(hverr.HypervisorBug, "vcpu_create", err)
	}
	runMem, err := kvmsys.MmapVCPURun(fd, runMemSize)
	if err != nil {
		return nil, hverr.New(hverr.HypervisorBug, "vcpu_create", err)
	}
	return &VCPU{
		VMID:   vmID,
		VCPUID: vcpuID,
		PCPU:   pc,
		fd:     fd,
		state:  Created,
		IsBSP:  isBSP,
		runMem: runMem,
	}, nil
}

// InitVMCS programs host state and the initial guest state
// (init_vmcs): a flat GDT, CR0/CR4 (plus EFER in long mode; CR3 is
// left as KVM reset it), and RIP/RSP/RFLAGS for a
// freshly reset vCPU — the KVM-backed analogue of pin/procbased
// controls, since KVM itself owns the VMX controls this design would
// otherwise set by hand.
func (v *VCPU) InitVMCS(entryRIP, entryRSP uint64, long64 bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if long64 {
		v.gdtTable = gdt.NewFlat64()
	} else {
		v.gdtTable = gdt.NewFlat32()
	}

	sregs, err := kvmsys.GetSregs(v.fd)
	if err != nil {
		return hverr.New(hverr.HypervisorBug, "init_vmcs", err)
	}

	codeSeg := kvmsys.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: gdt.SelectorCode, Type: 0xB, Present: 1, S: 1, DPL: 0, G: 1}
	dataSeg := kvmsys.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: gdt.SelectorData, Type: 0x3, Present: 1, S: 1, DPL: 0, G: 1}
	if long64 {
		codeSeg.L = 1
		codeSeg.DB = 0
	} else {
		codeSeg.DB = 1
		dataSeg.DB = 1
	}

	sregs.CS = codeSeg
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = dataSeg, dataSeg, dataSeg, dataSeg, dataSeg
	sregs.CR0 = 0x1 // PE
	if long64 {
		sregs.CR4 = 1 << 5 // PAE
		sregs.EFER = (1 << 8) | (1 << 10) // LME | LMA
		sregs.CR0 |= 1 << 31 // PG
	}

	if err := kvmsys.SetSregs(v.fd, sregs); err != nil {
		return hverr.New(hverr.HypervisorBug, "init_vmcs", err)
	}

	regs := &kvmsys.Regs{RIP: entryRIP, RSP: entryRSP, RFLAGS: 0x2}
	if err := kvmsys.SetRegs(v.fd, regs); err != nil {
		return hverr.New(hverr.HypervisorBug, "init_vmcs", err)
	}

	v.state = Init
	return nil
}

// LoadVMCS is VMPTRLD for this pCPU — a documented no-op, since KVM's
// KVM_RUN already makes the target vCPU current on whichever thread
// calls it; there is no separate "make current" step at this layer.
func (v *VCPU) LoadVMCS() {}

// SwitchAPICVModeX2APIC reconfigures APICv controls on demand — a
// documented no-op delegated entirely to KVM_SET_LAPIC/MSR_IA32_APICBASE
// writes in package lapic; there is no separate VMCS control bit this
// layer owns.
func (v *VCPU) SwitchAPICVModeX2APIC() {}

// GetGPReg reads a general-purpose register from the snapshot
// (vcpu_get_gpreg).
func (v *VCPU) GetGPReg(reg GPReg) (uint64, error) {
	regs, err := kvmsys.GetRegs(v.fd)
	if err != nil {
		return 0, hverr.New(hverr.HypervisorBug, "vcpu_get_gpreg", err)
	}
	return gpFromRegs(regs, reg), nil
}

// SetGPReg writes a general-purpose register into the snapshot
// (vcpu_set_gpreg).
func (v *VCPU) SetGPReg(reg GPReg, val uint64) error {
	regs, err := kvmsys.GetRegs(v.fd)
	if err != nil {
		return hverr.New(hverr.HypervisorBug, "vcpu_set_gpreg", err)
	}
	setGPInRegs(regs, reg, val)
	if err := kvmsys.SetRegs(v.fd, regs); err != nil {
		return hverr.New(hverr.HypervisorBug, "vcpu_set_gpreg", err)
	}
	return nil
}

func gpFromRegs(r *kvmsys.Regs, reg GPReg) uint64 {
	switch reg {
	case RAX:
		return r.RAX
	case RBX:
		return r.RBX
	case RCX:
		return r.RCX
	case RDX:
		return r.RDX
	case RSI:
		return r.RSI
	case RDI:
		return r.RDI
	case RSP:
		return r.RSP
	case RBP:
		return r.RBP
	case R8:
		return r.R8
	case R9:
		return r.R9
	case R10:
		return r.R10
	case R11:
		return r.R11
	case R12:
		return r.R12
	case R13:
		return r.R13
	case R14:
		return r.R14
	case R15:
		return r.R15
	default:
		return 0
	}
}

func setGPInRegs(r *kvmsys.Regs, reg GPReg, val uint64) {
	switch reg {
	case RAX:
		r.RAX = val
	case RBX:
		r.RBX = val
	case RCX:
		r.RCX = val
	case RDX:
		r.RDX = val
	case RSI:
		r.RSI = val
	case RDI:
		r.RDI = val
	case RSP:
		r.RSP = val
	case RBP:
		r.RBP = val
	case R8:
		r.R8 = val
	case R9:
		r.R9 = val
	case R10:
		r.R10 = val
	case R11:
		r.R11 = val
	case R12:
		r.R12 = val
	case R13:
		r.R13 = val
	case R14:
		r.R14 = val
	case R15:
		r.R15 = val
	}
}

// RetainRIP marks "do not advance RIP at next entry" (vcpu_retain_rip):
// used on EPT-violation retries and re-attempted emulation.
func (v *VCPU) RetainRIP() {
	v.mu.Lock()
	v.retainRIP = true
	v.mu.Unlock()
}

// ConsumeRetainRIP reports and clears the retain flag; the dispatcher
// calls this once per exit to decide whether to advance RIP.
func (v *VCPU) ConsumeRetainRIP() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	r := v.retainRIP
	v.retainRIP = false
	return r
}

// QueueException tags vector for injection (vcpu_queue_exception). If
// an exception is already queued and the new vector's priority is the
// same as or higher than the queued one's, this collapses to #DF per
// §4.K.
func (v *VCPU) QueueException(vector uint8, hasErr bool, errCode uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pending != nil && priorityOf(vector) <= priorityOf(v.pending.Vector) {
		v.pending = &PendingException{Vector: 8, HasErr: true, ErrCode: 0}
		return
	}
	v.pending = &PendingException{Vector: vector, HasErr: hasErr, ErrCode: errCode}
}

// InjectPF is #PF's specialization: writes CR2 via the register
// snapshot and queues vector 14 with err.
func (v *VCPU) InjectPF(gpa uint64, errCode uint32) error {
	sregs, err := kvmsys.GetSregs(v.fd)
	if err != nil {
		return hverr.New(hverr.HypervisorBug, "vcpu_inject_pf", err)
	}
	sregs.CR2 = gpa
	if err := kvmsys.SetSregs(v.fd, sregs); err != nil {
		return hverr.New(hverr.HypervisorBug, "vcpu_inject_pf", err)
	}
	v.QueueException(14, true, errCode)
	return nil
}

// InjectGP queues #GP (ResourceExhausted-class guest faults surface
// this way per §7).
func (v *VCPU) InjectGP() { v.QueueException(13, true, 0) }

// InjectUD queues #UD.
func (v *VCPU) InjectUD() { v.QueueException(6, false, 0) }

// TakePendingException drains the queued exception, if any, for the
// dispatcher to deliver via KVM_INTERRUPT-equivalent injection.
func (v *VCPU) TakePendingException() *PendingException {
	v.mu.Lock()
	defer v.mu.Unlock()
	p := v.pending
	v.pending = nil
	return p
}

// MakeRequest is vcpu_make_request: fn runs on the vCPU's pCPU via the
// same remote-dispatch shim msr_write_pcpu uses. RunRemote queues fn,
// kicks that pCPU unconditionally, and blocks until fn has run; no
// separate request bit is kept.
func (v *VCPU) MakeRequest(fn func()) {
	v.PCPU.RunRemote(fn)
}

// SetState transitions the vCPU's lifecycle state. Callers are
// expected to respect {CREATED→INIT→RUNNING⇄PAUSED→ZOMBIE}; this type
// does not itself reject illegal transitions; pause_vm/shutdown_vm
// enforce ordering at a higher level.
func (v *VCPU) SetState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

func (v *VCPU) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Pause marks the vCPU PAUSED — idempotent (pause_vcpu).
func (v *VCPU) Pause() {
	v.mu.Lock()
	if v.state == Running || v.state == Init {
		v.state = Paused
	}
	v.mu.Unlock()
}

// Run issues KVM_RUN once and returns control to the caller's
// dispatcher after every exit instead of looping internally.
func (v *VCPU) Run() error {
	v.mu.Lock()
	v.state = Running
	v.mu.Unlock()
	if err := kvmsys.Run(v.fd); err != nil {
		return hverr.New(hverr.HypervisorBug, "vcpu_run", fmt.Errorf("KVM_RUN: %w", err))
	}
	return nil
}

// ExitReason reports the exit_reason KVM wrote to the kvm_run page
// during the most recent Run.
func (v *VCPU) ExitReason() uint32 { return kvmsys.RunExitReason(v.runMem) }

// IOExit decodes the kvm_run page's io union member. Only meaningful
// when ExitReason reports kvmsys.ExitIO.
func (v *VCPU) IOExit() kvmsys.IOExit { return kvmsys.RunIO(v.runMem) }

// MMIOExit decodes the kvm_run page's mmio union member. Only
// meaningful when ExitReason reports kvmsys.ExitMMIO.
func (v *VCPU) MMIOExit() kvmsys.MMIOExit { return kvmsys.RunMMIO(v.runMem) }

// ExceptionExit decodes the kvm_run page's ex union member. Only
// meaningful when ExitReason reports kvmsys.ExitException.
func (v *VCPU) ExceptionExit() kvmsys.ExceptionExit { return kvmsys.RunException(v.runMem) }

// RIP reads the current instruction pointer.
func (v *VCPU) RIP() (uint64, error) {
	regs, err := kvmsys.GetRegs(v.fd)
	if err != nil {
		return 0, hverr.New(hverr.HypervisorBug, "vcpu_get_rip", err)
	}
	return regs.RIP, nil
}

// AdvanceRIP adds instrLen to RIP, the dispatcher's post-handler step
// unless ConsumeRetainRIP reported true.
func (v *VCPU) AdvanceRIP(instrLen uint64) error {
	regs, err := kvmsys.GetRegs(v.fd)
	if err != nil {
		return hverr.New(hverr.HypervisorBug, "vmexit_advance_rip", err)
	}
	regs.RIP += instrLen
	if err := kvmsys.SetRegs(v.fd, regs); err != nil {
		return hverr.New(hverr.HypervisorBug, "vmexit_advance_rip", err)
	}
	return nil
}

// FD exposes the raw KVM vCPU file descriptor for the dispatcher and
// device emulation layers that need direct ioctl access (reading
// kvm_run's exit-reason union, for instance).
func (v *VCPU) FD() int { return v.fd }

// SetCR0/SetCR3/SetCR4 are the CR_ACCESS exit handler's write path
// (vcpu_set_cr0/3/4): hostMask bits are host-owned and never take the
// guest-written value, per §4.L.
func (v *VCPU) SetCR0(val, hostMask uint64) error { return v.setCR(val, hostMask, CRIndex0) }
func (v *VCPU) SetCR3(val uint64) error           { return v.setCR(val, 0, CRIndex3) }
func (v *VCPU) SetCR4(val, hostMask uint64) error { return v.setCR(val, hostMask, CRIndex4) }

type CRIndex int

const (
	CRIndex0 CRIndex = iota
	CRIndex3
	CRIndex4
)

func (v *VCPU) setCR(val, hostMask uint64, idx CRIndex) error {
	sregs, err := kvmsys.GetSregs(v.fd)
	if err != nil {
		return hverr.New(hverr.HypervisorBug, "vcpu_set_cr", err)
	}
	switch idx {
	case CRIndex0:
		sregs.CR0 = (sregs.CR0 & hostMask) | (val &^ hostMask)
	case CRIndex3:
		sregs.CR3 = val
	case CRIndex4:
		sregs.CR4 = (sregs.CR4 & hostMask) | (val &^ hostMask)
	}
	if err := kvmsys.SetSregs(v.fd, sregs); err != nil {
		return hverr.New(hverr.HypervisorBug, "vcpu_set_cr", err)
	}
	return nil
}

// CR reads back CR0/CR3/CR4 for the dispatcher's MOV-from-CR path.
func (v *VCPU) CR(idx CRIndex) (uint64, error) {
	sregs, err := kvmsys.GetSregs(v.fd)
	if err != nil {
		return 0, hverr.New(hverr.HypervisorBug, "vcpu_get_cr", err)
	}
	switch idx {
	case CRIndex0:
		return sregs.CR0, nil
	case CRIndex3:
		return sregs.CR3, nil
	case CRIndex4:
		return sregs.CR4, nil
	default:
		return 0, nil
	}
}
