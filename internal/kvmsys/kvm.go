// Package kvmsys is the acceleration substrate: ioctl constants and
// wrappers against /dev/kvm and its per-VM/per-vCPU file descriptors.
// This is the Go-idiomatic stand-in for the raw VMX instructions
// (VMPTRLD, VMREAD, VMWRITE, VMLAUNCH/VMRESUME) a hand-rolled VMCS
// layer would otherwise issue: KVM owns the VMCS in kernel space, and
// this package is the userspace half of that contract.
package kvmsys

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux ioctl number encoding (asm-generic/ioctl.h), reproduced here
// because golang.org/x/sys/unix does not carry KVM's ioctl table.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmio = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmio << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func io(nr uintptr) uintptr              { return ioc(iocNone, nr, 0) }
func ior(nr, size uintptr) uintptr       { return ioc(iocRead, nr, size) }
func iow(nr, size uintptr) uintptr       { return ioc(iocWrite, nr, size) }
func iowr(nr, size uintptr) uintptr      { return ioc(iocWrite|iocRead, nr, size) }

var (
	KVM_GET_API_VERSION       = io(0x00)
	KVM_CREATE_VM             = io(0x01)
	KVM_CHECK_EXTENSION       = io(0x03)
	KVM_GET_VCPU_MMAP_SIZE    = io(0x04)
	KVM_CREATE_VCPU           = io(0x41)
	KVM_SET_USER_MEMORY_REGION = iow(0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	KVM_RUN                   = io(0x80)
	KVM_GET_REGS              = ior(0x81, unsafe.Sizeof(Regs{}))
	KVM_SET_REGS              = iow(0x82, unsafe.Sizeof(Regs{}))
	KVM_GET_SREGS             = ior(0x83, unsafe.Sizeof(Sregs{}))
	KVM_SET_SREGS             = iow(0x84, unsafe.Sizeof(Sregs{}))
	KVM_INTERRUPT             = iow(0x86, unsafe.Sizeof(Interrupt{}))
	KVM_GET_MSRS              = iowr(0x88, unsafe.Sizeof(MSRs{}))
	KVM_SET_MSRS              = iow(0x89, unsafe.Sizeof(MSRs{}))
	KVM_GET_LAPIC             = ior(0x8e, unsafe.Sizeof(LapicState{}))
	KVM_SET_LAPIC             = iow(0x8f, unsafe.Sizeof(LapicState{}))

	// KVM capability numbers probed at init_primary_pcpu.
	KVM_CAP_USER_MEMORY  = 3
	KVM_CAP_EXT_CPUID    = 7
	KVM_CAP_X2APIC_API   = 129
)

// KVM exit reasons (the subset the dispatcher table names).
const (
	ExitUnknown     uint32 = 0
	ExitException   uint32 = 1
	ExitIO          uint32 = 2
	ExitHLT         uint32 = 5
	ExitMMIO        uint32 = 6
	ExitIRQWindow   uint32 = 7
	ExitShutdown    uint32 = 8
	ExitFailEntry   uint32 = 9
	ExitIntr        uint32 = 10
)

// IO exit directions, matching struct kvm_run's io.direction.
const (
	IODirIn  uint8 = 0
	IODirOut uint8 = 1
)

// UserspaceMemoryRegion is struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Regs is struct kvm_regs: the GPRs, RIP and RFLAGS.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment is struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	_        uint8
	_        uint8
}

// DTable is struct kvm_dtable (GDT/IDT pointer).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs is struct kvm_sregs, the full layout; init_vmcs and
// vcpu_set_cr0/3/4 touch only some of its fields.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [4]uint64
}

// Interrupt is struct kvm_interrupt, the KVM_INTERRUPT payload.
type Interrupt struct {
	IRQ uint32
}

// MSREntry/MSRs mirror struct kvm_msr_entry / kvm_msrs for a
// single-entry transfer, which is all init_vmcs and msr_read/write
// need.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

type MSRs struct {
	NMSRs   uint32
	Pad     uint32
	Entries [1]MSREntry
}

// LapicState is struct kvm_lapic_state: the 4 KiB APIC register page.
type LapicState struct {
	Regs [4096]byte
}

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// OpenKVM opens /dev/kvm and checks the subset of capabilities this
// design requires, matching init_primary_pcpu's capability probe.
func OpenKVM() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open /dev/kvm: %w", err)
	}
	ver, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), KVM_GET_API_VERSION, 0)
	if errno != 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("KVM_GET_API_VERSION: %w", errno)
	}
	if ver != 12 {
		unix.Close(fd)
		return -1, fmt.Errorf("unsupported KVM API version %d", ver)
	}
	for _, cap := range []int{KVM_CAP_USER_MEMORY, KVM_CAP_EXT_CPUID} {
		ok, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), KVM_CHECK_EXTENSION, uintptr(cap))
		if errno != 0 || ok == 0 {
			unix.Close(fd)
			return -1, fmt.Errorf("required KVM capability %d unavailable", cap)
		}
	}
	return fd, nil
}

// CreateVM issues KVM_CREATE_VM on an open /dev/kvm fd.
func CreateVM(kvmFD int) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmFD), KVM_CREATE_VM, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

// CreateVCPU issues KVM_CREATE_VCPU on a VM fd.
func CreateVCPU(vmFD int, vcpuID int) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFD), KVM_CREATE_VCPU, uintptr(vcpuID))
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

// VCPUMmapSize issues KVM_GET_VCPU_MMAP_SIZE on the main KVM fd.
func VCPUMmapSize(kvmFD int) (int, error) {
	size, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmFD), KVM_GET_VCPU_MMAP_SIZE, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(size), nil
}

// MemReadonly is KVM_MEM_READONLY: the memslot flag this design uses
// to express an EPT region with PermW cleared.
const MemReadonly uint32 = 1 << 1

// SetUserMemoryRegion installs, updates, or (with MemorySize==0)
// retires a guest memory slot.
func SetUserMemoryRegion(vmFD int, region UserspaceMemoryRegion) error {
	return ioctl(vmFD, KVM_SET_USER_MEMORY_REGION, uintptr(unsafe.Pointer(&region)))
}

func GetRegs(vcpuFD int) (*Regs, error) {
	var regs Regs
	if err := ioctl(vcpuFD, KVM_GET_REGS, uintptr(unsafe.Pointer(&regs))); err != nil {
		return nil, err
	}
	return &regs, nil
}

func SetRegs(vcpuFD int, regs *Regs) error {
	return ioctl(vcpuFD, KVM_SET_REGS, uintptr(unsafe.Pointer(regs)))
}

func GetSregs(vcpuFD int) (*Sregs, error) {
	var sregs Sregs
	if err := ioctl(vcpuFD, KVM_GET_SREGS, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return nil, err
	}
	return &sregs, nil
}

func SetSregs(vcpuFD int, sregs *Sregs) error {
	return ioctl(vcpuFD, KVM_SET_SREGS, uintptr(unsafe.Pointer(sregs)))
}

// GetMSR / SetMSR transfer a single MSR entry, the unit msr_read/write
// operate on.
func GetMSR(vcpuFD int, index uint32) (uint64, error) {
	msrs := MSRs{NMSRs: 1, Entries: [1]MSREntry{{Index: index}}}
	if err := ioctl(vcpuFD, KVM_GET_MSRS, uintptr(unsafe.Pointer(&msrs))); err != nil {
		return 0, err
	}
	return msrs.Entries[0].Data, nil
}

func SetMSR(vcpuFD int, index uint32, value uint64) error {
	msrs := MSRs{NMSRs: 1, Entries: [1]MSREntry{{Index: index, Data: value}}}
	return ioctl(vcpuFD, KVM_SET_MSRS, uintptr(unsafe.Pointer(&msrs)))
}

func GetLapic(vcpuFD int) (*LapicState, error) {
	var st LapicState
	if err := ioctl(vcpuFD, KVM_GET_LAPIC, uintptr(unsafe.Pointer(&st))); err != nil {
		return nil, err
	}
	return &st, nil
}

func SetLapic(vcpuFD int, st *LapicState) error {
	return ioctl(vcpuFD, KVM_SET_LAPIC, uintptr(unsafe.Pointer(st)))
}

// InjectInterrupt issues KVM_INTERRUPT with the given vector.
func InjectInterrupt(vcpuFD int, vector uint32) error {
	irq := Interrupt{IRQ: vector}
	return ioctl(vcpuFD, KVM_INTERRUPT, uintptr(unsafe.Pointer(&irq)))
}

// Run issues KVM_RUN, swallowing EINTR — a signal interrupting the
// ioctl is not itself a VM-exit.
func Run(vcpuFD int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), KVM_RUN, 0)
	if errno != 0 && errno != unix.EINTR {
		return errno
	}
	return nil
}

// kvmRunExitReasonOffset/kvmRunUnionOffset are struct kvm_run's fixed
// header layout: two in-flags bytes, six bytes of padding, the
// exit_reason, then ready_for_interrupt_injection/if_flag/flags, then
// cr8 and apic_base — 32 bytes before the per-reason union begins.
const (
	kvmRunExitReasonOffset = 8
	kvmRunUnionOffset      = 32
)

// MmapVCPURun maps a vCPU's kvm_run page (sized by VCPUMmapSize),
// the kernel's shared scratch struct updated in place by KVM_RUN and
// read back here instead of transferred through a separate ioctl.
func MmapVCPURun(vcpuFD, size int) ([]byte, error) {
	mem, err := unix.Mmap(vcpuFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap kvm_run: %w", err)
	}
	return mem, nil
}

// MunmapVCPURun releases a mapping obtained from MmapVCPURun.
func MunmapVCPURun(run []byte) error {
	if len(run) == 0 {
		return nil
	}
	return unix.Munmap(run)
}

// RunExitReason reads the exit_reason field out of a mapped kvm_run
// page.
func RunExitReason(run []byte) uint32 {
	return *(*uint32)(unsafe.Pointer(&run[kvmRunExitReasonOffset]))
}

// IOExit is struct kvm_run's io member, valid when exit_reason is
// ExitIO.
type IOExit struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// RunIO decodes the io union member of a mapped kvm_run page.
func RunIO(run []byte) IOExit {
	return *(*IOExit)(unsafe.Pointer(&run[kvmRunUnionOffset]))
}

// IOData returns the IN/OUT data buffer for io, located data_offset
// bytes into the kvm_run page itself.
func IOData(run []byte, io IOExit) []byte {
	start := io.DataOffset
	end := start + uint64(io.Count)*uint64(io.Size)
	if end > uint64(len(run)) {
		end = uint64(len(run))
	}
	return run[start:end]
}

// MMIOExit is struct kvm_run's mmio member, valid when exit_reason is
// ExitMMIO.
type MMIOExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

// RunMMIO decodes the mmio union member of a mapped kvm_run page.
func RunMMIO(run []byte) MMIOExit {
	return *(*MMIOExit)(unsafe.Pointer(&run[kvmRunUnionOffset]))
}

// ExceptionExit is struct kvm_run's ex member, valid when exit_reason
// is ExitException.
type ExceptionExit struct {
	Exception uint32
	ErrorCode uint32
}

// RunException decodes the ex union member of a mapped kvm_run page.
func RunException(run []byte) ExceptionExit {
	return *(*ExceptionExit)(unsafe.Pointer(&run[kvmRunUnionOffset]))
}

// MmapGuestMemory allocates anonymous host memory to back a guest
// memory region — the userspace_addr half of a KVM_SET_USER_MEMORY_REGION
// this design's EPT table installs.
func MmapGuestMemory(size uint64) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}
	return mem, nil
}

// MunmapGuestMemory releases memory obtained from MmapGuestMemory.
func MunmapGuestMemory(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}

// HVA returns the host virtual address backing mem, the value this
// design plugs into UserspaceMemoryRegion.UserspaceAddr.
func HVA(mem []byte) uint64 {
	if len(mem) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&mem[0])))
}

// ExitReasonName renders a KVM exit reason for diagnostics, extended
// with the reasons this design's dispatcher names locally.
func ExitReasonName(reason uint32) string {
	switch reason {
	case ExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case ExitException:
		return "KVM_EXIT_EXCEPTION"
	case ExitIO:
		return "KVM_EXIT_IO"
	case ExitHLT:
		return "KVM_EXIT_HLT"
	case ExitMMIO:
		return "KVM_EXIT_MMIO"
	case ExitIRQWindow:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case ExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case ExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case ExitIntr:
		return "KVM_EXIT_INTR"
	default:
		return fmt.Sprintf("KVM_EXIT_(%d)", reason)
	}
}
