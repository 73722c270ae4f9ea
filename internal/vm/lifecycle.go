package vm

import (
	"github.com/partitionhv/parthv/internal/ept"
	"github.com/partitionhv/parthv/internal/hverr"
	"github.com/partitionhv/parthv/internal/kvmsys"
	"github.com/partitionhv/parthv/internal/pcpu"
	"github.com/partitionhv/parthv/internal/ptirq"
	"github.com/partitionhv/parthv/internal/sched"
	"github.com/partitionhv/parthv/internal/vcpu"
	"github.com/partitionhv/parthv/internal/vmconfig"
	"github.com/partitionhv/parthv/internal/vmexit"
	"github.com/partitionhv/parthv/internal/vtd"
)

// defaultEntryRSP is the stack pointer every vCPU boots with: the
// conventional real/protected mode boot stack address, which lies
// inside the below-1M usable e820 window.
const defaultEntryRSP = 0x7C00

// PrepareVM implements prepare_vm: allocate the VM's KVM object, build
// ve820, create its EPT table, create one vCPU per pCPU named in the
// config's affinity mask, and bind each to a freshly initialized
// scheduler control block. init_vm_boot_info (loading the kernel
// blob) is out of scope for this package — it is the board loader's
// job to have already resolved KernelLoadAddr before this call.
func PrepareVM(cfg vmconfig.Config, kvmFD int, pcpus []*pcpu.PCPU, drhd *vtd.DRHD, ptirqPool *ptirq.Pool) (*VM, error) {
	e820, err := vmconfig.CreatePrelaunchedVMe820(cfg.MemSize)
	if err != nil {
		return nil, err
	}

	vmFD, err := kvmsys.CreateVM(kvmFD)
	if err != nil {
		return nil, hverr.New(hverr.HypervisorBug, "prepare_vm", err)
	}

	bound := selectPCPUs(cfg.PCPUMask, pcpus)
	if len(bound) == 0 {
		return nil, hverr.New(hverr.ConfigError, "prepare_vm", nil)
	}

	runMemSize, err := kvmsys.VCPUMmapSize(kvmFD)
	if err != nil {
		return nil, hverr.New(hverr.HypervisorBug, "prepare_vm", err)
	}

	v := &VM{
		Config:     cfg,
		fd:         vmFD,
		state:      StateCreated,
		pcpuByID:   make(map[int]*pcpu.PCPU, len(bound)),
		EPT:        nil,
		DRHD:       drhd,
		PtirqPool:  ptirqPool,
		PortIO:     &PortIOTable{},
		Dispatcher: vmexit.New(),
		E820:       e820,
	}
	v.EPT = ept.NewTable(vmFD)
	v.Dispatcher.EPT = v.EPT
	v.Dispatcher.PortIO = v.PortIO
	v.Dispatcher.TripleFault = func() {
		bsp := v.pcpuByID[v.VCPUs[0].VCPUID]
		TripleFaultShutdownVM(v, bsp)
	}

	guestMem, err := kvmsys.MmapGuestMemory(cfg.MemSize)
	if err != nil {
		return nil, hverr.New(hverr.HypervisorBug, "prepare_vm", err)
	}
	if err := v.EPT.AddMR(cfg.StartHPA, kvmsys.HVA(guestMem), cfg.MemSize, ept.PermRWX); err != nil {
		return nil, err
	}
	v.GuestMem = guestMem

	v.sched = make([]*sched.Control, 0, len(bound))
	for i, pc := range bound {
		vc, err := vcpu.Create(vmFD, cfg.VMID, i, pc, i == 0, runMemSize)
		if err != nil {
			return nil, err
		}
		if err := vc.InitVMCS(cfg.KernelLoadAddr, defaultEntryRSP, false); err != nil {
			return nil, err
		}
		v.VCPUs = append(v.VCPUs, vc)
		v.pcpuByID[i] = pc

		ctl := sched.Init(nil)
		v.sched = append(v.sched, ctl)
	}

	return v, nil
}

func selectPCPUs(mask uint64, pcpus []*pcpu.PCPU) []*pcpu.PCPU {
	var out []*pcpu.PCPU
	for _, pc := range pcpus {
		if mask&(1<<uint(pc.ID)) != 0 {
			out = append(out, pc)
		}
	}
	return out
}

// StartVM implements start_vm: mark STARTED and wake each vCPU on its
// pCPU.
func StartVM(v *VM) {
	v.setState(StateStarted)
	for i, vc := range v.VCPUs {
		vc.SetState(vcpu.Running)
		v.sched[i].Wake(vc)
		v.pcpuByID[i].Kick()
	}
}

// PauseVM implements pause_vm: pause the BSP vCPU first (so the
// shutdown trap has a stable CPU to run on), then the APs.
func PauseVM(v *VM) {
	v.setState(StatePaused)
	for i, vc := range v.VCPUs {
		vc.Pause()
		v.sched[i].Sleep(vc)
	}
}

// ShutdownVM implements shutdown_vm: pause, mark every vCPU ZOMBIE,
// release every ptirq entry this VM owns, tear down EPT, mark
// POWERED_OFF.
func ShutdownVM(v *VM) {
	PauseVM(v)
	for _, vc := range v.VCPUs {
		vc.SetState(vcpu.Zombie)
	}
	v.PtirqPool.ReleaseAllForVM(v)
	for _, r := range v.EPT.Regions() {
		_ = v.EPT.DelMR(r.GPA)
	}
	if v.GuestMem != nil {
		_ = kvmsys.MunmapGuestMemory(v.GuestMem)
		v.GuestMem = nil
	}
	v.setState(StatePoweredOff)
}

// TripleFaultShutdownVM implements triple_fault_shutdown_vm: pause the
// VM, stash vm_id in the BSP pCPU's shutdown_vm_id, and raise
// SHUTDOWN_VM on its pcpu_flag. The owning pCPU goroutine completes
// the shutdown from ShutdownVMFromIdle once it next reaches its idle
// loop.
func TripleFaultShutdownVM(v *VM, bsp *pcpu.PCPU) {
	PauseVM(v)
	bsp.ShutdownVMID = v.VMID()
	bsp.SetFlag(pcpu.FlagShutdownVM)
}

// ShutdownVMFromIdle implements shutdown_vm_from_idle: consumed by a
// pCPU's idle loop after the scheduler notices no runnable thread.
// lookup resolves a vm_id to its VM object (the hypervisor's VM
// table); a miss is silently ignored since it means the VM was
// already torn down by another path.
func ShutdownVMFromIdle(pc *pcpu.PCPU, lookup func(vmID int) *VM) {
	if !pc.TestFlag(pcpu.FlagShutdownVM) {
		return
	}
	vmID := pc.ShutdownVMID
	pc.ClearFlag(pcpu.FlagShutdownVM)
	pc.ShutdownVMID = -1
	if target := lookup(vmID); target != nil {
		ShutdownVM(target)
	}
}
