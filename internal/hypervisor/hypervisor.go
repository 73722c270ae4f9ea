// Package hypervisor is the single-initialization root: it owns the
// pCPU table, the VM table, the VT-d DRHD set, the ptirq pool, and the
// IOAPIC driver, and is the one place that wires every other internal
// package together, the one constructor that opens /dev/kvm and
// assembles everything downstream for a static multi-VM partition
// table.
package hypervisor

import (
	"fmt"
	"log"

	"github.com/partitionhv/parthv/internal/board"
	"github.com/partitionhv/parthv/internal/hverr"
	"github.com/partitionhv/parthv/internal/ioapic"
	"github.com/partitionhv/parthv/internal/irq"
	"github.com/partitionhv/parthv/internal/kvmsys"
	"github.com/partitionhv/parthv/internal/pcpu"
	"github.com/partitionhv/parthv/internal/ptirq"
	"github.com/partitionhv/parthv/internal/vm"
	"github.com/partitionhv/parthv/internal/vmconfig"
	"github.com/partitionhv/parthv/internal/vtd"
)

// ioapicBase/ioapicPins are the single default IOAPIC unit this design
// exposes; discovering additional units from ACPI/MADT is out of
// scope per §1, so the board format does not name them.
const (
	ioapicBase = 0xFEC00000
	ioapicPins = 24
)

// Hypervisor is the root value: init_primary_pcpu's assembled state.
type Hypervisor struct {
	Debug bool

	kvmFD int

	PCPUs   map[int]*pcpu.PCPU
	IRQs    *irq.Table
	Notify  *irq.Dispatcher
	IOAPIC  *ioapic.Driver
	DRHDs   *vtd.Set
	Ptirq   *ptirq.Pool
	Configs *vmconfig.Table

	vms map[int]*vm.VM
}

func (h *Hypervisor) logf(format string, args ...any) {
	if h.Debug {
		log.Printf(format, args...)
	}
}

// New implements init_primary_pcpu: load the board file, open /dev/kvm
// and check capabilities, build the pCPU table, mask every IOAPIC GSI,
// and call prepare_vm for every statically configured VM.
func New(boardPath string, debug bool) (*Hypervisor, error) {
	h := &Hypervisor{Debug: debug, vms: make(map[int]*vm.VM)}

	configs, numDRHDs, err := board.Load(boardPath)
	if err != nil {
		return nil, err
	}
	h.Configs = configs
	h.logf("board loaded: %d VMs, %d DRHDs", len(configs.All()), numDRHDs)

	kvmFD, err := kvmsys.OpenKVM()
	if err != nil {
		return nil, hverr.New(hverr.CapabilityError, "init_primary_pcpu", err)
	}
	h.kvmFD = kvmFD

	h.PCPUs = buildPCPUTable(configs.All())
	h.IRQs = irq.NewTable()
	h.Notify = irq.NewDispatcher(h.PCPUs)
	h.Ptirq = ptirq.NewPool(h.IRQs)
	h.DRHDs = vtd.NewSet(numDRHDs)

	ioapicUnit := ioapic.NewUnit(ioapicBase, ioapicPins)
	h.IOAPIC = ioapic.NewDriver([]*ioapic.Unit{ioapicUnit})
	h.IOAPIC.Init()
	h.logf("ioapic masked, %d GSIs", h.IOAPIC.NrGSI())

	for _, cfg := range configs.All() {
		if err := h.prepareVM(cfg); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func buildPCPUTable(configs []vmconfig.Config) map[int]*pcpu.PCPU {
	var union uint64
	for _, c := range configs {
		union |= c.PCPUMask
	}
	out := make(map[int]*pcpu.PCPU)
	for id := 0; id < 64; id++ {
		if union&(1<<uint(id)) != 0 {
			out[id] = pcpu.New(id, uint32(id))
		}
	}
	return out
}

func (h *Hypervisor) prepareVM(cfg vmconfig.Config) error {
	var bound []*pcpu.PCPU
	for id := 0; id < 64; id++ {
		if cfg.PCPUMask&(1<<uint(id)) != 0 {
			if pc, ok := h.PCPUs[id]; ok {
				bound = append(bound, pc)
			}
		}
	}
	v, err := vm.PrepareVM(cfg, h.kvmFD, bound, h.DRHDs.Default(), h.Ptirq)
	if err != nil {
		return fmt.Errorf("prepare_vm(%d): %w", cfg.VMID, err)
	}
	h.vms[cfg.VMID] = v
	h.logf("vm %d (%s) prepared: %d vcpus", cfg.VMID, cfg.Name, v.NumVCPUs())
	return nil
}

// VM looks up a prepared VM by id.
func (h *Hypervisor) VM(vmID int) (*vm.VM, bool) {
	v, ok := h.vms[vmID]
	return v, ok
}

// StartAll implements starting every configured VM (no dynamic
// create/start exists in this design; every VM named in the board
// file starts at hypervisor boot) and launches each vCPU's per-pCPU
// VM-entry/VM-exit goroutine.
func (h *Hypervisor) StartAll() {
	for _, v := range h.vms {
		vm.StartVM(v)
		for i := 0; i < v.NumVCPUs(); i++ {
			go vm.RunPCPULoop(v, i, h.ShutdownVMFromIdle, h.logf)
		}
	}
	h.logf("started %d vms", len(h.vms))
}

// ShutdownVMFromIdle wires vm.ShutdownVMFromIdle to this hypervisor's
// VM table, the idle-loop-visible half of triple_fault_shutdown_vm.
func (h *Hypervisor) ShutdownVMFromIdle(pc *pcpu.PCPU) {
	vm.ShutdownVMFromIdle(pc, func(vmID int) *vm.VM {
		v, ok := h.vms[vmID]
		if !ok {
			return nil
		}
		return v
	})
}
