// Package vm implements component N: the VM object, its port-I/O
// handler-slot table, and the lifecycle operations that tie every
// other component together.
package vm

import (
	"sync"

	"github.com/google/uuid"
	"github.com/partitionhv/parthv/internal/ept"
	"github.com/partitionhv/parthv/internal/msiremap"
	"github.com/partitionhv/parthv/internal/pcpu"
	"github.com/partitionhv/parthv/internal/ptirq"
	"github.com/partitionhv/parthv/internal/sched"
	"github.com/partitionhv/parthv/internal/vcpu"
	"github.com/partitionhv/parthv/internal/vmconfig"
	"github.com/partitionhv/parthv/internal/vmexit"
	"github.com/partitionhv/parthv/internal/vtd"
)

// State is the VM's coarse lifecycle state.
type State int

const (
	StateCreated State = iota
	StateStarted
	StatePaused
	StatePoweredOff
)

// PioSlotIndex names the fixed port-I/O handler slots §6 enumerates.
// nulls (a slot never assigned a Read/Write pair) mean "defaults
// apply" — read all-ones, swallow write.
type PioSlotIndex int

const (
	PioPICMaster PioSlotIndex = iota
	PioPICSlave
	PioPICELC
	PioPCICfgAddr
	PioPCICfgData
	PioUART0
	PioUART1
	PioPM1aEvt
	PioPM1aCnt
	PioPM1bEvt
	PioPM1bCnt
	PioRTC
	PioVPM1aCnt
	PioKB
	PioCF9
	PioReset
	NumPioSlots
)

// PioSlot is one entry of the port-I/O handler table
// ({port_start, port_end, io_read_fn, io_write_fn}).
type PioSlot struct {
	PortStart, PortEnd uint16
	Read               func(port uint16, size int) uint32
	Write              func(port uint16, size int, val uint32)
	assigned           bool
}

// PortIOTable implements vmexit.PortIOTable over the fixed slot array,
// hv_emulate_pio's "scan for at most one match" contract.
type PortIOTable struct {
	slots [NumPioSlots]PioSlot
}

// Assign installs the handler functions for slot idx over
// [portStart, portEnd).
func (t *PortIOTable) Assign(idx PioSlotIndex, portStart, portEnd uint16, read func(uint16, int) uint32, write func(uint16, int, uint32)) {
	t.slots[idx] = PioSlot{PortStart: portStart, PortEnd: portEnd, Read: read, Write: write, assigned: true}
}

// Handle implements vmexit.PortIOTable.
func (t *PortIOTable) Handle(port uint16, dir uint8, size int, writeVal uint32) (uint32, bool) {
	for _, s := range t.slots {
		if !s.assigned || port < s.PortStart || port >= s.PortEnd {
			continue
		}
		if dir == 1 { // IODirOut
			if s.Write != nil {
				s.Write(port, size, writeVal)
			}
			return 0, true
		}
		if s.Read != nil {
			return s.Read(port, size), true
		}
		return ^uint32(0), true
	}
	return 0, false
}

// VM is one statically-configured partition: its vCPUs, EPT table,
// pass-through interrupt ownership, and port-I/O slot table.
type VM struct {
	mu sync.Mutex

	Config vmconfig.Config
	fd     int // KVM VM object fd
	state  State

	VCPUs    []*vcpu.VCPU
	pcpuByID map[int]*pcpu.PCPU // vcpu index -> bound pCPU
	sched    []*sched.Control   // vcpu index -> its pCPU's scheduler control block

	EPT        *ept.Table
	DRHD       *vtd.DRHD
	PtirqPool  *ptirq.Pool
	PortIO     *PortIOTable
	Dispatcher *vmexit.Dispatcher
	E820       []vmconfig.E820Entry

	// GuestMem is the anonymous host mapping backing this VM's single
	// EPT region, installed by PrepareVM and released by ShutdownVM.
	GuestMem []byte
}

// VMID implements ptirq.VMRef and msiremap.VM.
func (v *VM) VMID() int { return v.Config.VMID }

// UUID returns the VM's configured identity.
func (v *VM) UUID() uuid.UUID { return v.Config.UUID }

// NumVCPUs implements msiremap.VM.
func (v *VM) NumVCPUs() int { return len(v.VCPUs) }

// VCPUPCPU implements msiremap.VM: the fixed vCPU index -> pCPU
// binding this design's 1:1 pinning never changes after prepare_vm.
func (v *VM) VCPUPCPU(vcpuID int) int { return v.pcpuByID[vcpuID].ID }

// PCPULapicLDR implements msiremap.VM.
func (v *VM) PCPULapicLDR(pcpuID int) uint32 {
	for _, p := range v.pcpuByID {
		if p.ID == pcpuID {
			return p.LapicLDR
		}
	}
	return 0
}

func (v *VM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *VM) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

// BSP returns the bootstrap vCPU (vcpu index 0 by construction).
func (v *VM) BSP() *vcpu.VCPU {
	if len(v.VCPUs) == 0 {
		return nil
	}
	return v.VCPUs[0]
}

// AssignMSI wires component H into the VM: a guest write to a
// pass-through device's MSI capability lands here via the device
// model, which then reprograms the physical device from the returned
// AssignResult.
func (v *VM) AssignMSI(virtBDF uint16, vmsiAddr, vmsiData uint32) (msiremap.AssignResult, error) {
	return msiremap.Assign(v, v.DRHD, virtBDF, vmsiAddr, vmsiData)
}

// RemoveMSIXRemapping wires ptirq_remove_msix_remapping into the VM.
func (v *VM) RemoveMSIXRemapping(virtBDF uint16, vectorCount int) error {
	return msiremap.RemoveMSIXRemapping(v.DRHD, virtBDF, v.VMID(), vectorCount)
}
