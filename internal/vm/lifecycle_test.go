package vm

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/partitionhv/parthv/internal/kvmsys"
	"github.com/partitionhv/parthv/internal/pcpu"
	"github.com/partitionhv/parthv/internal/ptirq"
	"github.com/partitionhv/parthv/internal/irq"
	"github.com/partitionhv/parthv/internal/vcpu"
	"github.com/partitionhv/parthv/internal/vmconfig"
	"github.com/partitionhv/parthv/internal/vtd"
)

func requireKVM(t *testing.T) int {
	t.Helper()
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("/dev/kvm not available in this environment")
	}
	fd, err := kvmsys.OpenKVM()
	if err != nil {
		t.Skipf("KVM present but unusable: %v", err)
	}
	return fd
}

// TestPrepareStartPauseShutdown exercises S4/S5-shaped coverage: a
// single-vCPU VM goes CREATED -> STARTED -> PAUSED -> POWERED_OFF, and
// its ptirq entries are swept on shutdown.
func TestPrepareStartPauseShutdown(t *testing.T) {
	kvmFD := requireKVM(t)

	pc := pcpu.New(0, 0)
	cfg := vmconfig.Config{
		VMID:           7,
		UUID:           uuid.New(),
		Name:           "under-test",
		PCPUMask:       1,
		StartHPA:       0,
		MemSize:        4 * 1024 * 1024,
		KernelType:     vmconfig.Zephyr,
		KernelLoadAddr: 0x1000,
	}
	pool := ptirq.NewPool(irq.NewTable())
	drhd := vtd.NewDRHD(0)

	v, err := PrepareVM(cfg, kvmFD, []*pcpu.PCPU{pc}, drhd, pool)
	if err != nil {
		t.Fatalf("PrepareVM: %v", err)
	}
	if v.State() != StateCreated {
		t.Fatalf("expected StateCreated after prepare, got %v", v.State())
	}
	if v.NumVCPUs() != 1 {
		t.Fatalf("expected 1 vcpu, got %d", v.NumVCPUs())
	}

	StartVM(v)
	if v.State() != StateStarted {
		t.Fatalf("expected StateStarted, got %v", v.State())
	}

	PauseVM(v)
	if v.State() != StatePaused {
		t.Fatalf("expected StatePaused, got %v", v.State())
	}

	entry, err := pool.AllocEntry(v, ptirq.MSI)
	if err != nil {
		t.Fatalf("AllocEntry: %v", err)
	}
	if err := pool.ActivateEntry(entry, 99, func(any) {}); err != nil {
		t.Fatalf("ActivateEntry: %v", err)
	}

	ShutdownVM(v)
	if v.State() != StatePoweredOff {
		t.Fatalf("expected StatePoweredOff, got %v", v.State())
	}
	if pool.Get(entry.EntryID) != nil {
		t.Fatalf("expected the VM's ptirq entry to be released on shutdown")
	}
	for i, vc := range v.VCPUs {
		if vc.State() != vcpu.Zombie {
			t.Fatalf("expected vcpu %d to be ZOMBIE after shutdown_vm, got %v", i, vc.State())
		}
	}
	if len(v.EPT.Regions()) != 0 {
		t.Fatalf("expected EPT regions torn down on shutdown")
	}
	if v.GuestMem != nil {
		t.Fatalf("expected guest memory unmapped on shutdown")
	}
}

func TestTripleFaultShutdownStashesVMIDOnBSP(t *testing.T) {
	kvmFD := requireKVM(t)

	pc := pcpu.New(0, 0)
	cfg := vmconfig.Config{
		VMID: 3, UUID: uuid.New(), PCPUMask: 1, MemSize: 4 * 1024 * 1024, KernelLoadAddr: 0x1000,
	}
	pool := ptirq.NewPool(irq.NewTable())
	drhd := vtd.NewDRHD(0)
	v, err := PrepareVM(cfg, kvmFD, []*pcpu.PCPU{pc}, drhd, pool)
	if err != nil {
		t.Fatalf("PrepareVM: %v", err)
	}

	TripleFaultShutdownVM(v, pc)
	if pc.ShutdownVMID != 3 {
		t.Fatalf("expected shutdown_vm_id=3, got %d", pc.ShutdownVMID)
	}
	if !pc.TestFlag(pcpu.FlagShutdownVM) {
		t.Fatalf("expected SHUTDOWN_VM flag set")
	}

	seen := -1
	ShutdownVMFromIdle(pc, func(id int) *VM {
		seen = id
		if id == v.VMID() {
			return v
		}
		return nil
	})
	if seen != 3 {
		t.Fatalf("expected the idle-loop lookup to be called with vm_id 3, got %d", seen)
	}
	if pc.TestFlag(pcpu.FlagShutdownVM) {
		t.Fatalf("expected SHUTDOWN_VM flag cleared after servicing")
	}
	if v.State() != StatePoweredOff {
		t.Fatalf("expected the VM to be powered off after shutdown_vm_from_idle, got %v", v.State())
	}
}
