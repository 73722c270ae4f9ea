package hypervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/partitionhv/parthv/internal/kvmsys"
	"github.com/partitionhv/parthv/internal/vm"
	"golang.org/x/sys/unix"
)

func requireKVM(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("/dev/kvm not available in this environment")
	}
	fd, err := kvmsys.OpenKVM()
	if err != nil {
		t.Skipf("KVM present but unusable: %v", err)
	}
	unix.Close(fd)
}

const sampleBoard = `
num_drhds: 1
vms:
  - id: 0
    name: service-vm
    pcpu_mask: 0x1
    memory:
      start_hpa: 0x100000000
      size: 4194304
    kernel:
      type: zephyr
      mod_tag: "Zephyr:"
      load_addr: 0x1000
  - id: 1
    name: rt-vm
    pcpu_mask: 0x2
    memory:
      start_hpa: 0x200000000
      size: 4194304
    kernel:
      type: zephyr
      mod_tag: "Zephyr:"
      load_addr: 0x1000
`

func writeSampleBoard(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "board.yaml")
	if err := os.WriteFile(path, []byte(sampleBoard), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestNewPreparesEveryConfiguredVM(t *testing.T) {
	requireKVM(t)
	path := writeSampleBoard(t)

	h, err := New(path, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(h.PCPUs) != 2 {
		t.Fatalf("expected 2 pcpus bound across both vms, got %d", len(h.PCPUs))
	}
	if _, ok := h.VM(0); !ok {
		t.Fatalf("expected vm 0 to be prepared")
	}
	if _, ok := h.VM(1); !ok {
		t.Fatalf("expected vm 1 to be prepared")
	}
	if _, ok := h.VM(99); ok {
		t.Fatalf("expected vm 99 to be absent")
	}
	if h.IOAPIC.NrGSI() != 24 {
		t.Fatalf("expected the default ioapic unit to expose 24 GSIs, got %d", h.IOAPIC.NrGSI())
	}
}

func TestStartAllStartsEveryVM(t *testing.T) {
	requireKVM(t)
	path := writeSampleBoard(t)

	h, err := New(path, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.StartAll()

	v, _ := h.VM(0)
	if v.State() != vm.StateStarted {
		t.Fatalf("expected vm 0 to be started, got state %v", v.State())
	}
}

func TestNewRejectsMissingBoardFile(t *testing.T) {
	requireKVM(t)
	if _, err := New("/nonexistent/board.yaml", false); err == nil {
		t.Fatalf("expected a missing board file to error")
	}
}
