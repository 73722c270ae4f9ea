package board

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/partitionhv/parthv/internal/vmconfig"
)

const sampleYAML = `
num_drhds: 1
vms:
  - id: 0
    name: service-vm
    pcpu_mask: 0x1
    memory:
      start_hpa: 0x100000000
      size: 268435456
    kernel:
      type: zephyr
      mod_tag: "Zephyr:"
      load_addr: 0x1000
  - id: 1
    name: rt-vm
    pcpu_mask: 0x2
    memory:
      start_hpa: 0x200000000
      size: 134217728
    kernel:
      type: bzimage
      mod_tag: "Linux:"
      load_addr: 0x100000
    pci_devices:
      - virt_bdf: 0x0800
        phys_bdf: 0x1800
        emulated_type: "none"
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "board.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadParsesVMsAndPCIDevices(t *testing.T) {
	path := writeSample(t)
	table, numDRHDs, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if numDRHDs != 1 {
		t.Fatalf("expected 1 drhd, got %d", numDRHDs)
	}
	all := table.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 vms, got %d", len(all))
	}

	rt, err := table.Get(1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if rt.Name != "rt-vm" || rt.KernelType != vmconfig.BZImage {
		t.Fatalf("unexpected rt-vm config: %+v", rt)
	}
	if len(rt.PCIDevices) != 1 || rt.PCIDevices[0].VirtBDF != 0x0800 {
		t.Fatalf("expected 1 pci device with virt_bdf 0x0800, got %+v", rt.PCIDevices)
	}
}

func TestLoadRejectsUnknownKernelType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	bad := "vms:\n  - id: 0\n    kernel:\n      type: dos\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, _, err := Load(path); err == nil {
		t.Fatalf("expected an unknown kernel type to be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, _, err := Load("/nonexistent/board.yaml"); err == nil {
		t.Fatalf("expected a missing board file to error")
	}
}
