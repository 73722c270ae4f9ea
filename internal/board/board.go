// Package board loads the static platform description: VM count,
// pCPU affinity masks, DRHD table, and PCI pass-through device list.
// This schema is new plumbing this design treats as an external
// collaborator (SPEC_FULL.md §6); gopkg.in/yaml.v3 is the format,
// grounded on the manifest-loading style of the pack's other YAML
// consumers.
package board

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/partitionhv/parthv/internal/hverr"
	"github.com/partitionhv/parthv/internal/vmconfig"
	"gopkg.in/yaml.v3"
)

// Config is the decoded board file: every VM's static configuration
// plus the platform's VT-d topology.
type Config struct {
	NumDRHDs int      `yaml:"num_drhds"`
	VMs      []yamlVM `yaml:"vms"`
}

type yamlVM struct {
	ID       int          `yaml:"id"`
	Name     string       `yaml:"name"`
	PCPUMask uint64       `yaml:"pcpu_mask"`
	Memory   yamlMemory   `yaml:"memory"`
	Kernel   yamlKernel   `yaml:"kernel"`
	PCI      []yamlPCIDev `yaml:"pci_devices"`
}

type yamlMemory struct {
	StartHPA uint64 `yaml:"start_hpa"`
	Size     uint64 `yaml:"size"`
}

type yamlKernel struct {
	Type      string `yaml:"type"` // "zephyr" | "bzimage"
	ModTag    string `yaml:"mod_tag"`
	LoadAddr  uint64 `yaml:"load_addr"`
}

type yamlPCIDev struct {
	VirtBDF      uint16 `yaml:"virt_bdf"`
	PhysBDF      uint16 `yaml:"phys_bdf"`
	EmulatedType string `yaml:"emulated_type"`
}

// Load reads and validates a board YAML file, returning a vmconfig
// table ready for the hypervisor root to consume.
func Load(path string) (*vmconfig.Table, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, hverr.New(hverr.ConfigError, "board.Load", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, 0, hverr.New(hverr.ConfigError, "board.Load", err)
	}

	configs := make([]vmconfig.Config, 0, len(cfg.VMs))
	for _, v := range cfg.VMs {
		kt, err := parseKernelType(v.Kernel.Type)
		if err != nil {
			return nil, 0, hverr.New(hverr.ConfigError, "board.Load", fmt.Errorf("vm %q: %w", v.Name, err))
		}
		pci := make([]vmconfig.PCIDevice, 0, len(v.PCI))
		for _, p := range v.PCI {
			pci = append(pci, vmconfig.PCIDevice{VirtBDF: p.VirtBDF, PhysBDF: p.PhysBDF, EmulatedType: p.EmulatedType})
		}
		configs = append(configs, vmconfig.Config{
			VMID:           v.ID,
			UUID:           uuid.New(),
			Name:           v.Name,
			PCPUMask:       v.PCPUMask,
			StartHPA:       v.Memory.StartHPA,
			MemSize:        v.Memory.Size,
			KernelType:     kt,
			KernelModTag:   v.Kernel.ModTag,
			KernelLoadAddr: v.Kernel.LoadAddr,
			PCIDevices:     pci,
		})
	}

	table, err := vmconfig.NewTable(configs)
	if err != nil {
		return nil, 0, err
	}
	if cfg.NumDRHDs <= 0 {
		cfg.NumDRHDs = 1
	}
	return table, cfg.NumDRHDs, nil
}

func parseKernelType(s string) (vmconfig.KernelType, error) {
	switch s {
	case "zephyr":
		return vmconfig.Zephyr, nil
	case "bzimage":
		return vmconfig.BZImage, nil
	default:
		return 0, fmt.Errorf("unknown kernel type %q", s)
	}
}
