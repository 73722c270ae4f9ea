// Package vmconfig implements component I: the static VM config table
// and the per-VM e820 builder. The table itself is populated once at
// process start from the board YAML file (package board); this
// package only owns the lookup/immutability contract and the e820
// template algorithm.
package vmconfig

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/partitionhv/parthv/internal/hverr"
)

// KernelType selects the boot-image format (§6).
type KernelType int

const (
	Zephyr KernelType = iota
	BZImage
)

// PCIDevice is a pass-through PCI function descriptor.
type PCIDevice struct {
	VirtBDF      uint16
	PhysBDF      uint16
	EmulatedType string
}

// Config is one VM's static configuration — a borrow into this is
// what get_vm_config hands out; callers must treat it as immutable.
type Config struct {
	VMID           int
	UUID           uuid.UUID
	Name           string
	PCPUMask       uint64
	StartHPA       uint64
	MemSize        uint64
	KernelType     KernelType
	KernelModTag   string
	KernelLoadAddr uint64
	PCIDevices     []PCIDevice
}

// MaxVMs bounds the static table. The IRTE index-partitioning scheme
// in component H (vm_id << 6) only remains collision-free for up to 4
// VMs (§9 Open Questions); this design turns that bound into
// a hard ConfigError rather than a silent wraparound.
const MaxVMs = 4

// Table is the single source of truth for every VM's static
// configuration (vm_configs[CONFIG_MAX_VM_NUM]).
type Table struct {
	configs []Config
}

// NewTable validates and builds the static table. Validation enforces
// the pairwise-disjoint invariants from §3.
func NewTable(configs []Config) (*Table, error) {
	if len(configs) > MaxVMs {
		return nil, hverr.New(hverr.ConfigError, "vm_configs",
			fmt.Errorf("%d VMs exceeds the %d-VM IRTE partitioning limit", len(configs), MaxVMs))
	}
	for i, a := range configs {
		if a.MemSize == 0 {
			return nil, hverr.New(hverr.ConfigError, "vm_configs", fmt.Errorf("vm %d: zero memory size", a.VMID))
		}
		for j, b := range configs {
			if i == j {
				continue
			}
			if rangesOverlap(a.StartHPA, a.MemSize, b.StartHPA, b.MemSize) {
				return nil, hverr.New(hverr.ConfigError, "vm_configs",
					fmt.Errorf("vm %d and vm %d have overlapping HPA ranges", a.VMID, b.VMID))
			}
			if a.PCPUMask&b.PCPUMask != 0 {
				return nil, hverr.New(hverr.ConfigError, "vm_configs",
					fmt.Errorf("vm %d and vm %d have overlapping pCPU affinity", a.VMID, b.VMID))
			}
		}
	}
	return &Table{configs: configs}, nil
}

func rangesOverlap(aStart, aLen, bStart, bLen uint64) bool {
	aEnd, bEnd := aStart+aLen, bStart+bLen
	return aStart < bEnd && bStart < aEnd
}

// Get returns a copy of the configuration for vmID (get_vm_config).
// Returning a value, not a pointer into the table, is what makes
// "callers must treat the returned object as immutable" a property
// the type system enforces rather than a convention.
func (t *Table) Get(vmID int) (Config, error) {
	for _, c := range t.configs {
		if c.VMID == vmID {
			return c, nil
		}
	}
	return Config{}, hverr.New(hverr.ConfigError, "get_vm_config", fmt.Errorf("no such vm_id %d", vmID))
}

// All returns a copy of every configured VM, in table order.
func (t *Table) All() []Config {
	out := make([]Config, len(t.configs))
	copy(out, t.configs)
	return out
}
