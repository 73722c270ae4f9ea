package vmconfig

import "github.com/partitionhv/parthv/internal/hverr"

// E820 entry types.
const (
	E820TypeRAM      uint32 = 1
	E820TypeReserved uint32 = 2
)

// MaxE820Entries bounds the per-VM e820 table (E820_MAX_ENTRIES); the
// fixed 3-entry template never approaches it, but the type mirrors the
// spec's [CONFIG_MAX_VM_NUM][E820_MAX_ENTRIES] array shape.
const MaxE820Entries = 32

const (
	lowMemLimit      = 0xF0000
	reservedWindow   = 0x10000
	highMemBase      = 0x100000
	oneMiB           = 0x100000
)

// E820Entry is one memory-map entry in the guest-visible table.
type E820Entry struct {
	Base   uint64
	Length uint64
	Type   uint32
}

// CreatePrelaunchedVMe820 builds the fixed 3-entry template from
// §4.I: below-1M usable, an ACPI-reserved window, then
// above-1M usable sized from the VM's configured memory. Grounded on
// original_source/hypervisor/arch/x86/guest/ve820.c's
// create_prelaunched_vm_e820().
func CreatePrelaunchedVMe820(memSize uint64) ([]E820Entry, error) {
	if memSize <= oneMiB {
		return nil, hverr.New(hverr.ConfigError, "create_prelaunched_vm_e820", nil)
	}
	return []E820Entry{
		{Base: 0, Length: lowMemLimit, Type: E820TypeRAM},
		{Base: lowMemLimit, Length: reservedWindow, Type: E820TypeReserved},
		{Base: highMemBase, Length: memSize - oneMiB, Type: E820TypeRAM},
	}, nil
}
