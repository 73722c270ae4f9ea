// Package ept implements component J: guest-physical-address memory
// regions and their reconciliation onto KVM_SET_USER_MEMORY_REGION
// memslots. A hardware EPT/NPT table is programmed and walked by the
// kernel's real MMU notifier machinery once a memslot exists; this
// package's job is deciding what memslots should exist and at what
// permission, and answering the "what does the fault address fall
// inside" question an EPT-violation handler needs — the Go-idiomatic
// analogue of original_source/hypervisor/arch/x86/ept.c's add_mr /
// modify_mr / del_mr / walk_ept_table, reconciled against the
// in-process acceleration substrate instead of raw page tables.
package ept

import (
	"fmt"
	"sort"
	"sync"

	"github.com/partitionhv/parthv/internal/hverr"
	"github.com/partitionhv/parthv/internal/kvmsys"
)

// Permission bits, matching EPT's R/W/X leaf bits.
const (
	PermR uint8 = 1 << 0
	PermW uint8 = 1 << 1
	PermX uint8 = 1 << 2
	PermRWX = PermR | PermW | PermX
)

// Region is one mapped guest-physical range, backed by one memslot.
type Region struct {
	GPA    uint64
	HVA    uint64
	Length uint64
	Perm   uint8
	Slot   uint32
}

func (r Region) end() uint64 { return r.GPA + r.Length }

func (r Region) contains(gpa uint64) bool { return gpa >= r.GPA && gpa < r.end() }

// Table owns one VM's guest-physical memory map and its memslot
// bookkeeping (vm->arch_vm.ept aggregate in the original).
type Table struct {
	mu       sync.Mutex
	vmFD     int
	regions  []Region // sorted by GPA, pairwise disjoint
	nextSlot uint32
}

// NewTable binds a memory table to its VM's KVM file descriptor.
func NewTable(vmFD int) *Table {
	return &Table{vmFD: vmFD}
}

func permToFlags(perm uint8) uint32 {
	if perm&PermW == 0 {
		return kvmsys.MemReadonly
	}
	return 0
}

// AddMR installs a new region, reconciling it onto a fresh memslot
// (ept_add_mr). The range must not overlap any existing region.
func (t *Table) AddMR(gpa, hva, length uint64, perm uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.regions {
		if gpa < r.end() && r.GPA < gpa+length {
			return hverr.New(hverr.ConfigError, "ept_add_mr", fmt.Errorf("gpa range [%#x,%#x) overlaps existing region at %#x", gpa, gpa+length, r.GPA))
		}
	}

	slot := t.nextSlot
	t.nextSlot++
	if err := kvmsys.SetUserMemoryRegion(t.vmFD, kvmsys.UserspaceMemoryRegion{
		Slot:          slot,
		Flags:         permToFlags(perm),
		GuestPhysAddr: gpa,
		MemorySize:    length,
		UserspaceAddr: hva,
	}); err != nil {
		t.nextSlot--
		return err
	}

	t.regions = append(t.regions, Region{GPA: gpa, HVA: hva, Length: length, Perm: perm, Slot: slot})
	sort.Slice(t.regions, func(i, j int) bool { return t.regions[i].GPA < t.regions[j].GPA })
	return nil
}

// DelMR removes the region starting at gpa (ept_del_mr), by replaying
// its memslot with MemorySize=0 — the documented way to retire a KVM
// memslot without reusing its slot number for an unrelated range.
func (t *Table) DelMR(gpa uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexOf(gpa)
	if idx < 0 {
		return hverr.New(hverr.ConfigError, "ept_del_mr", fmt.Errorf("no region based at %#x", gpa))
	}
	r := t.regions[idx]
	if err := kvmsys.SetUserMemoryRegion(t.vmFD, kvmsys.UserspaceMemoryRegion{
		Slot:          r.Slot,
		GuestPhysAddr: r.GPA,
		MemorySize:    0,
		UserspaceAddr: r.HVA,
	}); err != nil {
		return err
	}
	t.regions = append(t.regions[:idx], t.regions[idx+1:]...)
	return nil
}

// ModifyMR changes the permission of [gpa, gpa+length) (ept_modify_mr).
// When the target range is a strict sub-range of an existing region —
// the "2M/1G boundary split" case — the region is split into up to
// three memslots (before/target/after) so only the target sub-range's
// permission changes; an adjacent split that exactly reproduces a
// neighbor's permission is merged back into one region.
func (t *Table) ModifyMR(gpa, length uint64, perm uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexOfContaining(gpa)
	if idx < 0 {
		return hverr.New(hverr.ConfigError, "ept_modify_mr", fmt.Errorf("no region contains %#x", gpa))
	}
	r := t.regions[idx]
	if gpa+length > r.end() {
		return hverr.New(hverr.ConfigError, "ept_modify_mr", fmt.Errorf("range [%#x,%#x) crosses region boundary", gpa, gpa+length))
	}

	if gpa == r.GPA && length == r.Length {
		if err := t.rewriteSlot(r.Slot, r.GPA, r.HVA, r.Length, perm); err != nil {
			return err
		}
		t.regions[idx].Perm = perm
		return t.mergeAdjacentLocked(idx)
	}

	// Split: retire r's slot, install up to three new ones.
	if err := t.retireSlotLocked(r.Slot, r.GPA, r.HVA); err != nil {
		return err
	}
	t.regions = append(t.regions[:idx], t.regions[idx+1:]...)

	var fresh []Region
	if gpa > r.GPA {
		before := Region{GPA: r.GPA, HVA: r.HVA, Length: gpa - r.GPA, Perm: r.Perm}
		if err := t.installLocked(&before); err != nil {
			return err
		}
		fresh = append(fresh, before)
	}
	mid := Region{GPA: gpa, HVA: r.HVA + (gpa - r.GPA), Length: length, Perm: perm}
	if err := t.installLocked(&mid); err != nil {
		return err
	}
	fresh = append(fresh, mid)
	if gpa+length < r.end() {
		after := Region{GPA: gpa + length, HVA: r.HVA + (gpa + length - r.GPA), Length: r.end() - (gpa + length), Perm: r.Perm}
		if err := t.installLocked(&after); err != nil {
			return err
		}
		fresh = append(fresh, after)
	}

	t.regions = append(t.regions, fresh...)
	sort.Slice(t.regions, func(i, j int) bool { return t.regions[i].GPA < t.regions[j].GPA })
	return t.mergeAllLocked()
}

func (t *Table) installLocked(r *Region) error {
	slot := t.nextSlot
	t.nextSlot++
	if err := kvmsys.SetUserMemoryRegion(t.vmFD, kvmsys.UserspaceMemoryRegion{
		Slot:          slot,
		Flags:         permToFlags(r.Perm),
		GuestPhysAddr: r.GPA,
		MemorySize:    r.Length,
		UserspaceAddr: r.HVA,
	}); err != nil {
		t.nextSlot--
		return err
	}
	r.Slot = slot
	return nil
}

func (t *Table) rewriteSlot(slot uint32, gpa, hva, length uint64, perm uint8) error {
	return kvmsys.SetUserMemoryRegion(t.vmFD, kvmsys.UserspaceMemoryRegion{
		Slot:          slot,
		Flags:         permToFlags(perm),
		GuestPhysAddr: gpa,
		MemorySize:    length,
		UserspaceAddr: hva,
	})
}

func (t *Table) retireSlotLocked(slot uint32, gpa, hva uint64) error {
	return kvmsys.SetUserMemoryRegion(t.vmFD, kvmsys.UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    0,
		UserspaceAddr: hva,
	})
}

// mergeAdjacentLocked merges regions[idx] with its neighbors if their
// permission and contiguity now match, collapsing a prior split back
// into one memslot.
func (t *Table) mergeAdjacentLocked(idx int) error {
	return t.mergeAllLocked()
}

func (t *Table) mergeAllLocked() error {
	for i := 0; i+1 < len(t.regions); {
		a, b := t.regions[i], t.regions[i+1]
		if a.end() == b.GPA && a.Perm == b.Perm && a.HVA+a.Length == b.HVA {
			if err := t.retireSlotLocked(b.Slot, b.GPA, b.HVA); err != nil {
				return err
			}
			if err := t.retireSlotLocked(a.Slot, a.GPA, a.HVA); err != nil {
				return err
			}
			merged := Region{GPA: a.GPA, HVA: a.HVA, Length: a.Length + b.Length, Perm: a.Perm}
			if err := t.installLocked(&merged); err != nil {
				return err
			}
			t.regions[i] = merged
			t.regions = append(t.regions[:i+1], t.regions[i+2:]...)
			continue
		}
		i++
	}
	return nil
}

func (t *Table) indexOf(gpa uint64) int {
	for i, r := range t.regions {
		if r.GPA == gpa {
			return i
		}
	}
	return -1
}

func (t *Table) indexOfContaining(gpa uint64) int {
	for i, r := range t.regions {
		if r.contains(gpa) {
			return i
		}
	}
	return -1
}

// WalkEPTTable finds the region containing gpa, if any
// (walk_ept_table); the answer an EPT-violation handler needs before
// deciding fault disposition.
func (t *Table) WalkEPTTable(gpa uint64) (Region, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.indexOfContaining(gpa)
	if idx < 0 {
		return Region{}, false
	}
	return t.regions[idx], true
}

// FlushLeafPage invalidates any cached translation for gpa
// (flush_leaf_page). A no-op in this design: KVM's own MMU notifier
// chain invalidates shadow/EPT entries on memslot changes, so there is
// no separate cache this process can address directly; kept as an
// explicit call site so the reconciliation sequence reads the same as
// the original.
func (t *Table) FlushLeafPage(gpa uint64) {}

// Violation is the decision an EPT-violation vmexit handler applies,
// per §4.J / §9's resolved Open Question: an instruction-fetch
// violation against a mapped-but-non-executable region extends the
// region's X permission and retains RIP (the guest is allowed to
// retry); any other violation is injected as a #PF.
type Violation struct {
	ExtendExec bool
	InjectPF   bool
}

// HandleEPTViolation classifies a fault at gpa given whether it was an
// instruction fetch.
func (t *Table) HandleEPTViolation(gpa uint64, instrFetch bool) Violation {
	r, ok := t.WalkEPTTable(gpa)
	if ok && instrFetch && r.Perm&PermX == 0 {
		_ = t.ModifyMR(r.GPA, r.Length, r.Perm|PermX)
		return Violation{ExtendExec: true}
	}
	return Violation{InjectPF: true}
}

// Regions returns a snapshot of the current region list, for tests and
// diagnostics.
func (t *Table) Regions() []Region {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Region, len(t.regions))
	copy(out, t.regions)
	return out
}
