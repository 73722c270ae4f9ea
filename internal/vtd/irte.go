// Package vtd implements component F: the VT-d IRTE allocator. Index
// assignment is partitioned by the caller (§3/§4.H), so this package
// owns no internal free list — it is purely the per-DRHD 256-entry
// table plus assign/free.
package vtd

import (
	"fmt"
	"sync"

	"github.com/partitionhv/parthv/internal/hverr"
)

// NumIRTEEntries is the fixed per-DRHD IRTE array size (an 8-bit
// index space).
const NumIRTEEntries = 256

// IRTE is the remappable-format entry this design needs: vector,
// delivery mode, destination mode (forced logical per §4.H), RH, and
// a logical destination mask.
type IRTE struct {
	Present      bool
	Vector       uint8
	DeliveryMode uint8 // 3 bits: FIXED=0, LOWPRI=1
	DestLogical  bool  // dest_mode; this design always sets it true
	RH           bool
	Dest         uint32 // logical destination mask
}

// DRHD is one DMA Remapping Hardware unit: an IRTE table plus its
// identity.
type DRHD struct {
	ID    int
	mu    sync.Mutex
	table [NumIRTEEntries]IRTE
}

// NewDRHD constructs an empty DRHD with the given platform id.
func NewDRHD(id int) *DRHD { return &DRHD{ID: id} }

// AssignIRTE writes the 128-bit-equivalent IRTE at index, the
// dmar_assign_irte contract. index must be in [0, 256).
func (d *DRHD) AssignIRTE(index int, e IRTE) error {
	if index < 0 || index >= NumIRTEEntries {
		return hverr.New(hverr.ResourceExhausted, "dmar_assign_irte", fmt.Errorf("index %d out of range", index))
	}
	e.Present = true
	d.mu.Lock()
	d.table[index] = e
	d.mu.Unlock()
	return nil
}

// FreeIRTE clears the present bit at index and "flushes the IRTE
// cache" — a no-op in this design, since there is no physical IOMMU
// cache to invalidate from a userspace process; documented in
// DESIGN.md.
func (d *DRHD) FreeIRTE(index int) error {
	if index < 0 || index >= NumIRTEEntries {
		return hverr.New(hverr.ResourceExhausted, "dmar_free_irte", fmt.Errorf("index %d out of range", index))
	}
	d.mu.Lock()
	d.table[index] = IRTE{}
	d.mu.Unlock()
	return nil
}

// Lookup returns the entry at index and whether it is present.
func (d *DRHD) Lookup(index int) (IRTE, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.table[index]
	return e, e.Present
}

// Set is the fixed collection of DRHD units on this platform (the
// board-supplied DRHD table, external per §1's Non-goals). A
// partitioning hypervisor with at most a handful of root ports
// typically exposes one DRHD per segment; this design routes every
// assignment through DRHDs[0] (Default), however many DRHDs the set
// holds, rather than building a segment/BDF-to-DRHD topology resolver.
type Set struct {
	DRHDs []*DRHD
}

// NewSet constructs a DRHD set of the given count.
func NewSet(n int) *Set {
	s := &Set{DRHDs: make([]*DRHD, n)}
	for i := range s.DRHDs {
		s.DRHDs[i] = NewDRHD(i)
	}
	return s
}

// Default returns the DRHD assignment targets when none is specified.
func (s *Set) Default() *DRHD { return s.DRHDs[0] }
