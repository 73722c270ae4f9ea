// Package ptirq implements component G: the fixed pool of pass-through
// interrupt remapping entries, their allocate/activate/deactivate/
// release state machine, and the VM-teardown sweep, grounded on
// original_source/hypervisor/common/ptdev.c.
package ptirq

import (
	"sync"

	"github.com/partitionhv/parthv/internal/bits"
	"github.com/partitionhv/parthv/internal/hverr"
	"github.com/partitionhv/parthv/internal/irq"
)

// MaxEntries is the fixed pool size (MAX_PT_IRQ_ENTRIES).
const MaxEntries = 256

// IntrType is the interrupt source type; only MSI is in scope.
type IntrType int

const MSI IntrType = 0

// VMRef identifies the owning VM without creating an import cycle
// with package vm: anything with a stable identity can own a ptirq
// entry.
type VMRef interface {
	VMID() int
}

// MSIInfo carries the guest/physical MSI address+data pair an entry
// was built from.
type MSIInfo struct {
	VAddr, VData uint32
	PAddr, PData uint32
}

// Entry is one pool slot.
type Entry struct {
	EntryID       int
	VM            VMRef
	IntrType      IntrType
	PhysSID       int
	VirtSID       int
	active        bits.Word
	AllocatedPIRQ uint32
	MSI           MSIInfo
	ReleaseCB     func()
}

// Active reports the entry's atomic active flag.
func (e *Entry) Active() bool { return e.active.Test(0) }

// Pool is the fixed-size ptirq table plus its global lock, matching
// "allocation uses ffz64_ex on a bitmap of entry IDs; contention is
// broken with a per-word test-and-set CAS."
type Pool struct {
	lock    sync.Mutex // ptdev_lock: serializes the teardown sweep against alloc/release
	bitmap  *bits.Bitmap
	entries [MaxEntries]*Entry
	irqs    *irq.Table
}

// NewPool constructs an empty pool bound to the host IRQ table it will
// request/free vectors from.
func NewPool(irqs *irq.Table) *Pool {
	return &Pool{bitmap: bits.NewBitmap(MaxEntries), irqs: irqs}
}

// AllocEntry returns a zeroed entry with vm/intr_type set and
// active=0, claiming a free slot from the bitmap (ptirq_alloc_entry).
func (p *Pool) AllocEntry(vm VMRef, intrType IntrType) (*Entry, error) {
	id := p.bitmap.Claim()
	if id < 0 {
		return nil, hverr.New(hverr.ResourceExhausted, "ptirq_alloc_entry", nil)
	}
	e := &Entry{EntryID: id, VM: vm, IntrType: intrType}
	p.lock.Lock()
	p.entries[id] = e
	p.lock.Unlock()
	return e, nil
}

// ActivateEntry requests the host IRQ, stores the allocated pirq, and
// sets active atomically (ptirq_activate_entry).
func (p *Pool) ActivateEntry(e *Entry, physIRQ uint32, fn irq.Handler) error {
	if err := p.irqs.Request(physIRQ, fn, e, irq.FlagPT); err != nil {
		return err
	}
	e.AllocatedPIRQ = physIRQ
	e.active.SetBit(0)
	return nil
}

// DeactivateEntry clears active and frees the host IRQ but does not
// free the pool slot — release is an explicit step.
func (p *Pool) DeactivateEntry(e *Entry) {
	e.active.ClearBit(0)
	p.irqs.Free(e.AllocatedPIRQ)
}

// ReleaseEntry returns the slot to the free pool. Callers must
// deactivate first; releasing an active entry deactivates it too, as
// a convenience the teardown sweep relies on.
func (p *Pool) ReleaseEntry(e *Entry) {
	if e.Active() {
		p.DeactivateEntry(e)
	}
	p.lock.Lock()
	p.entries[e.EntryID] = nil
	p.lock.Unlock()
	p.bitmap.Release(e.EntryID)
}

// ReleaseAllForVM is ptdev_release_all_entries(vm): the VM-teardown
// sweep. For every entry whose vm==vm and active is set, under the
// pool lock, invoke release_cb (if any), deactivate, and release.
func (p *Pool) ReleaseAllForVM(vm VMRef) {
	p.lock.Lock()
	var victims []*Entry
	for _, e := range p.entries {
		if e != nil && e.VM == vm && e.Active() {
			victims = append(victims, e)
		}
	}
	defer p.lock.Unlock()

	for _, e := range victims {
		if e.ReleaseCB != nil {
			e.ReleaseCB()
		}
		p.DeactivateEntry(e)
		p.entries[e.EntryID] = nil
		p.bitmap.Release(e.EntryID)
	}
}

// Get returns the entry at id, if any — used by tests asserting
// invariant 3 (active entries have a valid vm/pirq and a set bitmap
// bit).
func (p *Pool) Get(id int) *Entry {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.entries[id]
}

// BitmapTest exposes the allocation bitmap's bit state for testing
// invariant 3's "the bit for entry_id is set in the entry bitmap."
func (p *Pool) BitmapTest(id int) bool { return p.bitmap.Test(id) }
