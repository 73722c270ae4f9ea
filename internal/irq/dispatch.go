// Package irq implements component E: the host IRQ table, the two
// reserved notification vectors, and the SMP-call mechanism, grounded
// on original_source/hypervisor/arch/x86/notify.c.
package irq

import (
	"fmt"
	"sync"

	"github.com/partitionhv/parthv/internal/bits"
	"github.com/partitionhv/parthv/internal/hverr"
	"github.com/partitionhv/parthv/internal/pcpu"
)

// Reserved host vectors. Real values are irrelevant in a userspace
// process (there is no IDT to install them into); they exist so
// ptirq and the notification path have a stable identifier to log and
// assert on.
const (
	NotifyIRQ           uint32 = 0xf3
	PostedIntrNotifyIRQ uint32 = 0xf2
)

// Flags on a requested IRQ.
type Flags uint32

const (
	// FlagPT marks the IRQ as owned by a pass-through ptirq entry;
	// its handler context is the ptirq entry itself.
	FlagPT Flags = 1 << 0
)

// Handler is invoked with the data pointer supplied at request time.
type Handler func(data any)

type entry struct {
	fn    Handler
	data  any
	flags Flags
}

// Table is the host IRQ table: request_irq/free_irq plus dispatch.
type Table struct {
	mu      sync.Mutex
	entries map[uint32]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[uint32]*entry)}
}

// Request reserves a host vector for irq. Re-requesting an IRQ that is
// already owned is a ResourceExhausted error — the pool here is "the
// irq number space," which is finite the same way the real IDT is.
func (t *Table) Request(irqNum uint32, fn Handler, data any, flags Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[irqNum]; exists {
		return hverr.New(hverr.ResourceExhausted, "request_irq", fmt.Errorf("irq %d already owned", irqNum))
	}
	t.entries[irqNum] = &entry{fn: fn, data: data, flags: flags}
	return nil
}

// Free reverses Request; freeing an unowned IRQ is a no-op.
func (t *Table) Free(irqNum uint32) {
	t.mu.Lock()
	delete(t.entries, irqNum)
	t.mu.Unlock()
}

// Dispatch invokes the handler registered for irqNum, if any. This
// models "in interrupt context, invoke the registered function" for
// both NOTIFY_IRQ delivery and pass-through IRQ delivery.
func (t *Table) Dispatch(irqNum uint32) {
	t.mu.Lock()
	e := t.entries[irqNum]
	t.mu.Unlock()
	if e != nil {
		e.fn(e.data)
	}
}

// Owner reports whether irqNum is currently owned and, if so, its
// flags — used by ptirq to confirm PT ownership before deactivation.
func (t *Table) Owner(irqNum uint32) (Flags, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[irqNum]
	if !ok {
		return 0, false
	}
	return e.flags, true
}

// Dispatcher is the SMP-call mechanism: NOTIFY_IRQ's kick handler,
// reproduced from notify.c's smp_call_info/smp_call_mask protocol.
type Dispatcher struct {
	mu       sync.Mutex
	callInfo map[int]smpCall
	callMask bits.Word
	pcpus    map[int]*pcpu.PCPU
}

type smpCall struct {
	fn   func(data any)
	data any
}

// NewDispatcher builds a dispatcher over the given pCPU set, keyed by
// pCPU id.
func NewDispatcher(pcpus map[int]*pcpu.PCPU) *Dispatcher {
	return &Dispatcher{callInfo: make(map[int]smpCall), pcpus: pcpus}
}

// SMPCall is notify.c's "smp_call_function" step performed by the
// calling pCPU: set smp_call_info[target], set the target's bit in
// smp_call_mask, then send NOTIFY_IRQ to the target. It does not wait
// for the target to run fn — that happens when the target's
// KickNotification drains its bit.
func (d *Dispatcher) SMPCall(target int, fn func(data any), data any) error {
	tp, ok := d.pcpus[target]
	if !ok {
		return hverr.New(hverr.ConfigError, "smp_call", fmt.Errorf("no such pcpu %d", target))
	}
	d.mu.Lock()
	d.callInfo[target] = smpCall{fn: fn, data: data}
	d.mu.Unlock()
	d.callMask.SetBit(uint(target))
	tp.Kick()
	return nil
}

// KickNotification is NOTIFY_IRQ's handler body, run on the target
// pCPU: if its bit is set in smp_call_mask, invoke the queued
// function with its data and clear the bit. Matches S6's "runs F(D)
// exactly once, B's bit in smp_call_mask is cleared."
func (d *Dispatcher) KickNotification(self int) {
	if !d.callMask.Test(uint(self)) {
		return
	}
	d.mu.Lock()
	call, ok := d.callInfo[self]
	delete(d.callInfo, self)
	d.mu.Unlock()
	d.callMask.ClearBit(uint(self))
	if ok {
		call.fn(call.data)
	}
}

// PendingSMPCall reports whether self has a queued SMP call, for
// tests exercising S6 without racing the goroutine that would
// normally drain it.
func (d *Dispatcher) PendingSMPCall(self int) bool {
	return d.callMask.Test(uint(self))
}
