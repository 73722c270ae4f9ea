// Package sched implements component M: the noop scheduler. One
// control block per pCPU; the only state that matters is a single
// slot naming "the vCPU thread that belongs on this pCPU," or empty
// for idle. Reproduced from the reference sched_noop.c semantics:
// init binds the block, pick_next reads the slot, sleep/wake are
// idempotent single-slot operations.
package sched

import "sync"

// ThreadObj is any value identifying a schedulable vCPU thread —
// package vm supplies its vCPU handles here. Comparability (==) is
// required since the noop scheduler identifies "the bound thread" by
// value equality.
type ThreadObj any

// Control is one pCPU's noop scheduler control block.
type Control struct {
	mu    sync.Mutex
	bound ThreadObj // nil means idle
	idle  ThreadObj
}

// Init binds the per-pCPU noop block, recording the idle thread object
// pick_next falls back to when the slot is empty.
func Init(idle ThreadObj) *Control {
	return &Control{idle: idle}
}

// PickNext returns the bound vCPU thread if non-nil, otherwise idle.
func (c *Control) PickNext() ThreadObj {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound != nil {
		return c.bound
	}
	return c.idle
}

// Bind sets the slot to obj unconditionally. Used once at VM
// preparation time to establish the fixed 1:1 pCPU↔vCPU pinning;
// distinct from Wake, which only fills an empty slot.
func (c *Control) Bind(obj ThreadObj) {
	c.mu.Lock()
	c.bound = obj
	c.mu.Unlock()
}

// Sleep clears the slot if it currently holds obj; sleeping a foreign
// vCPU is a no-op, and sleeping the same object twice is idempotent
// (the round-trip law from §8).
func (c *Control) Sleep(obj ThreadObj) {
	c.mu.Lock()
	if c.bound == obj {
		c.bound = nil
	}
	c.mu.Unlock()
}

// Wake sets the slot to obj if it is currently empty; idempotent by
// construction. Waking when a different vCPU is already bound is a
// caller bug (only the 1:1 mapping is supported) and is reported
// rather than silently overwriting the slot, matching the "illegal
// (debug assert)" language in the design.
func (c *Control) Wake(obj ThreadObj) (ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound == nil {
		c.bound = obj
		return true
	}
	return c.bound == obj
}

// Bound reports the currently bound object, or nil if the pCPU is
// idling — used by tests and by invariant checks (§8 property
// 1: current ∈ {idle_of(p), vcpu_of(p)}).
func (c *Control) Bound() ThreadObj {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

// Idle reports this control block's idle thread object.
func (c *Control) Idle() ThreadObj {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}
