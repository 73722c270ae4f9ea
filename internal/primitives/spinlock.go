// Package primitives rounds out component A: the MSR/CPUID contracts
// and the spinlock-with-IRQ-save abstraction every shared-data path in
// this design uses.
package primitives

import "sync"

// SavedFlags is the token returned by IRQSave and consumed by
// IRQRestore. There is no real interrupt flag to save in a userspace
// process; this preserves the acquire-returns-a-token / release-
// consumes-the-token call shape of a scoped guard that disables
// interrupts on acquire and restores them on drop.
type SavedFlags struct {
	held bool
}

// Spinlock is obtain/release plus the irqsave/irqrestore pair. All
// shared-data paths in this design use the irqsave form unless stated
// otherwise.
type Spinlock struct {
	mu sync.Mutex
}

// Obtain acquires the lock without saving any flag state.
func (s *Spinlock) Obtain() { s.mu.Lock() }

// Release releases a lock acquired with Obtain.
func (s *Spinlock) Release() { s.mu.Unlock() }

// IRQSave acquires the lock and returns a token recording that it was
// acquired; symmetric with IRQRestore so call sites read the same way
// a scoped disable/restore guard would.
func (s *Spinlock) IRQSave() SavedFlags {
	s.mu.Lock()
	return SavedFlags{held: true}
}

// IRQRestore releases a lock acquired with IRQSave. Calling it with a
// zero-value SavedFlags (never obtained from IRQSave) is a caller bug.
func (s *Spinlock) IRQRestore(f SavedFlags) {
	if !f.held {
		panic("primitives: IRQRestore of an unheld spinlock token")
	}
	s.mu.Unlock()
}
