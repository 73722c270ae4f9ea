// Package pcpu models component B: per-physical-CPU context fixed at
// boot. A PCPU here is backed by one goroutine locked to one OS thread
// (the userspace analogue of "this state belongs to one physical
// core"); the goroutine loop itself lives in package vm's
// RunPCPULoop, which is the one place that needs to know about both
// scheduling (package sched) and vCPU execution (package vcpu) — pcpu
// stays a leaf package to avoid a dependency cycle between them.
package pcpu

import (
	"sync"

	"github.com/partitionhv/parthv/internal/bits"
)

// BootState is the pCPU's coarse execution state.
type BootState int

const (
	Halt BootState = iota
	Running
)

// pcpu_flag bits.
const (
	FlagShutdownVM uint32 = 1 << 0
	FlagOffline    uint32 = 1 << 1
)

// RemoteJob is a closure dispatched to a pCPU's owning goroutine and a
// channel signaled once it has run — the "remote-run shim" msr_write_
// pcpu and any other single-dispatch SMP call route through.
type RemoteJob struct {
	Fn   func()
	Done chan struct{}
}

// PCPU is the per-physical-CPU context.
type PCPU struct {
	ID       int
	LapicID  uint32
	LapicLDR uint32

	mu    sync.Mutex
	state BootState
	flag  bits.Word

	// ShutdownVMID is the vm_id stashed by triple_fault_shutdown_vm
	// for shutdown_vm_from_idle to observe.
	ShutdownVMID int

	// Notify is the channel NOTIFY_IRQ/POSTED_INTR_NOTIFY_IRQ and vCPU
	// wake signals are delivered on; the owning goroutine's scheduling
	// loop selects on it at its well-defined return-to-scheduler
	// points (component E, §5).
	Notify chan struct{}

	// Remote is where msr_write_pcpu and other single-dispatch SMP
	// calls are queued for this pCPU to execute on its own thread.
	Remote chan RemoteJob

	// EverRunVCPU is a weak, diagnostics-only back-reference to the
	// last vCPU this pCPU entered, named directly from §3.
	EverRunVCPU int
}

// New constructs a pCPU context. The notification channel buffers 4
// kicks; a small buffer is enough since duplicate kicks coalesce into
// "check again," close to the semantics of a real edge-triggered IPI
// vector.
func New(id int, lapicID uint32) *PCPU {
	return &PCPU{
		ID:           id,
		LapicID:      lapicID,
		state:        Halt,
		Notify:       make(chan struct{}, 4),
		Remote:       make(chan RemoteJob, 4),
		ShutdownVMID: -1,
	}
}

func (p *PCPU) State() BootState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PCPU) SetState(s BootState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// SetFlag atomically ORs bits into pcpu_flag, the write side of
// §4.B's "writers set bits via atomic OR."
func (p *PCPU) SetFlag(mask uint32) { p.flag.Set32(mask) }

// ClearFlag atomically clears bits from pcpu_flag.
func (p *PCPU) ClearFlag(mask uint32) { p.flag.Clear32(mask) }

// TestFlag reports whether any bit in mask is set, the read side
// "readers poll it at well-defined points in the VM-exit tail."
func (p *PCPU) TestFlag(mask uint32) bool { return p.flag.Load32()&mask != 0 }

// Kick delivers a non-blocking notification. Up to 4 kicks stay
// pending in Notify; a kick sent while the buffer is full is dropped,
// coalescing with the ones already pending.
func (p *PCPU) Kick() {
	select {
	case p.Notify <- struct{}{}:
	default:
	}
}

// RunRemote queues fn to execute on p's own goroutine and blocks until
// it has run, giving msr_write_pcpu its "synchronous, delivered via a
// remote-run shim" contract. The owning goroutine must be draining p.Remote
// at its scheduling points for this to make progress.
func (p *PCPU) RunRemote(fn func()) {
	done := make(chan struct{})
	p.Remote <- RemoteJob{Fn: fn, Done: done}
	p.Kick()
	<-done
}

// DrainRemote executes any queued remote jobs without blocking. Called
// by the owning goroutine at each scheduling point.
func (p *PCPU) DrainRemote() {
	for {
		select {
		case job := <-p.Remote:
			job.Fn()
			close(job.Done)
		default:
			return
		}
	}
}
