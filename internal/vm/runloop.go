package vm

import (
	"runtime"

	"github.com/partitionhv/parthv/internal/kvmsys"
	"github.com/partitionhv/parthv/internal/pcpu"
	"github.com/partitionhv/parthv/internal/vcpu"
	"github.com/partitionhv/parthv/internal/vmexit"
)

// RunPCPULoop is the per-pCPU VM-entry/VM-exit cycle: pick the
// scheduler's bound thread, KVM_RUN it, decode the exit, dispatch it,
// and repeat — the userspace analogue of
// original_source/hypervisor/arch/x86/... default_idle/vcpu_thread.
// It locks the calling goroutine to its OS thread for the duration,
// since KVM_RUN must always be issued from the thread that owns the
// vCPU fd, and returns once the vCPU reaches ZOMBIE. idleHook is
// called at every scheduling point where the pCPU finds nothing
// runnable, the idle loop's well-defined point for servicing a
// pending triple-fault shutdown_vm_from_idle request; it may be nil.
func RunPCPULoop(v *VM, vcpuIdx int, idleHook func(*pcpu.PCPU), logf func(format string, args ...any)) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if logf == nil {
		logf = func(string, ...any) {}
	}

	pc := v.pcpuByID[vcpuIdx]
	ctl := v.sched[vcpuIdx]
	vc := v.VCPUs[vcpuIdx]

	for {
		pc.DrainRemote()

		if vc.State() == vcpu.Zombie {
			return
		}
		if ctl.PickNext() != vc {
			if idleHook != nil {
				idleHook(pc)
			}
			<-pc.Notify
			continue
		}

		if err := vc.Run(); err != nil {
			logf("vcpu %d/%d: %v", v.VMID(), vcpuIdx, err)
			return
		}

		reason := vc.ExitReason()
		switch reason {
		case kvmsys.ExitHLT:
			vc.Pause()
			ctl.Sleep(vc)
			continue
		case kvmsys.ExitShutdown, kvmsys.ExitFailEntry:
			if v.Dispatcher.TripleFault != nil {
				v.Dispatcher.TripleFault()
			}
			continue
		}

		info := buildExitInfo(vc, reason)
		if err := v.Dispatcher.Dispatch(dispatchReason(reason), vc, info); err != nil {
			logf("vcpu %d/%d: dispatch(%s): %v", v.VMID(), vcpuIdx, kvmsys.ExitReasonName(reason), err)
		}
	}
}

// dispatchReason maps a real KVM exit reason onto the dispatcher's
// table. Most reasons pass through unchanged; ExitMMIO (a guest access
// to a GPA with no backing memslot) is this design's surface for the
// EPT-violation handler, since plain KVM_RUN never reports a separate
// "EPT violation" exit once a memslot exists for the faulting range.
func dispatchReason(reason uint32) uint32 {
	if reason == kvmsys.ExitMMIO {
		return eptViolationReason
	}
	return reason
}

// eptViolationReason mirrors vmexit's locally-defined exitEPTViolation
// value; duplicated here (rather than exported from vmexit) since only
// this translation needs it and vmexit's reason space is otherwise
// private to its own handler table.
const eptViolationReason uint32 = 104

// buildExitInfo decodes the kvm_run page's per-reason union into the
// fields vmexit.Dispatcher needs.
func buildExitInfo(vc *vcpu.VCPU, reason uint32) vmexit.Info {
	switch reason {
	case kvmsys.ExitIO:
		io := vc.IOExit()
		return vmexit.Info{IOPort: io.Port, IODir: io.Direction, IOSize: int(io.Size)}
	case kvmsys.ExitMMIO:
		m := vc.MMIOExit()
		return vmexit.Info{GPA: m.PhysAddr, InstrFetch: false}
	case kvmsys.ExitException:
		ex := vc.ExceptionExit()
		return vmexit.Info{Vector: uint8(ex.Exception), HasErrCode: ex.ErrorCode != 0, ErrCode: ex.ErrorCode}
	default:
		return vmexit.Info{}
	}
}
