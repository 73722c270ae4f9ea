package primitives

// MSRAccessor is implemented by anything that can read and write
// model-specific registers for one logical processor — in this
// design, a vCPU bound to a KVM vCPU file descriptor.
// msr_write_pcpu's cross-pCPU form is not part of this interface: it
// is a remote-run shim (a closure dispatched to the owning pCPU's
// goroutine) layered on top of a local MSRAccessor, implemented in
// package pcpu.
type MSRAccessor interface {
	MSRRead(idx uint32) (uint64, error)
	MSRWrite(idx uint32, val uint64) error
}

// CPUIDResult is the four-register tuple CPUID/CPUID-subleaf returns.
type CPUIDResult struct {
	EAX, EBX, ECX, EDX uint32
}

// CPUIDSource is implemented by anything that can answer a CPUID
// query: the host (for capability detection) or a guest's synthesized
// vcpuid_entries table (for the CPUID VM-exit handler).
type CPUIDSource interface {
	CPUID(leaf uint32) CPUIDResult
	CPUIDSubleaf(leaf, sub uint32) CPUIDResult
}
