// Package instrlen decodes the length of one x86 instruction from its
// raw bytes, the VM-exit dispatcher's fallback when KVM does not
// report exit_instruction_len for a given exit reason (notably
// EPT_MISCONFIGURATION and some MMIO-style decodes). vmexit.Dispatch
// trusts Info.InstrLen whenever it is nonzero; this package is used
// only when it is zero and the raw instruction bytes were captured.
package instrlen

import (
	"golang.org/x/arch/x86/x86asm"
)

// Decode returns the byte length of the single instruction encoded at
// the start of code, interpreted in the given processor mode (16, 32,
// or 64).
func Decode(code []byte, mode int) (int, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return 0, err
	}
	return inst.Len, nil
}
