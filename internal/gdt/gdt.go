// Package gdt builds the flat GDT host state init_vmcs programs
// into a vCPU's segment registers, covering both the long-mode
// descriptors this design's x86-64 target needs (an L-bit code
// segment for 64-bit guests) and the legacy 32-bit flat segments used
// while a guest is still in protected mode during early boot.
package gdt

// Entry is a single 64-bit GDT descriptor. Field layout matches what
// the processor expects when the 8 bytes are written verbatim into
// guest or host memory.
type Entry struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMid    uint8
	AccessByte uint8
	LimitHigh  uint8 // low nibble: limit[19:16]; high nibble: flags (G,D/B,L,AVL)
	BaseHigh   uint8
}

// Access byte bits.
const (
	AccessPresent    uint8 = 1 << 7
	AccessDPL0       uint8 = 0 << 5
	AccessDPL3       uint8 = 3 << 5
	AccessCodeOrData uint8 = 1 << 4
	AccessExecutable uint8 = 1 << 3
	AccessRW         uint8 = 1 << 1
)

// Flags nibble bits (upper nibble of LimitHigh).
const (
	FlagGranularity4K uint8 = 1 << 7
	FlagDB32          uint8 = 1 << 6
	FlagLong64        uint8 = 1 << 5
	FlagAVL           uint8 = 1 << 4
)

// New builds a descriptor from a 32-bit base, 20-bit limit, access
// byte, and flags nibble (shifted into the top nibble of the byte that
// shares space with limit[19:16]).
func New(base uint32, limit uint32, access uint8, flags uint8) Entry {
	return Entry{
		BaseLow:    uint16(base & 0xFFFF),
		BaseMid:    uint8((base >> 16) & 0xFF),
		BaseHigh:   uint8((base >> 24) & 0xFF),
		LimitLow:   uint16(limit & 0xFFFF),
		LimitHigh:  uint8((limit>>16)&0x0F) | (flags & 0xF0),
		AccessByte: access,
	}
}

// Bytes returns the descriptor's 8-byte little-endian wire form.
func (e Entry) Bytes() [8]byte {
	return [8]byte{
		byte(e.LimitLow), byte(e.LimitLow >> 8),
		byte(e.BaseLow), byte(e.BaseLow >> 8),
		e.BaseMid, e.AccessByte, e.LimitHigh, e.BaseHigh,
	}
}

// FlatTable is the null/code/data triple this design loads for a
// protected-mode or long-mode flat memory model: identity base, 4 GiB
// limit, 4 KiB granularity.
type FlatTable struct {
	Null, Code, Data Entry
}

// NewFlat32 builds a 32-bit protected-mode flat GDT for a guest still
// executing its protected-mode bootloader.
func NewFlat32() FlatTable {
	return FlatTable{
		Null: New(0, 0, 0, 0),
		Code: New(0, 0xFFFFF, AccessPresent|AccessCodeOrData|AccessExecutable|AccessRW, FlagGranularity4K|FlagDB32),
		Data: New(0, 0xFFFFF, AccessPresent|AccessCodeOrData|AccessRW, FlagGranularity4K|FlagDB32),
	}
}

// NewFlat64 builds a 64-bit long-mode flat GDT: the code segment sets
// the L bit and clears D/B per the SDM ("if L=1, D must be 0").
func NewFlat64() FlatTable {
	return FlatTable{
		Null: New(0, 0, 0, 0),
		Code: New(0, 0xFFFFF, AccessPresent|AccessCodeOrData|AccessExecutable|AccessRW, FlagGranularity4K|FlagLong64),
		Data: New(0, 0xFFFFF, AccessPresent|AccessCodeOrData|AccessRW, FlagGranularity4K|FlagDB32),
	}
}

// Bytes serializes the table in GDT order (null, code, data), each
// entry 8 bytes, ready to be copied into guest or host memory at a
// chosen base address.
func (t FlatTable) Bytes() []byte {
	out := make([]byte, 0, 24)
	for _, e := range []Entry{t.Null, t.Code, t.Data} {
		b := e.Bytes()
		out = append(out, b[:]...)
	}
	return out
}

// Selector indices into a FlatTable as laid out by Bytes.
const (
	SelectorNull = 0x00
	SelectorCode = 0x08
	SelectorData = 0x10
)
