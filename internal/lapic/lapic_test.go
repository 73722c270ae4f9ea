package lapic

import (
	"testing"

	"github.com/partitionhv/parthv/internal/kvmsys"
)

func TestRegReadWriteRoundTrip(t *testing.T) {
	var st kvmsys.LapicState
	writeReg(&st, regLDR, 0xDEADBEEF)
	if got := readReg(&st, regLDR); got != 0xDEADBEEF {
		t.Fatalf("readReg = %#x, want 0xDEADBEEF", got)
	}
}

func TestICRValuePhysicalVsLogical(t *testing.T) {
	phys := icrValue(0x21, DeliveryFixed, true, 0x03)
	if phys&(1<<11) != 0 {
		t.Fatalf("physical destination must clear the logical-mode bit, got %#x", phys)
	}
	logical := icrValue(0x21, DeliveryFixed, false, 0x03)
	if logical&(1<<11) == 0 {
		t.Fatalf("logical destination must set the logical-mode bit, got %#x", logical)
	}
	if uint8(phys) != 0x21 {
		t.Fatalf("expected vector preserved in low byte, got %#x", uint8(phys))
	}
	if uint8(phys>>56) != 0x03 {
		t.Fatalf("expected dest field in bits[63:56], got %#x", uint8(phys>>56))
	}
}
