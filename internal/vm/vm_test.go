package vm

import "testing"

func TestPortIOTableUnassignedSlotReportsNoMatch(t *testing.T) {
	var table PortIOTable
	if _, matched := table.Handle(0x3F8, 0, 1, 0); matched {
		t.Fatalf("an unassigned slot must report no match")
	}
}

func TestPortIOTableAssignedSlotRoundTrips(t *testing.T) {
	var table PortIOTable
	var written uint32
	table.Assign(PioCF9, 0xCF9, 0xCFA,
		func(port uint16, size int) uint32 { return 0xAB },
		func(port uint16, size int, val uint32) { written = val })

	_, matched := table.Handle(0xCF9, 1, 1, 0x07) // IODirOut
	if !matched {
		t.Fatalf("expected the CF9 write to match")
	}
	if written != 0x07 {
		t.Fatalf("expected write value 0x07 to reach the handler, got %#x", written)
	}

	val, matched := table.Handle(0xCF9, 0, 1, 0) // IODirIn
	if !matched || val != 0xAB {
		t.Fatalf("expected the CF9 read to match and return 0xAB, got val=%#x matched=%v", val, matched)
	}
}

func TestPortIOTablePortOutsideRangeMisses(t *testing.T) {
	var table PortIOTable
	table.Assign(PioUART0, 0x3F8, 0x400, nil, nil)
	if _, matched := table.Handle(0x2F8, 1, 1, 0); matched {
		t.Fatalf("a port outside the assigned range must not match")
	}
}
