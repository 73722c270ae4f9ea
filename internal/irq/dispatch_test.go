package irq

import (
	"testing"

	"github.com/partitionhv/parthv/internal/pcpu"
)

func TestRequestFreeAndDispatch(t *testing.T) {
	table := NewTable()
	var got any
	if err := table.Request(10, func(data any) { got = data }, "payload", FlagPT); err != nil {
		t.Fatalf("Request: %v", err)
	}

	flags, owned := table.Owner(10)
	if !owned || flags != FlagPT {
		t.Fatalf("expected irq 10 to be owned with FlagPT, got flags=%v owned=%v", flags, owned)
	}

	table.Dispatch(10)
	if got != "payload" {
		t.Fatalf("expected handler to run with payload, got %v", got)
	}

	table.Free(10)
	if _, owned := table.Owner(10); owned {
		t.Fatalf("expected irq 10 to be unowned after Free")
	}
}

func TestRequestAlreadyOwnedErrors(t *testing.T) {
	table := NewTable()
	if err := table.Request(5, func(any) {}, nil, 0); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := table.Request(5, func(any) {}, nil, 0); err == nil {
		t.Fatalf("expected re-requesting an owned irq to error")
	}
}

func TestDispatchUnownedIsNoop(t *testing.T) {
	table := NewTable()
	table.Dispatch(999) // must not panic
}

func TestFreeUnownedIsNoop(t *testing.T) {
	table := NewTable()
	table.Free(42) // must not panic
}

func TestSMPCallQueuesAndKickNotificationRunsOnce(t *testing.T) {
	pc0 := pcpu.New(0, 0)
	pc1 := pcpu.New(1, 1)
	d := NewDispatcher(map[int]*pcpu.PCPU{0: pc0, 1: pc1})

	runs := 0
	var seenData any
	if err := d.SMPCall(1, func(data any) { runs++; seenData = data }, "hello"); err != nil {
		t.Fatalf("SMPCall: %v", err)
	}
	if !d.PendingSMPCall(1) {
		t.Fatalf("expected pcpu 1 to have a pending smp call")
	}
	if d.PendingSMPCall(0) {
		t.Fatalf("expected pcpu 0 to have no pending smp call")
	}

	d.KickNotification(1)
	if runs != 1 || seenData != "hello" {
		t.Fatalf("expected the queued call to run exactly once with its data, runs=%d data=%v", runs, seenData)
	}
	if d.PendingSMPCall(1) {
		t.Fatalf("expected the bit to be cleared after KickNotification")
	}

	// Running KickNotification again with nothing queued must be a no-op.
	d.KickNotification(1)
	if runs != 1 {
		t.Fatalf("expected KickNotification to be idempotent once drained, runs=%d", runs)
	}
}

func TestSMPCallUnknownPCPUErrors(t *testing.T) {
	d := NewDispatcher(map[int]*pcpu.PCPU{})
	if err := d.SMPCall(7, func(any) {}, nil); err == nil {
		t.Fatalf("expected SMPCall to an unknown pcpu to error")
	}
}
