package vmm

import (
	"testing"

	"example.com/vmxkernel/kernel/mem/pmm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var pte pageTableEntry

	if pte.HasFlags(FlagPresent) {
		t.Fatal("expected fresh entry to have no flags set")
	}

	pte.SetFlags(FlagPresent | FlagWritable)
	if !pte.HasFlags(FlagPresent | FlagWritable) {
		t.Fatal("expected HasFlags to report both flags set")
	}
	if pte.HasFlags(FlagPresent | FlagUser) {
		t.Fatal("expected HasFlags to require every flag in the mask")
	}

	pte.ClearFlags(FlagWritable)
	if pte.HasFlags(FlagWritable) {
		t.Fatal("expected ClearFlags to unset FlagWritable")
	}
	if !pte.HasFlags(FlagPresent) {
		t.Fatal("expected ClearFlags to leave FlagPresent untouched")
	}
}

func TestPageTableEntryFrame(t *testing.T) {
	var pte pageTableEntry
	pte.SetFlags(FlagPresent | FlagWritable | FlagNoExecute)

	frame := pmm.FrameFromAddress(0x123456000)
	pte.SetFrame(frame)

	if got := pte.Frame(); got != frame {
		t.Fatalf("expected frame %#x, got %#x", uint64(frame), uint64(got))
	}
	if !pte.HasFlags(FlagPresent | FlagWritable | FlagNoExecute) {
		t.Fatal("expected SetFrame to preserve existing flags")
	}

	other := pmm.FrameFromAddress(0xabc000)
	pte.SetFrame(other)
	if got := pte.Frame(); got != other {
		t.Fatalf("expected frame to be replaced, got %#x", uint64(got))
	}
}

func TestPageTableEntryForLargePage(t *testing.T) {
	pte := pageTableEntryForLargePage(4<<30, FlagPresent|FlagWritable)

	if !pte.HasFlags(FlagPresent | FlagWritable | FlagPageSize) {
		t.Fatal("expected large-page helper to set FlagPageSize alongside the requested flags")
	}
	if got := pte.Frame().Address(); got != 4<<30 {
		t.Fatalf("expected frame address %#x, got %#x", uintptr(4<<30), got)
	}
}

func TestIndexExtraction(t *testing.T) {
	const addr = uintptr(0x1_2345_6789)

	if idx := pml4Index(addr); idx != (addr>>39)&0x1ff {
		t.Errorf("pml4Index mismatch: %d", idx)
	}
	if idx := pdptIndex(addr); idx != (addr>>30)&0x1ff {
		t.Errorf("pdptIndex mismatch: %d", idx)
	}
	if idx := pdIndex(addr); idx != (addr>>21)&0x1ff {
		t.Errorf("pdIndex mismatch: %d", idx)
	}
	if idx := ptIndex(addr); idx != (addr>>12)&0x1ff {
		t.Errorf("ptIndex mismatch: %d", idx)
	}
}
