package vmx

import (
	"testing"
)

func withMockedExitDeps(t *testing.T) (reads *map[uint64]uint64, writes *map[uint64]uint64) {
	t.Helper()

	r := map[uint64]uint64{}
	w := map[uint64]uint64{}
	reads, writes = &r, &w

	prevRead, prevWrite := vmreadFn, vmwriteFn
	vmreadFn = func(field uint64) (uint64, uint64) { return (*reads)[field], 0 }
	vmwriteFn = func(field, value uint64) uint64 { (*writes)[field] = value; return 0 }

	t.Cleanup(func() { vmreadFn, vmwriteFn = prevRead, prevWrite })
	return
}

func TestHandleExitAdvancesRIPPastHLT(t *testing.T) {
	reads, writes := withMockedExitDeps(t)
	(*reads)[uint64(FieldExitReason)] = exitReasonHLT
	(*reads)[uint64(FieldGuestRIP)] = 0x2000
	(*reads)[uint64(FieldExitInstructionLength)] = 1

	if err := handleExit(); err != nil {
		t.Fatalf("handleExit returned error: %v", err)
	}

	if got := (*writes)[uint64(FieldGuestRIP)]; got != 0x2001 {
		t.Errorf("GUEST_RIP after HLT exit = %#x, want 0x2001", got)
	}
}

// An unrecognized exit reason halts the kernel via kernelPanicFn rather than
// returning an error, so it is exercised through that hook instead of a
// return value.
func TestHandleExitPanicsOnUnknownReason(t *testing.T) {
	reads := map[uint64]uint64{uint64(FieldExitReason): 999}

	prevRead, prevPanic := vmreadFn, kernelPanicFn
	vmreadFn = func(field uint64) (uint64, uint64) { return reads[field], 0 }
	panicked := false
	kernelPanicFn = func(interface{}) { panicked = true }
	t.Cleanup(func() { vmreadFn, kernelPanicFn = prevRead, prevPanic })

	if err := handleExit(); err != nil {
		t.Fatalf("handleExit returned error: %v", err)
	}
	if !panicked {
		t.Error("handleExit did not invoke kernelPanicFn for an unknown exit reason")
	}
}

func TestRunSetsLaunchDoneAfterFirstExitAndLoops(t *testing.T) {
	withMockedExitDeps(t)

	vcpu := &Vcpu{}
	entryCalls := 0
	prevEntry := asmVMEntryFn
	asmVMEntryFn = func(v *Vcpu) uint8 {
		entryCalls++
		if v.LaunchDone != 0 && entryCalls == 1 {
			t.Error("LaunchDone set before the first VM-entry even ran")
		}
		if entryCalls >= 3 {
			// Stop the loop by forcing a VMLAUNCH/VMRESUME failure.
			return 1
		}
		return 0
	}
	t.Cleanup(func() { asmVMEntryFn = prevEntry })

	prevRead := vmreadFn
	vmreadFn = func(field uint64) (uint64, uint64) {
		if Field(field) == FieldExitReason {
			return exitReasonHLT, 0
		}
		return 0, 0
	}
	t.Cleanup(func() { vmreadFn = prevRead })

	err := Run(vcpu)
	if err != errVMEntryFailed {
		t.Fatalf("Run() = %v, want errVMEntryFailed once entry starts failing", err)
	}
	if vcpu.LaunchDone == 0 {
		t.Error("LaunchDone not set after a successful VM-exit")
	}
	if entryCalls != 3 {
		t.Errorf("asmVMEntryFn called %d times, want 3", entryCalls)
	}
}
