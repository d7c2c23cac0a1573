package vmx

import "testing"

func TestSetHostRSPWritesField(t *testing.T) {
	prevWrite := vmwriteFn
	defer func() { vmwriteFn = prevWrite }()

	var got uint64
	vmwriteFn = func(field, value uint64) uint64 {
		if Field(field) == FieldHostRSP {
			got = value
		}
		return 0
	}

	setHostRSP(0xDEAD_BEEF)
	if got != 0xDEAD_BEEF {
		t.Errorf("HOST_RSP written as %#x, want 0xDEADBEEF", got)
	}
}

func TestSetHostRSPPanicsOnVmwriteFailure(t *testing.T) {
	prevWrite, prevRead, prevPanic := vmwriteFn, vmreadFn, kernelPanicFn
	defer func() { vmwriteFn, vmreadFn, kernelPanicFn = prevWrite, prevRead, prevPanic }()

	vmwriteFn = func(uint64, uint64) uint64 { return rflagsCF }
	vmreadFn = func(uint64) (uint64, uint64) { return 0, 0 } // VM_INSTRUCTION_ERROR lookup on the failure path
	panicked := false
	kernelPanicFn = func(interface{}) { panicked = true }

	setHostRSP(0)
	if !panicked {
		t.Error("setHostRSP did not panic on a vmwrite failure")
	}
}
