package kmain

import (
	"testing"

	"example.com/vmxkernel/kernel/boot"
)

// Every init step past the BootInfo validity check touches real hardware
// (the UART's I/O ports, control registers, VMX instructions) that faults
// in a hosted test process, so only the validation gate itself is exercised
// here; the rest of Kmain's sequencing is covered by kernel/vmx's own test
// suite at the level of each step it calls.
func TestKmainPanicsOnInvalidBootInfo(t *testing.T) {
	prevPanic := kernelPanicFn
	defer func() { kernelPanicFn = prevPanic }()

	var gotErr interface{}
	kernelPanicFn = func(e interface{}) { gotErr = e }

	Kmain(&boot.BootInfo{}) // zero-value Magic never matches boot.Magic

	if gotErr != errBadBootInfo {
		t.Errorf("kernelPanicFn called with %v, want errBadBootInfo", gotErr)
	}
}

func TestKmainPanicsOnNilBootInfo(t *testing.T) {
	prevPanic := kernelPanicFn
	defer func() { kernelPanicFn = prevPanic }()

	var gotErr interface{}
	kernelPanicFn = func(e interface{}) { gotErr = e }

	Kmain(nil)

	if gotErr != errBadBootInfo {
		t.Errorf("kernelPanicFn called with %v, want errBadBootInfo", gotErr)
	}
}
