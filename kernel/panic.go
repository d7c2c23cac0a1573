package kernel

import (
	"unsafe"

	"example.com/vmxkernel/kernel/cpu"
	"example.com/vmxkernel/kernel/kfmt"
)

const maxPanicFrames = 64

var (
	// cpuHaltFn, disableInterruptsFn and currentRBPFn are indirected so
	// tests can mock them.
	cpuHaltFn           = cpu.Halt
	disableInterruptsFn = cpu.DisableInterrupts
	currentRBPFn        = currentRBP

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}

	panicking bool
)

// Panic logs the supplied error (if not nil), walks and logs the calling
// frame-pointer chain, and halts the CPU. Calls to Panic never return. A
// panic raised while already panicking is logged once more and halts
// immediately, without re-attempting the stack walk.
func Panic(e interface{}) {
	disableInterruptsFn()

	if panicking {
		kfmt.Printf("\n*** panic while panicking ***\n")
		cpuHaltFn()
		return
	}
	panicking = true

	var err *Error
	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	kfmt.Printf("\n-----------------------------------\n")
	if err != nil {
		kfmt.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	kfmt.Printf("*** kernel panic: system halted ***\n")
	kfmt.Printf("-----------------------------------\ncall stack:\n")

	frame := 0
	walkStack(currentRBPFn(), maxPanicFrames, func(pc uintptr) {
		kfmt.Printf("  #%d 0x%16x\n", frame, uint64(pc))
		frame++
	})
	if frame == 0 {
		kfmt.Printf("  (no valid frames found)\n")
	}

	cpuHaltFn()
}

// walkStack follows the RBP-chain frame-pointer linkage starting at rbp,
// calling visit with each return address, until it runs out of valid
// frames, hits a non-canonical or misaligned frame pointer, or reaches
// maxFrames. It never dereferences a pointer it has not first validated,
// guarding against a corrupted chain caused by the very fault being
// reported.
func walkStack(rbp uintptr, maxFrames int, visit func(pc uintptr)) {
	for i := 0; i < maxFrames; i++ {
		if rbp == 0 || rbp%8 != 0 || !isCanonicalAddress(rbp) {
			return
		}

		savedRBP := *(*uintptr)(unsafe.Pointer(rbp))
		retAddr := *(*uintptr)(unsafe.Pointer(rbp + 8))
		if retAddr == 0 || !isCanonicalAddress(retAddr) {
			return
		}

		visit(retAddr)
		rbp = savedRBP
	}
}

// isCanonicalAddress reports whether addr is a canonical amd64 address: bits
// 63 down to 47 must all be equal (sign-extended from bit 47).
func isCanonicalAddress(addr uintptr) bool {
	top := addr >> 47
	return top == 0 || top == 0x1ffff
}
