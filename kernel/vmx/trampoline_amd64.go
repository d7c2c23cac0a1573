package vmx

import "example.com/vmxkernel/kernel"

// kernelPanicFn is indirected so tests can observe an unrecoverable-setup
// path without actually halting the test process.
var kernelPanicFn = kernel.Panic

// asmVMEntry loads vcpu's guest registers, writes the current host RSP into
// HOST_RSP, and executes VMLAUNCH or VMRESUME depending on vcpu.LaunchDone.
// On success the CPU transitions to guest execution and does not return
// here until the next VM-exit lands at asmVMExit, which unwinds the same
// stack frame asmVMEntry built and returns 0 to this call's own caller — so
// from the caller's perspective asmVMEntry "returns" once per VM-exit, not
// once per call. On a VMX instruction failure (VMLAUNCH/VMRESUME itself
// faults before any guest transition) it returns 1 instead.
func asmVMEntry(vcpu *Vcpu) (ok uint8)

// asmVMExit is never called from Go; it is installed as HOST_RIP and is the
// address the CPU transfers control to on every VM-exit. See
// trampoline_amd64.s.
func asmVMExit()

// guestHaltLoop is never called from Go either; its address is installed as
// GUEST_RIP so the guest has somewhere valid to execute. See
// guest_amd64.s.
func guestHaltLoop()

// setHostRSP writes rsp into the current VMCS's HOST_RSP field. It is
// called by asmVMEntry on every entry, since the host stack pointer at the
// point of the call varies with call depth.
func setHostRSP(rsp uintptr) {
	if err := Vmwrite(FieldHostRSP, uint64(rsp)); err != nil {
		kernelPanicFn(err)
	}
}
