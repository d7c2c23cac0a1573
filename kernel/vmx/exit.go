package vmx

import (
	"example.com/vmxkernel/kernel"
	"example.com/vmxkernel/kernel/kfmt"
)

// Basic exit reasons this kernel recognizes. Every other reason is treated
// as fatal: this is a minimal hypervisor with no emulation beyond HLT.
const exitReasonHLT = 12

// asmVMEntryFn is indirected so the run loop can be driven by a test double
// instead of a real VMLAUNCH/VMRESUME.
var asmVMEntryFn = asmVMEntry

var errVMEntryFailed = &kernel.Error{Module: "vmx", Message: "VMLAUNCH/VMRESUME failed"}

// handleExit inspects EXIT_REASON and either resolves the exit in place
// (HLT: skip past it and let the guest resume) or halts the kernel with a
// diagnostic (anything else).
func handleExit() *kernel.Error {
	raw, err := Vmread(FieldExitReason)
	if err != nil {
		return err
	}

	switch basicExitReason(raw) {
	case exitReasonHLT:
		return advancePastHLT()
	default:
		kfmt.Printf("[vmx] unhandled VM-exit reason %d, halting\n", basicExitReason(raw))
		kernelPanicFn(&kernel.Error{Module: "vmx", Message: "unhandled VM-exit reason"})
		return nil
	}
}

// advancePastHLT moves GUEST_RIP past the HLT instruction that caused the
// exit, the same way any other instruction-emulating exit handler would:
// VM-exits leave GUEST_RIP pointing at the faulting instruction, not past
// it, so resuming without this would re-execute the same HLT forever.
func advancePastHLT() *kernel.Error {
	rip, err := Vmread(FieldGuestRIP)
	if err != nil {
		return err
	}
	length, err := Vmread(FieldExitInstructionLength)
	if err != nil {
		return err
	}
	return Vmwrite(FieldGuestRIP, rip+length)
}

// Run drives vcpu through VM-entry/VM-exit cycles forever, handling each
// exit and resuming the guest. It only returns on a VMX instruction
// failure: VMLAUNCH or VMRESUME itself faulting (as opposed to a VM-exit,
// which is the expected way control returns here), or a VMREAD/VMWRITE
// failing while an exit is handled. vcpu.LaunchDone is set
// after the first successful exit and never cleared again, so every
// subsequent entry uses VMRESUME instead of VMLAUNCH.
func Run(vcpu *Vcpu) *kernel.Error {
	for {
		ok := asmVMEntryFn(vcpu)
		if ok != 0 {
			logInstructionError("vmlaunch_or_vmresume", 0)
			return errVMEntryFailed
		}

		vcpu.LaunchDone = 1

		if err := handleExit(); err != nil {
			return err
		}
	}
}
