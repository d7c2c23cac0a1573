// Package vmx brings the CPU into Intel VMX root operation, builds and
// populates a VMCS, and runs the entry/exit loop that launches a guest and
// handles its VM-exits. It is the component every earlier package in this
// kernel (cpu, gdt, idt, the paging engine) exists to support: VMXON and
// VMLAUNCH both have host-state prerequisites (a loaded GDT/TR, a rebuilt
// address space) that this package assumes are already satisfied by the time
// Enter is called.
package vmx

// rflagsCF and rflagsZF are the two RFLAGS bits every VMX instruction uses
// to signal failure: CF for "VMfailInvalid" (no current VMCS), ZF for
// "VMfailValid" (current VMCS holds the instruction error).
const (
	rflagsCF = 1 << 0
	rflagsZF = 1 << 6
)

// vmxFailed reports whether the RFLAGS value captured immediately after a
// VMX instruction indicates failure.
func vmxFailed(rflags uint64) bool {
	return rflags&(rflagsCF|rflagsZF) != 0
}

// The raw instruction wrappers, implemented in instr_amd64.s.
func vmxon(pa uint64) (rflags uint64)
func vmxoff() (rflags uint64)
func vmclear(pa uint64) (rflags uint64)
func vmptrld(pa uint64) (rflags uint64)
func vmreadRaw(field uint64) (value uint64, rflags uint64)
func vmwriteRaw(field, value uint64) (rflags uint64)
func vmlaunchRaw() (rflags uint64)
func vmresumeRaw() (rflags uint64)

// Indirected so tests can exercise every layer above this one (root entry,
// the VMCS builder, the exit loop) without issuing a single privileged
// instruction.
var (
	vmxonFn    = vmxon
	vmxoffFn   = vmxoff
	vmclearFn  = vmclear
	vmptrldFn  = vmptrld
	vmreadFn   = vmreadRaw
	vmwriteFn  = vmwriteRaw
	vmlaunchFn = vmlaunchRaw
	vmresumeFn = vmresumeRaw
)
