package vmx

import (
	"example.com/vmxkernel/kernel"
	"example.com/vmxkernel/kernel/cpu"
)

// cr4VMXE is CR4 bit 13, enabling VMX operation.
const cr4VMXE = 1 << 13

// Indirected so tests can exercise Enter's sequencing without touching real
// control registers or CPUID.
var (
	readCR0Fn  = cpu.ReadCR0
	writeCR0Fn = cpu.WriteCR0
	readCR4Fn  = cpu.ReadCR4
	writeCR4Fn = cpu.WriteCR4
	isIntelFn  = cpu.IsIntel
	hasVMXFn   = cpu.HasVMX
)

var (
	errNotIntel             = &kernel.Error{Module: "vmx", Message: "CPU vendor is not GenuineIntel"}
	errNoVMX                = &kernel.Error{Module: "vmx", Message: "CPU does not report VMX support"}
	errFeatureControlLocked = &kernel.Error{Module: "vmx", Message: "IA32_FEATURE_CONTROL is locked against VMX"}
	errVMXONRegionAlloc     = &kernel.Error{Module: "vmx", Message: "failed to allocate VMXON region"}
	errVMXONFailed          = &kernel.Error{Module: "vmx", Message: "VMXON failed"}
)

// enableFeatureControl ensures IA32_FEATURE_CONTROL permits VMXON outside
// SMX. If the MSR is already locked, bit 2 must already be set — a locked
// MSR can never be rewritten, by design (it is typically locked by firmware
// before handoff). If it is unlocked, this sets bits 0 (lock) and 2
// (VMX-outside-SMX) together, as they must be written in the same access,
// and re-reads to confirm the write took.
func enableFeatureControl() *kernel.Error {
	fc := rdmsrFn(msrFeatureControl)
	if fc&featureControlLock != 0 {
		if fc&featureControlVMXOutsideSMX == 0 {
			return errFeatureControlLocked
		}
		return nil
	}

	fc |= featureControlLock | featureControlVMXOutsideSMX
	wrmsrFn(msrFeatureControl, fc)

	fc = rdmsrFn(msrFeatureControl)
	want := uint64(featureControlLock | featureControlVMXOutsideSMX)
	if fc&want != want {
		return errFeatureControlLocked
	}
	return nil
}

// adjustCR0CR4 reconciles CR0 and CR4 against the fixed-bit capability MSRs
// so the upcoming VMXON does not fault on an architecturally-required bit,
// then sets CR4.VMXE.
func adjustCR0CR4() {
	cr0 := readCR0Fn()
	cr0 |= rdmsrFn(msrVMXCR0Fixed0)
	cr0 &= rdmsrFn(msrVMXCR0Fixed1)
	writeCR0Fn(cr0)

	cr4 := readCR4Fn()
	cr4 |= rdmsrFn(msrVMXCR4Fixed0)
	cr4 &= rdmsrFn(msrVMXCR4Fixed1)
	cr4 |= cr4VMXE
	writeCR4Fn(cr4)
}

// Enter brings the CPU into VMX root operation: it validates the vendor and
// VMX-support CPUID bits, makes sure IA32_FEATURE_CONTROL is locked with VMX
// outside SMX enabled (see enableFeatureControl),
// reconciles CR0/CR4 against their fixed-bit MSRs, allocates and stamps a
// VMXON region, and executes VMXON against it.
func Enter() *kernel.Error {
	if !isIntelFn() {
		return errNotIntel
	}
	if !hasVMXFn() {
		return errNoVMX
	}
	if err := enableFeatureControl(); err != nil {
		return err
	}

	adjustCR0CR4()

	f, err := allocRegion()
	if err != nil {
		return errVMXONRegionAlloc
	}

	if vmxFailed(vmxonFn(uint64(f.Address()))) {
		return errVMXONFailed
	}
	return nil
}
