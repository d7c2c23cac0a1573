package vmx

import (
	"unsafe"

	"example.com/vmxkernel/kernel"
	"example.com/vmxkernel/kernel/cpu"
	"example.com/vmxkernel/kernel/mem"
	"example.com/vmxkernel/kernel/mem/pmm"
)

// Indirected so tests can build a VMCS without touching live control
// registers, segment registers or descriptor tables.
var (
	readCR3Fn = cpu.ReadCR3
	readCSFn  = cpu.ReadCS
	readSSFn  = cpu.ReadSS
	readDSFn  = cpu.ReadDS
	readESFn  = cpu.ReadES
	readFSFn  = cpu.ReadFS
	readGSFn  = cpu.ReadGS
	readTRFn  = cpu.ReadTR
	sgdtFn    = cpu.Sgdt
	sidtFn    = cpu.Sidt
)

// Primary processor-based control bits this package sets.
const (
	procHLTExiting = 1 << 7
)

// VM-entry control bits.
const (
	entryIA32EModeGuest = 1 << 9
	entryLoadIA32EFER   = 1 << 15
)

// VM-exit control bits.
const (
	exitHostAddressSpaceSize = 1 << 9
	exitLoadIA32EFER         = 1 << 21
)

// Guest segment access-rights bytes, from the spec's literal values rather
// than built bit-by-bit: CS is code, executable+readable, accessed, S=1,
// DPL=0, present, L=1 (64-bit); data segments are read/write, accessed,
// S=1, DPL=0, present, DB=1; TR is a busy 64-bit TSS, present; LDTR is an
// LDT descriptor, present.
const (
	accessRightsCode = 0xA09B
	accessRightsData = 0x4093
	accessRightsTR   = 0x008B
	accessRightsLDTR = 0x0082
)

// adjustCtrl applies the capability-MSR allowed-0/allowed-1 rule: bits the
// MSR's low 32 bits force to 1 are set, bits its high 32 bits force to 0 are
// cleared. The result is a fixed point of this same rule (see
// TestAdjustCtrlIsFixedPoint).
func adjustCtrl(val uint32, msr uint64) uint32 {
	return (val | uint32(msr)) & uint32(msr>>32)
}

// capabilityMSR reads the TRUE control MSR in preference to the legacy one
// when IA32_VMX_BASIC reports TRUE controls are available.
func capabilityMSR(trueNum, legacyNum uint32) uint64 {
	if rdmsrFn(msrVMXBasic)&vmxBasicTrueControls != 0 {
		return rdmsrFn(trueNum)
	}
	return rdmsrFn(legacyNum)
}

// vmcsWrite is a (field, value) pair used to express a VMCS population pass
// as a flat table instead of repeated near-identical Vmwrite call sites.
type vmcsWrite struct {
	field Field
	value uint64
}

func writeAll(ws []vmcsWrite) *kernel.Error {
	for _, w := range ws {
		if err := Vmwrite(w.field, w.value); err != nil {
			return err
		}
	}
	return nil
}

// setupControls writes the pin-based, primary processor-based, VM-entry and
// VM-exit control fields, each adjusted against its capability MSR.
func setupControls() *kernel.Error {
	pin := adjustCtrl(0, capabilityMSR(msrVMXTruePinbasedCtls, msrVMXPinbasedCtls))
	proc := adjustCtrl(procHLTExiting, capabilityMSR(msrVMXTrueProcbasedCtls, msrVMXProcbasedCtls))
	entry := adjustCtrl(entryIA32EModeGuest|entryLoadIA32EFER, capabilityMSR(msrVMXTrueEntryCtls, msrVMXEntryCtls))
	exit := adjustCtrl(exitHostAddressSpaceSize|exitLoadIA32EFER, capabilityMSR(msrVMXTrueExitCtls, msrVMXExitCtls))

	return writeAll([]vmcsWrite{
		{FieldPinBasedVMExecControl, uint64(pin)},
		{FieldPrimaryProcBasedVMExecControl, uint64(proc)},
		{FieldVMEntryControls, uint64(entry)},
		{FieldVMExitControls, uint64(exit)},
	})
}

// pseudoDescriptorBytes is the 10-byte operand SGDT/SIDT write: a 16-bit
// limit followed immediately by a 64-bit base, with no gap between them. A
// Go struct of {uint16; uint64} cannot stand in for this directly — the
// compiler pads six bytes in front of the uint64 to keep it 8-byte aligned,
// which would make base read back shifted by those six bytes — so this is
// decoded by hand from a flat byte array instead.
type pseudoDescriptorBytes [10]byte

func (d *pseudoDescriptorBytes) base() uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(d[2+i]) << (8 * i)
	}
	return v
}

func sgdtBase() uint64 {
	var d pseudoDescriptorBytes
	sgdtFn(uintptr(unsafe.Pointer(&d)))
	return d.base()
}

func sidtBase() uint64 {
	var d pseudoDescriptorBytes
	sidtFn(uintptr(unsafe.Pointer(&d)))
	return d.base()
}

// tssBaseFromGDT decodes a 64-bit TSS descriptor's base address from the
// live GDT: a busy/available TSS descriptor spans two 8-byte slots, with
// bits 0-23 of the base in slot 0 bits 16-39, bits 24-31 in slot 0 bits
// 56-63, and bits 32-63 occupying all of slot 1.
func tssBaseFromGDT(trSelector uint16) uint64 {
	gdtBase := uintptr(sgdtBase())
	index := uintptr(trSelector >> 3)

	low := *(*uint64)(unsafe.Pointer(gdtBase + index*8))
	high := *(*uint64)(unsafe.Pointer(gdtBase + (index+1)*8))

	baseLo24 := (low >> 16) & 0xFFFFFF
	baseHi8 := (low >> 56) & 0xFF
	base32 := baseLo24 | (baseHi8 << 24)
	return base32 | ((high & 0xFFFFFFFF) << 32)
}

// hostStack is the frame backing the dedicated 4 KiB host stack HOST_RSP
// points into; allocated once, for the lifetime of the VMCS.
var hostStack = pmm.InvalidFrame

func allocHostStack() (uint64, *kernel.Error) {
	f, err := allocFrameFn()
	if err != nil {
		return 0, err
	}
	hostStack = f
	return uint64(f.VirtAddress()) + uint64(mem.PageSize), nil
}

// funcval mirrors the runtime's internal representation of a non-closure
// func value: a pointer to a single word holding the function's entry
// address. Used to recover asmVMExit's and guestHaltLoop's code addresses
// without pulling in reflect, the same trick package idt uses for its ISR
// stub table.
type funcval struct {
	fn uintptr
}

func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

// setupHostState populates every HOST_* field: control registers, segment
// selectors and the GDTR/IDTR bases read from the live machine state,
// FS_BASE/GS_BASE/EFER from their MSRs, the TSS base decoded once from the
// live GDT (and written exactly once — see the design note on the
// double-write this corrects), and HOST_RIP/HOST_RSP pointing at the exit
// trampoline and a freshly allocated stack.
func setupHostState() *kernel.Error {
	tr := readTRFn()

	err := writeAll([]vmcsWrite{
		{FieldHostCR0, readCR0Fn()},
		{FieldHostCR3, readCR3Fn()},
		{FieldHostCR4, readCR4Fn()},

		{FieldHostCSSelector, uint64(readCSFn())},
		{FieldHostSSSelector, uint64(readSSFn())},
		{FieldHostDSSelector, uint64(readDSFn())},
		{FieldHostESSelector, uint64(readESFn())},
		{FieldHostFSSelector, uint64(readFSFn())},
		{FieldHostGSSelector, uint64(readGSFn())},
		{FieldHostTRSelector, uint64(tr)},

		{FieldHostFSBase, rdmsrFn(msrFSBase)},
		{FieldHostGSBase, rdmsrFn(msrGSBase)},
		{FieldHostTRBase, tssBaseFromGDT(tr)},
		{FieldHostGDTRBase, sgdtBase()},
		{FieldHostIDTRBase, sidtBase()},

		{FieldHostIA32EFER, rdmsrFn(msrIA32EFER)},
		{FieldHostRIP, uint64(funcPC(asmVMExit))},
	})
	if err != nil {
		return err
	}

	rsp, err2 := allocHostStack()
	if err2 != nil {
		return err2
	}
	return Vmwrite(FieldHostRSP, rsp)
}

// setupGuestState populates the guest-state fields for a guest that shares
// the host's paging, runs entirely in CS with every other segment selector
// and base zeroed, and enters execution at guestHaltLoop.
func setupGuestState() *kernel.Error {
	return writeAll([]vmcsWrite{
		{FieldGuestCR0, readCR0Fn()},
		{FieldGuestCR3, readCR3Fn()},
		{FieldGuestCR4, readCR4Fn()},

		{FieldGuestCSSelector, uint64(readCSFn())},
		{FieldGuestSSSelector, 0},
		{FieldGuestDSSelector, 0},
		{FieldGuestESSelector, 0},
		{FieldGuestFSSelector, 0},
		{FieldGuestGSSelector, 0},
		{FieldGuestLDTRSelector, 0},
		{FieldGuestTRSelector, 0},

		{FieldGuestCSLimit, 0xFFFF},
		{FieldGuestSSLimit, 0xFFFF},
		{FieldGuestDSLimit, 0xFFFF},
		{FieldGuestESLimit, 0xFFFF},
		{FieldGuestFSLimit, 0xFFFF},
		{FieldGuestGSLimit, 0xFFFF},
		{FieldGuestTRLimit, 0},
		{FieldGuestLDTRLimit, 0},
		{FieldGuestGDTRLimit, 0},
		{FieldGuestIDTRLimit, 0},

		{FieldGuestCSAccessRights, accessRightsCode},
		{FieldGuestSSAccessRights, accessRightsData},
		{FieldGuestDSAccessRights, accessRightsData},
		{FieldGuestESAccessRights, accessRightsData},
		{FieldGuestFSAccessRights, accessRightsData},
		{FieldGuestGSAccessRights, accessRightsData},
		{FieldGuestTRAccessRights, accessRightsTR},
		{FieldGuestLDTRAccessRights, accessRightsLDTR},

		{FieldGuestCSBase, 0},
		{FieldGuestSSBase, 0},
		{FieldGuestDSBase, 0},
		{FieldGuestESBase, 0},
		{FieldGuestFSBase, 0},
		{FieldGuestGSBase, 0},
		{FieldGuestLDTRBase, 0},
		{FieldGuestTRBase, 0},
		{FieldGuestGDTRBase, 0},
		{FieldGuestIDTRBase, 0},

		{FieldGuestRIP, uint64(funcPC(guestHaltLoop))},
		{FieldGuestRFLAGS, 0x2},
		{FieldGuestIA32EFER, rdmsrFn(msrIA32EFER)},
		{FieldVMCSLinkPointer, 0xFFFF_FFFF_FFFF_FFFF},
	})
}

// BuildVMCS allocates and activates a fresh VMCS and populates its control,
// host-state and guest-state fields, leaving it ready for the first
// VMLAUNCH via the C9 entry/exit loop.
func BuildVMCS(vcpu *Vcpu) *kernel.Error {
	if err := NewVMCS(); err != nil {
		return err
	}
	if err := setupControls(); err != nil {
		return err
	}
	if err := setupHostState(); err != nil {
		return err
	}
	return setupGuestState()
}
