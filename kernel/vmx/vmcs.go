package vmx

import (
	"unsafe"

	"example.com/vmxkernel/kernel"
	"example.com/vmxkernel/kernel/cpu"
	"example.com/vmxkernel/kernel/kfmt"
	"example.com/vmxkernel/kernel/mem"
	"example.com/vmxkernel/kernel/mem/pmm"
	"example.com/vmxkernel/kernel/mem/pmm/allocator"
)

// rdmsrFn/wrmsrFn/allocFrameFn are indirected so tests can exercise region
// allocation and VMREAD/VMWRITE failure handling without touching real
// hardware state.
var (
	rdmsrFn      = cpu.Rdmsr
	wrmsrFn      = cpu.Wrmsr
	allocFrameFn = allocator.FrameAllocator.AllocFrame
)

// vmInstructionErrorMnemonics maps the value VMREAD(VM_INSTRUCTION_ERROR)
// returns after a VMfailValid to a human-readable name, transcribed from
// Intel's published list. Codes 14, 21, 27 and 29+ are architecturally
// reserved and have no assigned mnemonic.
var vmInstructionErrorMnemonics = map[uint32]string{
	0:  "vm_instruction_error_not_available",
	1:  "vmcall_in_vmx_root_operation",
	2:  "vmclear_invalid_physical_address",
	3:  "vmclear_on_vmxon_pointer",
	4:  "vmlaunch_on_non_clear_vmcs",
	5:  "vmresume_on_non_launched_vmcs",
	6:  "vmresume_after_vmxoff",
	7:  "vmentry_invalid_control_fields",
	8:  "vmentry_invalid_host_state_fields",
	9:  "vmptrld_invalid_physical_address",
	10: "vmptrld_on_vmxon_pointer",
	11: "vmptrld_incorrect_vmcs_revision",
	12: "vmread_vmwrite_unsupported_component",
	13: "vmwrite_to_readonly_field",
	15: "vmxon_in_vmx_root_operation",
	16: "vmentry_invalid_executive_vmcs_controls",
	17: "vmentry_non_launched_executive_vmcs",
	18: "vmentry_with_executive_vmcs_pointer",
	19: "vmcall_on_non_clear_vmcs",
	20: "vmcall_invalid_vmexit_controls",
	22: "vmcall_incorrect_msr_image_revision",
	23: "vmxoff_under_dual_monitor_treatment",
	24: "vmcall_in_smm",
	25: "vmentry_invalid_execution_controls",
	26: "vmentry_events_blocked_by_mov_ss",
	28: "invalid_invept",
}

func instructionErrorString(code uint32) string {
	if s, ok := vmInstructionErrorMnemonics[code]; ok {
		return s
	}
	return "unknown_vm_instruction_error"
}

// instructionError reads the current VMCS's VM_INSTRUCTION_ERROR field. It
// is used only from the failure path of vmread/vmwrite themselves, so it
// calls the raw instruction wrappers directly rather than going back through
// Vmread (which would recurse into this same failure path).
func instructionError() uint32 {
	value, rflags := vmreadFn(uint64(FieldVMInstructionError))
	if vmxFailed(rflags) {
		return 0
	}
	return uint32(value)
}

var (
	errVMReadFailed  = &kernel.Error{Module: "vmx", Message: "vmread failed"}
	errVMWriteFailed = &kernel.Error{Module: "vmx", Message: "vmwrite failed"}
	errVMClearFailed = &kernel.Error{Module: "vmx", Message: "vmclear failed"}
	errVMPtrldFailed = &kernel.Error{Module: "vmx", Message: "vmptrld failed"}
)

// logInstructionError prints the human-readable mnemonic for the VMCS's
// current VM_INSTRUCTION_ERROR value, tagged with the field and operation
// that triggered it.
func logInstructionError(op string, field Field) {
	code := instructionError()
	kfmt.Printf("[vmx] %s(field=%#x) failed: %s (%d)\n", op, uint32(field), instructionErrorString(code), code)
}

// Vmwrite writes value into the given VMCS field of the VMCS currently
// loaded via VMPTRLD, surfacing failure as a logged mnemonic plus a static
// error.
func Vmwrite(field Field, value uint64) *kernel.Error {
	rflags := vmwriteFn(uint64(field), value)
	if vmxFailed(rflags) {
		logInstructionError("vmwrite", field)
		return errVMWriteFailed
	}
	return nil
}

// Vmread reads the given VMCS field of the VMCS currently loaded via
// VMPTRLD.
func Vmread(field Field) (uint64, *kernel.Error) {
	value, rflags := vmreadFn(uint64(field))
	if vmxFailed(rflags) {
		logInstructionError("vmread", field)
		return 0, errVMReadFailed
	}
	return value, nil
}

// zeroPage clears a full page-sized region starting at va.
func zeroPage(va uintptr) {
	words := (*[mem.PageSize / 8]uint64)(unsafe.Pointer(va))
	for i := range words {
		words[i] = 0
	}
}

// revisionID returns the VMCS/VMXON revision identifier every such region
// must be stamped with: IA32_VMX_BASIC bits [30:0].
func revisionID() uint32 {
	return uint32(rdmsrFn(msrVMXBasic)) &^ (1 << 31)
}

// allocRegion allocates a single physical frame, zeroes it, and stamps the
// revision identifier into its first four bytes: the shape VMXON, VMCLEAR
// and VMPTRLD all require of the region they are pointed at.
func allocRegion() (pmm.Frame, *kernel.Error) {
	f, err := allocFrameFn()
	if err != nil {
		return pmm.InvalidFrame, err
	}
	va := f.VirtAddress()
	zeroPage(va)
	*(*uint32)(unsafe.Pointer(va)) = revisionID()
	return f, nil
}

// currentVMCS is the frame backing the single VMCS this kernel ever builds.
// The spec models the VMCS as a process-wide singleton with a strict
// initialization order; there is no support for more than one.
var currentVMCS = pmm.InvalidFrame

// NewVMCS allocates and initializes a fresh VMCS region, then makes it
// current-and-active: VMCLEAR followed by VMPTRLD, as required before any
// VMWRITE to it is legal.
func NewVMCS() *kernel.Error {
	f, err := allocRegion()
	if err != nil {
		return err
	}
	pa := uint64(f.Address())

	if vmxFailed(vmclearFn(pa)) {
		logInstructionError("vmclear", 0)
		return errVMClearFailed
	}
	if vmxFailed(vmptrldFn(pa)) {
		logInstructionError("vmptrld", 0)
		return errVMPtrldFailed
	}

	currentVMCS = f
	return nil
}
