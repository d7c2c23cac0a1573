package vmx

import (
	"unsafe"

	"example.com/vmxkernel/kernel"
	"example.com/vmxkernel/kernel/mem"
	"example.com/vmxkernel/kernel/mem/kalloc"
)

// GuestRegisters is the block of guest general-purpose and XMM register
// state the entry/exit trampolines shuttle into and out of the VMCS's
// GPR-less guest-state area — GUEST_RSP is VMCS-managed and has no slot
// here. Its layout is a binary contract with trampoline_amd64.s: every
// field's byte offset is pinned by the explicit padding field below and
// cross-checked in vcpu_test.go, since nothing in the Go type system
// enforces struct layout across a Go/assembly boundary.
type GuestRegisters struct {
	RAX, RCX, RDX, RBX uint64
	RBP, RSI, RDI      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	_ uint64 // pads XMM0 to a 16-byte boundary (offset 128)

	XMM0, XMM1, XMM2, XMM3 [16]byte
	XMM4, XMM5, XMM6, XMM7 [16]byte
}

// Byte offsets into GuestRegisters, matching the literals trampoline_amd64.s
// hardcodes. These exist so vcpu_test.go can assert unsafe.Offsetof agrees
// with what the assembly actually uses, rather than as values consumed
// elsewhere in Go — the assembly cannot reference Go constants directly.
const (
	offRAX = 0
	offRCX = 8
	offRDX = 16
	offRBX = 24
	offRBP = 32
	offRSI = 40
	offRDI = 48
	offR8  = 56
	offR9  = 64
	offR10 = 72
	offR11 = 80
	offR12 = 88
	offR13 = 96
	offR14 = 104
	offR15 = 112

	offXMM0 = 128
	offXMM1 = 144
	offXMM2 = 160
	offXMM3 = 176
	offXMM4 = 192
	offXMM5 = 208
	offXMM6 = 224
	offXMM7 = 240
)

// Vcpu is the kernel's sole virtual CPU: the guest register save area,
// GuestRegs, plus the launch/resume latch the entry trampoline consults on
// every call. GuestRegs is the struct's first field so &Vcpu{} and
// &Vcpu{}.GuestRegs are numerically identical — the trampoline relies on
// this to reach both with a single pointer.
type Vcpu struct {
	GuestRegs  GuestRegisters
	LaunchDone uint8
}

// offLaunchDone is unsafe.Sizeof(GuestRegisters{}): LaunchDone immediately
// follows the register block, with no padding needed since it is a single
// byte.
const offLaunchDone = 256

// NewVcpu allocates a zeroed Vcpu from the slab allocator. Slab slot sizes
// are all multiples of 16 carved out of page-aligned frames, so the
// returned pointer is always 16-byte aligned — required for the MOVUPS/
// MOVAPS-style XMM saves/restores in trampoline_amd64.s.
func NewVcpu() (*Vcpu, *kernel.Error) {
	addr, err := kalloc.Alloc(mem.Size(unsafe.Sizeof(Vcpu{})))
	if err != nil {
		return nil, err
	}
	return (*Vcpu)(unsafe.Pointer(addr)), nil
}
