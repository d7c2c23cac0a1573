// Package kmain is the kernel's entry point: the single place that
// sequences every subsystem's init in dependency order and then hands the
// CPU to a guest.
package kmain

import (
	"example.com/vmxkernel/kernel"
	"example.com/vmxkernel/kernel/boot"
	"example.com/vmxkernel/kernel/gdt"
	"example.com/vmxkernel/kernel/hal/serial"
	"example.com/vmxkernel/kernel/idt"
	"example.com/vmxkernel/kernel/kfmt"
	"example.com/vmxkernel/kernel/mem/pmm/allocator"
	"example.com/vmxkernel/kernel/mem/vmm"
	"example.com/vmxkernel/kernel/vmx"
)

const serialBaud = 115200

var (
	errBadBootInfo   = &kernel.Error{Module: "kmain", Message: "BootInfo magic mismatch"}
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// kernelPanicFn is indirected so tests can observe the unrecoverable-error
// path without halting the test process.
var kernelPanicFn = kernel.Panic

// kernelEntry is never called from Go; the linker script names it as the
// ELF entry point. See entry_amd64.s.
func kernelEntry()

// Kmain is the only Go symbol the entry trampoline calls. bi points at the
// BootInfo the loader assembled before jumping here; it must be validated
// before any of its fields are trusted.
//
// Kmain is not expected to return. If every init step succeeds it hands the
// CPU to vmx.Run and never comes back from there either; if Run does
// return, that is itself an unrecoverable condition.
//
//go:noinline
func Kmain(bi *boot.BootInfo) {
	if !bi.Valid() {
		kernelPanicFn(errBadBootInfo)
		return
	}

	serial.COM1Port.Init(serialBaud)
	kfmt.SetOutputSink(&serial.COM1Port)
	kfmt.Printf("booting\n")

	allocator.FrameAllocator.Init(&bi.Map)

	if err := vmm.RebuildAddressSpace(allocator.FrameAllocator.AllocFrame); err != nil {
		kernelPanicFn(err)
		return
	}
	allocator.FrameAllocator.ReleaseBootServicesData()

	gdt.Init()
	idt.Init()
	kfmt.Printf("gdt/idt initialized\n")

	if err := vmx.Enter(); err != nil {
		kernelPanicFn(err)
		return
	}
	kfmt.Printf("entered VMX root operation\n")

	vcpu, err := vmx.NewVcpu()
	if err != nil {
		kernelPanicFn(err)
		return
	}
	if err := vmx.BuildVMCS(vcpu); err != nil {
		kernelPanicFn(err)
		return
	}
	kfmt.Printf("vmcs built, launching guest\n")

	if err := vmx.Run(vcpu); err != nil {
		kernelPanicFn(err)
		return
	}

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernelPanicFn(errKmainReturned)
}
