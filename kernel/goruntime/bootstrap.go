// Package goruntime bootstraps the Go runtime's memory allocator so that
// ordinary Go code (append, make, closures) keeps working in a freestanding
// kernel binary with no host OS underneath it.
package goruntime

import (
	"unsafe"

	"example.com/vmxkernel/kernel/mem"
	"example.com/vmxkernel/kernel/mem/pmm/allocator"
)

var (
	allocBytesFn = allocator.FrameAllocator.AllocBytes
	freeBytesFn  = allocator.FrameAllocator.FreeBytes
)

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space for the Go allocator. Unlike a
// general-purpose OS allocator, this kernel's direct physical map already
// covers every usable physical frame before the runtime starts allocating,
// so "reserve" and "commit" collapse into a single frame-allocator call:
// there is no lazy, not-yet-backed virtual range to speak of.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	addr := allocBytesFn(mem.Size(size))
	if addr == 0 {
		return nil
	}
	*reserved = true
	return unsafe.Pointer(addr)
}

// sysMap finalizes a region previously reserved by sysReserve. Since
// sysReserve already returns committed, present frames, sysMap has nothing
// left to do beyond updating the runtime's memory-stats counter.
//
// This function replaces runtime.sysMap and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}
	mSysStatInc(sysStat, size)
	return virtAddr
}

// sysAlloc reserves and commits a region in a single step, for call sites
// that never go through sysReserve/sysMap.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	addr := allocBytesFn(mem.Size(size))
	if addr == 0 {
		return nil
	}
	mSysStatInc(sysStat, size)
	return unsafe.Pointer(addr)
}

// sysFree releases a region previously returned by sysAlloc or sysMap.
//
// This function replaces runtime.sysFree and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysFree
//go:nosplit
func sysFree(virtAddr unsafe.Pointer, size uintptr, sysStat *uint64) {
	freeBytesFn(uintptr(virtAddr), mem.Size(size))
	mSysStatInc(sysStat, ^uintptr(size)+1)
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
	sysFree(zeroPtr, 0, &stat)
}
