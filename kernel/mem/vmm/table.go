package vmm

import (
	"unsafe"

	"example.com/vmxkernel/kernel"
	"example.com/vmxkernel/kernel/mem"
	"example.com/vmxkernel/kernel/mem/pmm"
)

// entriesPerTable is the number of entries in a single paging-structure
// table. Each entry is 8 bytes, so a table occupies exactly one 4 KiB frame.
const entriesPerTable = 512

// table is the in-memory layout of a single PML4, PDPT, PD or PT.
type table [entriesPerTable]pageTableEntry

// tablePtrFn resolves a dereferenceable address to a *table. It is
// indirected so tests can substitute fake addresses backed by ordinary Go
// memory instead of real physical frames.
var tablePtrFn = func(virtAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(virtAddr)
}

// tableAt returns a pointer to the table whose first byte lives at the given
// (currently dereferenceable) virtual address.
func tableAt(virtAddr uintptr) *table {
	return (*table)(tablePtrFn(virtAddr))
}

// tableFromFrame returns a pointer to the table backed by the given physical
// frame, using whichever address translation (identity or direct-mapped) is
// currently active.
func tableFromFrame(f pmm.Frame) *table {
	return tableAt(f.VirtAddress())
}

// pml4Index, pdptIndex, pdIndex and ptIndex extract the 9-bit index into
// each paging level from a canonical virtual address.
func pml4Index(virtAddr uintptr) uintptr { return (virtAddr >> 39) & 0x1ff }
func pdptIndex(virtAddr uintptr) uintptr { return (virtAddr >> 30) & 0x1ff }
func pdIndex(virtAddr uintptr) uintptr   { return (virtAddr >> 21) & 0x1ff }
func ptIndex(virtAddr uintptr) uintptr   { return (virtAddr >> 12) & 0x1ff }

// newTable allocates a fresh, zeroed paging-structure table and returns both
// its physical frame and a pointer usable to populate it immediately.
func newTable(allocFrame FrameAllocatorFn) (pmm.Frame, *table, *kernel.Error) {
	frame, err := allocFrame()
	if err != nil {
		return pmm.InvalidFrame, nil, err
	}
	t := tableFromFrame(frame)
	mem.Zero(uintptr(unsafe.Pointer(t)), mem.PageSize)
	return frame, t, nil
}
