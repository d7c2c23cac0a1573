// Package vmm rebuilds the kernel's address space: a direct physical map
// covering all of RAM plus a higher-half region cloned from the loader's
// page tables, installed in place of the identity mapping the loader leaves
// behind.
package vmm

import (
	"example.com/vmxkernel/kernel/mem/pmm"
)

// PageTableEntryFlag describes a flag bit that can be set on a page table
// entry. The encoding is amd64-specific.
type PageTableEntryFlag uintptr

// Page table entry flag bits, common to all four paging levels. FlagPageSize
// only has meaning at the PDPT and PD levels (1 GiB / 2 MiB leaf mappings);
// FlagNoExecute is only honoured when EFER.NXE is set; nothing in this
// kernel sets that bit itself.
const (
	FlagPresent      PageTableEntryFlag = 1 << 0
	FlagWritable     PageTableEntryFlag = 1 << 1
	FlagUser         PageTableEntryFlag = 1 << 2
	FlagWriteThrough PageTableEntryFlag = 1 << 3
	FlagCacheDisable PageTableEntryFlag = 1 << 4
	FlagAccessed     PageTableEntryFlag = 1 << 5
	FlagDirty        PageTableEntryFlag = 1 << 6
	FlagPageSize     PageTableEntryFlag = 1 << 7
	FlagGlobal       PageTableEntryFlag = 1 << 8
	FlagNoExecute    PageTableEntryFlag = 1 << 63
)

// ptePhysPageMask covers bits 12-51, the physical frame number field common
// to every paging-structure entry.
const ptePhysPageMask = uintptr(0x000f_ffff_ffff_f000)

// pageTableEntry is a single 8-byte slot in any of the four paging levels.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all of the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// SetFlags sets the input flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical frame that this page table entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.FrameFromAddress(uintptr(pte) & ptePhysPageMask)
}

// SetFrame updates the page table entry to point at the given physical
// frame, leaving its flag bits untouched.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// Empty returns true if the entry has no flags and no frame set.
func (pte pageTableEntry) Empty() bool {
	return pte == 0
}

// pageTableEntryForLargePage returns an entry mapping a 1 GiB or 2 MiB
// physical region directly (FlagPageSize set), used when cloning or
// constructing the direct map.
func pageTableEntryForLargePage(phys uintptr, flags PageTableEntryFlag) pageTableEntry {
	pte := pageTableEntry(phys & ptePhysPageMask)
	pte.SetFlags(flags | FlagPageSize)
	return pte
}
