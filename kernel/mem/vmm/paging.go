package vmm

import (
	"example.com/vmxkernel/kernel"
	"example.com/vmxkernel/kernel/cpu"
	"example.com/vmxkernel/kernel/mem"
	"example.com/vmxkernel/kernel/mem/pmm"
)

// FrameAllocatorFn allocates a single physical frame, as implemented by
// allocator.BitmapAllocator.AllocFrame.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// readCR3Fn/writeCR3Fn are indirected so tests can substitute an in-memory
// PML4 instead of the live control register.
var (
	readCR3Fn  = cpu.ReadCR3
	writeCR3Fn = cpu.WriteCR3
)

// directMapFlags is applied to every 1 GiB entry of the direct map. The
// region is never executed from and is global so it survives a later
// WriteCR3 to a per-vCPU CR3 without being re-flushed from the TLB.
const directMapFlags = FlagPresent | FlagWritable | FlagAccessed | FlagGlobal | FlagNoExecute

// kernelCloneStartIndex is the first PML4 index cloned verbatim from the
// loader's page tables into the rebuilt address space: everything at or
// above the kernel's own higher-half slot, excluding the direct-map slot
// itself.
var kernelCloneStartIndex = pml4Index(mem.KernelBase)

// directMapIndex is the single PML4 slot dedicated to the direct physical
// map.
var directMapIndex = pml4Index(mem.DirectMapBase)

// RebuildAddressSpace constructs a fresh PML4 containing:
//
//  1. a 512 GiB direct physical map at mem.DirectMapBase, built from 1 GiB
//     pages, requiring no further allocation once the PDPT itself exists;
//  2. every PML4 entry at or above the kernel's own slot (mem.KernelBase),
//     cloned from the currently-active (loader-provided) PML4 so the
//     running kernel image remains mapped;
//
// and installs it via cpu.WriteCR3. The old identity mapping used to reach
// physical memory during early boot is dropped at that point; every
// physical-to-virtual translation after this call goes through the direct
// map instead (see mem.ActivateDirectMap).
func RebuildAddressSpace(allocFrame FrameAllocatorFn) *kernel.Error {
	newFrame, newPML4, err := newTable(allocFrame)
	if err != nil {
		return err
	}

	if err := buildDirectMap(newPML4, allocFrame); err != nil {
		return err
	}

	loaderPML4 := currentPML4()
	for idx := kernelCloneStartIndex; idx < entriesPerTable; idx++ {
		if idx == directMapIndex {
			continue
		}
		entry := loaderPML4[idx]
		if !entry.HasFlags(FlagPresent) {
			continue
		}

		cloned, err := cloneSubtree(entry, 1, allocFrame)
		if err != nil {
			return err
		}
		newPML4[idx] = cloned
	}

	writeCR3Fn(uint64(newFrame.Address()))
	mem.ActivateDirectMap()
	return nil
}

// buildDirectMap allocates a single PDPT and fills all 512 of its entries
// with 1 GiB mappings covering physical addresses [0, mem.DirectMapSize).
func buildDirectMap(pml4 *table, allocFrame FrameAllocatorFn) *kernel.Error {
	pdptFrame, pdpt, err := newTable(allocFrame)
	if err != nil {
		return err
	}

	const oneGiB = uintptr(1) << 30
	for i := uintptr(0); i < entriesPerTable; i++ {
		pdpt[i] = pageTableEntryForLargePage(i*oneGiB, directMapFlags)
	}

	var pml4e pageTableEntry
	pml4e.SetFlags(FlagPresent | FlagWritable)
	pml4e.SetFrame(pdptFrame)
	pml4[directMapIndex] = pml4e

	return nil
}

// cloneSubtree recursively duplicates a present paging-structure entry and
// everything beneath it, down to and including level-1 page tables, which
// are copied wholesale (their 512 leaf entries verbatim, no recursion
// needed) rather than walked entry-by-entry. Large-page entries
// (FlagPageSize) are copied verbatim at any level: there is nothing beneath
// them to clone.
//
// level counts PML4 as 0; level 3 is the page-table level whose entries are
// 4 KiB leaves.
func cloneSubtree(entry pageTableEntry, level int, allocFrame FrameAllocatorFn) (pageTableEntry, *kernel.Error) {
	if entry.HasFlags(FlagPageSize) {
		return entry, nil
	}

	srcFrame := entry.Frame()
	src := tableFromFrame(srcFrame)

	dstFrame, dst, err := newTable(allocFrame)
	if err != nil {
		return 0, err
	}

	if level == 3 {
		*dst = *src
	} else {
		for i := range src {
			if !src[i].HasFlags(FlagPresent) {
				continue
			}
			cloned, err := cloneSubtree(src[i], level+1, allocFrame)
			if err != nil {
				return 0, err
			}
			dst[i] = cloned
		}
	}

	out := entry
	out.SetFrame(dstFrame)
	return out, nil
}

// currentPML4 returns a pointer to the PML4 referenced by CR3, dereferenced
// through whichever address translation is currently active.
func currentPML4() *table {
	return tableFromFrame(pmm.FrameFromAddress(uintptr(readCR3Fn()) &^ 0xfff))
}

// Translate walks the active page tables and returns the physical address
// that backs a virtual address, or ok=false if it is not mapped.
func Translate(virtAddr uintptr) (physAddr uintptr, ok bool) {
	pml4 := currentPML4()

	e := pml4[pml4Index(virtAddr)]
	if !e.HasFlags(FlagPresent) {
		return 0, false
	}

	pdpt := tableFromFrame(e.Frame())
	e = pdpt[pdptIndex(virtAddr)]
	if !e.HasFlags(FlagPresent) {
		return 0, false
	}
	if e.HasFlags(FlagPageSize) {
		return e.Frame().Address() + (virtAddr & (1<<30 - 1)), true
	}

	pd := tableFromFrame(e.Frame())
	e = pd[pdIndex(virtAddr)]
	if !e.HasFlags(FlagPresent) {
		return 0, false
	}
	if e.HasFlags(FlagPageSize) {
		return e.Frame().Address() + (virtAddr & (1<<21 - 1)), true
	}

	pt := tableFromFrame(e.Frame())
	e = pt[ptIndex(virtAddr)]
	if !e.HasFlags(FlagPresent) {
		return 0, false
	}
	return e.Frame().Address() + (virtAddr & uintptr(mem.PageSize-1)), true
}
