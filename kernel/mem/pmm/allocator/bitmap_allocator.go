// Package allocator implements the kernel's physical frame allocator: a
// bitmap over physical frames, seeded from the firmware memory map and
// consulted for every page-table and VMX-region allocation made during
// startup.
package allocator

import (
	"example.com/vmxkernel/kernel"
	"example.com/vmxkernel/kernel/boot"
	"example.com/vmxkernel/kernel/kfmt"
	"example.com/vmxkernel/kernel/mem"
	"example.com/vmxkernel/kernel/mem/pmm"
)

// maxPhysical bounds the span covered by the allocator's bitmap. The
// pedagogical target machines for this kernel never exceed this much RAM;
// a production allocator would size the bitmap dynamically instead.
const maxPhysical = 128 * uint64(mem.Gb)

const bitmapWords = uint64(maxPhysical/uint64(mem.PageSize)+63) / 64

// BitmapAllocator is a single flat bitmap over physical frames: one bit per
// frame, 1 meaning in-use. It is the sole authority for frame liveness; there
// is no compaction and no coalescing metadata.
type BitmapAllocator struct {
	bitmap [bitmapWords]uint64

	// frameBegin/frameEnd bound the meaningful range discovered from the
	// firmware memory map; scans never look outside of it.
	frameBegin, frameEnd pmm.Frame

	// bootServicesData remembers the frames that were typed as
	// BootServicesData so ReleaseBootServicesData can free them once
	// the loader's tables are no longer needed.
	bootServicesData []frameRange
}

type frameRange struct {
	start, end pmm.Frame // [start, end)
}

var (
	errOutOfMemory = &kernel.Error{Module: "pmm_alloc", Message: "out of physical memory"}
)

func wordAndBit(f pmm.Frame) (word uint64, bit uint64) {
	return uint64(f) >> 6, uint64(f) & 63
}

func (a *BitmapAllocator) markUsed(f pmm.Frame) {
	w, b := wordAndBit(f)
	a.bitmap[w] |= 1 << b
}

func (a *BitmapAllocator) markFree(f pmm.Frame) {
	w, b := wordAndBit(f)
	a.bitmap[w] &^= 1 << b
}

func (a *BitmapAllocator) isUsed(f pmm.Frame) bool {
	w, b := wordAndBit(f)
	return a.bitmap[w]&(1<<b) != 0
}

// Init marks every frame used and then releases the ranges reported by the
// firmware memory map as ConventionalMemory or BootServicesCode. Frame 0 is
// never released. BootServicesData is held used until a later call to
// ReleaseBootServicesData, since the loader's own page tables may still live
// there when Init runs.
func (a *BitmapAllocator) Init(mm *boot.MemoryMap) {
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}
	a.bootServicesData = a.bootServicesData[:0]

	var minFrame = pmm.Frame(maxPhysical >> mem.PageShift)
	var maxFrame pmm.Frame

	mm.Visit(func(desc *boot.MemoryDescriptor) bool {
		start := pmm.Frame(desc.PhysicalStart >> mem.PageShift)
		end := start + pmm.Frame(desc.NumberOfPages)

		if start < minFrame {
			minFrame = start
		}
		if end > maxFrame {
			maxFrame = end
		}

		switch boot.MemoryType(desc.Type) {
		case boot.MemoryConventionalMemory, boot.MemoryBootServicesCode:
			for f := start; f < end; f++ {
				if f == 0 {
					continue
				}
				a.markFree(f)
			}
		case boot.MemoryBootServicesData:
			a.bootServicesData = append(a.bootServicesData, frameRange{start: start, end: end})
		}
		return true
	})

	a.markUsed(0)
	a.frameBegin = minFrame
	a.frameEnd = maxFrame

	kfmt.Printf("[pmm_alloc] frame range [0x%x, 0x%x)\n", uint64(a.frameBegin), uint64(a.frameEnd))
}

// ReleaseBootServicesData frees the frames typed BootServicesData by the
// firmware memory map. It must only be called once the loader's page tables
// (which may live in such a region) are no longer required, i.e. after
// paging reconstruction.
func (a *BitmapAllocator) ReleaseBootServicesData() {
	for _, r := range a.bootServicesData {
		for f := r.start; f < r.end; f++ {
			if f == 0 {
				continue
			}
			a.markFree(f)
		}
	}
	a.bootServicesData = a.bootServicesData[:0]
}

// framesFor returns the number of whole frames needed to cover n bytes.
func framesFor(n mem.Size) uint64 {
	return uint64(n.Pages())
}

// AllocPages scans the bitmap from frameBegin for the first contiguous run
// of n frames aligned to max(1, align/PageSize) frames, marks it used, and
// returns the direct-map virtual address of the first frame. It returns 0 on
// exhaustion.
func (a *BitmapAllocator) AllocPages(n uint64, align mem.Size) uintptr {
	if n == 0 {
		return 0
	}

	frameAlign := pmm.Frame(1)
	if align > mem.PageSize {
		frameAlign = pmm.Frame(align.Pages())
	}

	for candidate := a.frameBegin; candidate+pmm.Frame(n) <= a.frameEnd; {
		if uint64(candidate)%uint64(frameAlign) != 0 {
			candidate += pmm.Frame(uint64(frameAlign) - uint64(candidate)%uint64(frameAlign))
			continue
		}

		runOK := true
		var i uint64
		for ; i < n; i++ {
			if a.isUsed(candidate + pmm.Frame(i)) {
				runOK = false
				break
			}
		}

		if runOK {
			for i = 0; i < n; i++ {
				a.markUsed(candidate + pmm.Frame(i))
			}
			return candidate.VirtAddress()
		}

		candidate += pmm.Frame(i + 1)
	}

	return 0
}

// AllocBytes is AllocPages sized in bytes rather than frame counts, rounding
// up to a whole number of frames.
func (a *BitmapAllocator) AllocBytes(n mem.Size) uintptr {
	return a.AllocPages(framesFor(n), mem.PageSize)
}

// Alloc4KAligned allocates a single 4 KiB frame and returns its direct-map
// virtual address, or 0 on exhaustion.
func (a *BitmapAllocator) Alloc4KAligned() uintptr {
	return a.AllocPages(1, mem.PageSize)
}

// AllocFrame is the pmm.Frame-returning counterpart of Alloc4KAligned, used
// by callers (the paging engine, the VMX region allocators) that need the
// frame number rather than a virtual address.
func (a *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	va := a.Alloc4KAligned()
	if va == 0 {
		return pmm.InvalidFrame, errOutOfMemory
	}
	phys := va
	if mem.DirectMapActive() {
		phys -= mem.DirectMapBase
	}
	return pmm.FrameFromAddress(phys), nil
}

// FreeBytes releases the frames backing [addr, addr+size), rounding addr
// down and size up to whole frames.
func (a *BitmapAllocator) FreeBytes(addr uintptr, size mem.Size) {
	if addr == 0 {
		return
	}

	phys := addr
	if mem.DirectMapActive() {
		phys -= mem.DirectMapBase
	}
	start := pmm.FrameFromAddress(mem.AlignDown(phys, uintptr(mem.PageSize)))
	n := framesFor(mem.Size(phys-mem.AlignDown(phys, uintptr(mem.PageSize))) + size)
	if n == 0 {
		n = 1
	}

	for i := uint64(0); i < n; i++ {
		a.markFree(start + pmm.Frame(i))
	}
}

// FreeFrame releases a single frame previously returned by AllocFrame.
func (a *BitmapAllocator) FreeFrame(f pmm.Frame) {
	a.markFree(f)
}

// FrameAllocator is the process-wide singleton used by every subsystem that
// needs physical frames: the paging engine, the VMXON/VMCS allocators and
// the vmm mapping layer.
var FrameAllocator BitmapAllocator
