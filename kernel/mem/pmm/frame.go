// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"math"

	"example.com/vmxkernel/kernel/mem"
)

// Frame describes a physical memory page index: frame f covers the physical
// range [f*PageSize, (f+1)*PageSize).
type Frame uint64

// InvalidFrame is returned by frame allocators when they fail to reserve the
// requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// IsValid returns true if this is a valid frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address, rounding down to the containing frame if the address is not
// frame-aligned.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// VirtAddress returns the virtual address at which this frame's contents can
// currently be dereferenced. Before the direct physical map is installed
// (mem.DirectMapActive) this is the identity mapping inherited from the
// loader; afterwards it is phys + DirectMapBase.
func (f Frame) VirtAddress() uintptr {
	if !mem.DirectMapActive() {
		return f.Address()
	}
	return f.Address() + mem.DirectMapBase
}
