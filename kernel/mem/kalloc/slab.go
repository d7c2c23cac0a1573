// Package kalloc layers a small size-class slab allocator on top of the
// physical frame allocator, for kernel structures (Vcpu, VMCS bookkeeping)
// that are too small to justify a whole 4 KiB frame each.
package kalloc

import (
	"unsafe"

	"example.com/vmxkernel/kernel"
	"example.com/vmxkernel/kernel/mem"
	"example.com/vmxkernel/kernel/mem/pmm/allocator"
)

// sizeClasses are the slot sizes a slab can be carved into. A request larger
// than the biggest class is served directly by the frame allocator instead.
var sizeClasses = [...]mem.Size{32, 64, 128, 256, 512, 1024, 2048}

var (
	allocFrameFn = allocator.FrameAllocator.Alloc4KAligned
	allocBytesFn = allocator.FrameAllocator.AllocBytes
	freeBytesFn  = allocator.FrameAllocator.FreeBytes
)

var errOversized = &kernel.Error{Module: "kalloc", Message: "frame allocator exhausted"}

// freeSlot is the intrusive free-list node written into a free slot's own
// memory; a slab's free list is a singly-linked chain of these.
type freeSlot struct {
	next *freeSlot
}

// slab is one 4 KiB frame carved into equal-sized slots.
type slab struct {
	base     uintptr
	slotSize mem.Size
	free     *freeSlot
	next     *slab
}

// class tracks every slab currently backing a given slot size.
type class struct {
	slotSize mem.Size
	slabs    *slab
}

var classes [len(sizeClasses)]class

func init() {
	for i, s := range sizeClasses {
		classes[i].slotSize = s
	}
}

// classFor returns the index of the smallest size class that can satisfy a
// request of n bytes, or -1 if n exceeds every class.
func classFor(n mem.Size) int {
	for i, s := range sizeClasses {
		if n <= s {
			return i
		}
	}
	return -1
}

// Alloc returns a pointer to a zeroed block of at least n bytes. Requests
// larger than the biggest size class are served directly by the frame
// allocator, rounded up to whole pages.
func Alloc(n mem.Size) (uintptr, *kernel.Error) {
	if n == 0 {
		n = 1
	}

	idx := classFor(n)
	if idx < 0 {
		addr := allocBytesFn(n)
		if addr == 0 {
			return 0, errOversized
		}
		return addr, nil
	}

	c := &classes[idx]
	if c.slabs == nil || c.slabs.free == nil {
		if err := growClass(c); err != nil {
			return 0, err
		}
	}

	for s := c.slabs; s != nil; s = s.next {
		if s.free == nil {
			continue
		}
		slot := s.free
		s.free = slot.next
		addr := uintptr(unsafe.Pointer(slot))
		mem.Zero(addr, c.slotSize)
		return addr, nil
	}

	// Every existing slab for this class is full; grow and retry once.
	if err := growClass(c); err != nil {
		return 0, err
	}
	slot := c.slabs.free
	c.slabs.free = slot.next
	addr := uintptr(unsafe.Pointer(slot))
	mem.Zero(addr, c.slotSize)
	return addr, nil
}

// growClass allocates a fresh frame, carves it into slots of the class's
// size and links it into the class's slab list.
func growClass(c *class) *kernel.Error {
	base := allocFrameFn()
	if base == 0 {
		return errOversized
	}

	s := &slab{base: base, slotSize: c.slotSize}
	slotCount := uint64(mem.PageSize) / uint64(c.slotSize)
	for i := uint64(0); i < slotCount; i++ {
		slotAddr := base + uintptr(i)*uintptr(c.slotSize)
		slot := (*freeSlot)(unsafe.Pointer(slotAddr))
		slot.next = s.free
		s.free = slot
	}

	s.next = c.slabs
	c.slabs = s
	return nil
}

// Free returns a block previously returned by Alloc to its slab's free
// list, or back to the frame allocator if it was an oversized allocation.
func Free(addr uintptr, n mem.Size) {
	if addr == 0 {
		return
	}

	idx := classFor(n)
	if idx < 0 {
		freeBytesFn(addr, n)
		return
	}

	c := &classes[idx]
	slot := (*freeSlot)(unsafe.Pointer(addr))
	for s := c.slabs; s != nil; s = s.next {
		if addr >= s.base && addr < s.base+uintptr(mem.PageSize) {
			slot.next = s.free
			s.free = slot
			return
		}
	}
}
