package goruntime

import (
	"testing"
	"unsafe"

	"example.com/vmxkernel/kernel/mem"
)

func TestSysReserve(t *testing.T) {
	defer func() { allocBytesFn = origAllocBytesFn }()

	t.Run("success", func(t *testing.T) {
		var gotSize mem.Size
		allocBytesFn = func(size mem.Size) uintptr {
			gotSize = size
			return 0xbadf00d
		}

		var reserved bool
		ptr := sysReserve(nil, 100, &reserved)
		if uintptr(ptr) != 0xbadf00d {
			t.Fatalf("expected sysReserve to return the allocator's address, got 0x%x", uintptr(ptr))
		}
		if !reserved {
			t.Fatal("expected sysReserve to set reserved=true on success")
		}
		if gotSize != 100 {
			t.Fatalf("expected allocBytesFn to be called with size 100, got %d", gotSize)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		allocBytesFn = func(mem.Size) uintptr { return 0 }

		var reserved bool
		if got := sysReserve(nil, 100, &reserved); got != nil {
			t.Fatalf("expected sysReserve to return nil on exhaustion, got 0x%x", uintptr(got))
		}
		if reserved {
			t.Fatal("expected reserved to remain false on exhaustion")
		}
	})
}

func TestSysMap(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var stat uint64
		addr := unsafe.Pointer(uintptr(0x1000))
		if got := sysMap(addr, 4096, true, &stat); got != addr {
			t.Fatalf("expected sysMap to return the input address unchanged, got 0x%x", uintptr(got))
		}
		if stat != 4096 {
			t.Fatalf("expected stat counter to be incremented by 4096, got %d", stat)
		}
	})

	t.Run("panics if not reserved", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected sysMap to panic when reserved=false")
			}
		}()
		sysMap(nil, 0, false, nil)
	})
}

func TestSysAlloc(t *testing.T) {
	defer func() { allocBytesFn = origAllocBytesFn }()

	t.Run("success", func(t *testing.T) {
		allocBytesFn = func(mem.Size) uintptr { return 0x2000 }

		var stat uint64
		if got := sysAlloc(8192, &stat); uintptr(got) != 0x2000 {
			t.Fatalf("expected sysAlloc to return 0x2000, got 0x%x", uintptr(got))
		}
		if stat != 8192 {
			t.Fatalf("expected stat counter to be incremented by 8192, got %d", stat)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		allocBytesFn = func(mem.Size) uintptr { return 0 }

		var stat uint64
		if got := sysAlloc(8192, &stat); got != nil {
			t.Fatalf("expected sysAlloc to return nil on exhaustion, got 0x%x", uintptr(got))
		}
	})
}

func TestSysFree(t *testing.T) {
	defer func() { freeBytesFn = origFreeBytesFn }()

	var gotAddr uintptr
	var gotSize mem.Size
	freeBytesFn = func(addr uintptr, size mem.Size) {
		gotAddr, gotSize = addr, size
	}

	var stat uint64
	sysFree(unsafe.Pointer(uintptr(0x3000)), 4096, &stat)

	if gotAddr != 0x3000 || gotSize != 4096 {
		t.Fatalf("expected freeBytesFn(0x3000, 4096), got (0x%x, %d)", gotAddr, gotSize)
	}
}

var (
	origAllocBytesFn = allocBytesFn
	origFreeBytesFn  = freeBytesFn
)
