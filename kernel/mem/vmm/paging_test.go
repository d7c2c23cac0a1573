package vmm

import (
	"testing"
	"unsafe"

	"example.com/vmxkernel/kernel"
	"example.com/vmxkernel/kernel/mem"
	"example.com/vmxkernel/kernel/mem/pmm"
)

// fakeMemory backs RebuildAddressSpace's table allocations with ordinary Go
// memory instead of real physical frames: each allocated frame gets a
// distinct fake physical address, and tablePtrFn maps that address (or its
// direct-map alias, once the direct map is active) back to the *table Go
// actually allocated for it.
type fakeMemory struct {
	tables    map[uintptr]*table
	nextFrame uintptr
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{tables: make(map[uintptr]*table), nextFrame: 0x10_0000}
}

func (f *fakeMemory) allocFrame() (pmm.Frame, *kernel.Error) {
	addr := f.nextFrame
	f.nextFrame += uintptr(mem.PageSize)
	f.tables[addr] = &table{}
	return pmm.FrameFromAddress(addr), nil
}

func (f *fakeMemory) resolve(addr uintptr) unsafe.Pointer {
	if mem.DirectMapActive() {
		addr -= mem.DirectMapBase
	}
	t, ok := f.tables[addr]
	if !ok {
		panic("vmm test: dereference of untracked fake address")
	}
	return unsafe.Pointer(t)
}

// withFakeMemory points tablePtrFn at f for the duration of fn. Note that
// mem.DirectMapActive has no reset hook (by design: the real kernel only
// ever activates it once), so a test that calls RebuildAddressSpace leaves
// the package-level latch set for the remainder of the test binary; order
// tests accordingly.
func withFakeMemory(t *testing.T, fn func(f *fakeMemory)) {
	t.Helper()
	f := newFakeMemory()

	prevPtrFn := tablePtrFn
	tablePtrFn = f.resolve
	defer func() { tablePtrFn = prevPtrFn }()

	fn(f)
}

func TestBuildDirectMapCoversFullRange(t *testing.T) {
	withFakeMemory(t, func(f *fakeMemory) {
		pml4 := &table{}

		if err := buildDirectMap(pml4, f.allocFrame); err != nil {
			t.Fatalf("buildDirectMap failed: %s", err)
		}

		pml4e := pml4[directMapIndex]
		if !pml4e.HasFlags(FlagPresent | FlagWritable) {
			t.Fatal("expected direct-map PML4 entry to be present and writable")
		}

		pdpt := tableFromFrame(pml4e.Frame())
		const oneGiB = uintptr(1) << 30
		for i, e := range pdpt {
			if !e.HasFlags(directMapFlags) {
				t.Fatalf("pdpt[%d]: expected direct-map flags, got none missing", i)
			}
			if got := e.Frame().Address(); got != uintptr(i)*oneGiB {
				t.Fatalf("pdpt[%d]: expected physical base %#x, got %#x", i, uintptr(i)*oneGiB, got)
			}
		}
	})
}

func TestCloneSubtreeCopiesLeafPageTables(t *testing.T) {
	withFakeMemory(t, func(f *fakeMemory) {
		ptFrame, pt, err := newTable(f.allocFrame)
		if err != nil {
			t.Fatalf("newTable: %s", err)
		}
		var leaf pageTableEntry
		leaf.SetFlags(FlagPresent | FlagWritable)
		leaf.SetFrame(pmm.FrameFromAddress(0x200_000))
		pt[5] = leaf

		pdFrame, pd, err := newTable(f.allocFrame)
		if err != nil {
			t.Fatalf("newTable: %s", err)
		}
		var pde pageTableEntry
		pde.SetFlags(FlagPresent | FlagWritable)
		pde.SetFrame(ptFrame)
		pd[0] = pde

		pdptFrame, pdpt, err := newTable(f.allocFrame)
		if err != nil {
			t.Fatalf("newTable: %s", err)
		}
		var pdpte pageTableEntry
		pdpte.SetFlags(FlagPresent | FlagWritable)
		pdpte.SetFrame(pdFrame)
		pdpt[0] = pdpte

		var rootEntry pageTableEntry
		rootEntry.SetFlags(FlagPresent | FlagWritable)
		rootEntry.SetFrame(pdptFrame)

		cloned, err := cloneSubtree(rootEntry, 1, f.allocFrame)
		if err != nil {
			t.Fatalf("cloneSubtree failed: %s", err)
		}
		if cloned.Frame() == rootEntry.Frame() {
			t.Fatal("expected cloneSubtree to allocate a new PDPT rather than reuse the original")
		}

		clonedPDPT := tableFromFrame(cloned.Frame())
		if clonedPDPT[0].Frame() == pdpt[0].Frame() {
			t.Fatal("expected cloneSubtree to allocate a new PD rather than reuse the original")
		}

		clonedPD := tableFromFrame(clonedPDPT[0].Frame())
		if clonedPD[0].Frame() == pd[0].Frame() {
			t.Fatal("expected cloneSubtree to allocate a new PT rather than reuse the original")
		}

		clonedPT := tableFromFrame(clonedPD[0].Frame())
		if *clonedPT != *pt {
			t.Fatal("expected cloneSubtree to copy the leaf page table's contents verbatim")
		}
	})
}

func TestCloneSubtreePreservesLargePages(t *testing.T) {
	withFakeMemory(t, func(f *fakeMemory) {
		entry := pageTableEntryForLargePage(2<<20, FlagPresent|FlagWritable)

		cloned, err := cloneSubtree(entry, 2, f.allocFrame)
		if err != nil {
			t.Fatalf("cloneSubtree failed: %s", err)
		}
		if cloned != entry {
			t.Fatalf("expected large-page entry to be returned unchanged, got %#x vs %#x", uintptr(cloned), uintptr(entry))
		}
	})
}

func TestRebuildAddressSpaceInstallsDirectMapAndClonesKernel(t *testing.T) {
	withFakeMemory(t, func(f *fakeMemory) {
		loaderFrame, loaderPML4, err := newTable(f.allocFrame)
		if err != nil {
			t.Fatalf("newTable: %s", err)
		}

		ptFrame, _, err := newTable(f.allocFrame)
		if err != nil {
			t.Fatalf("newTable: %s", err)
		}
		var kernelEntry pageTableEntry
		kernelEntry.SetFlags(FlagPresent | FlagWritable)
		kernelEntry.SetFrame(ptFrame)
		loaderPML4[kernelCloneStartIndex] = kernelEntry

		prevRead, prevWrite := readCR3Fn, writeCR3Fn
		var installedCR3 uint64
		readCR3Fn = func() uint64 { return uint64(loaderFrame.Address()) }
		writeCR3Fn = func(v uint64) { installedCR3 = v }
		defer func() { readCR3Fn, writeCR3Fn = prevRead, prevWrite }()

		if err := RebuildAddressSpace(f.allocFrame); err != nil {
			t.Fatalf("RebuildAddressSpace failed: %s", err)
		}

		if !mem.DirectMapActive() {
			t.Fatal("expected RebuildAddressSpace to activate the direct map")
		}
		if installedCR3 == 0 {
			t.Fatal("expected RebuildAddressSpace to install a new CR3")
		}

		newPML4 := tableFromFrame(pmm.FrameFromAddress(uintptr(installedCR3)))
		if !newPML4[directMapIndex].HasFlags(FlagPresent) {
			t.Error("expected new PML4 to contain the direct-map entry")
		}
		if !newPML4[kernelCloneStartIndex].HasFlags(FlagPresent) {
			t.Error("expected new PML4 to contain the cloned kernel entry")
		}
		if newPML4[kernelCloneStartIndex].Frame() == kernelEntry.Frame() {
			t.Error("expected the cloned kernel entry's own table to be freshly allocated")
		}
	})
}
