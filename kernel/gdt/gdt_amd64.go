// Package gdt builds and loads the kernel's long-mode Global Descriptor
// Table and its companion Task State Segment. VMX host-state entry requires
// a non-null TR, so bringing up a GDT with a busy TSS is a prerequisite for
// entering VMX root operation (see package vmx), not merely a legacy
// protected-mode leftover.
package gdt

import (
	"unsafe"

	"example.com/vmxkernel/kernel/cpu"
)

// Table indices. Index 0 is the mandatory null descriptor; 3 and 4 together
// hold the 16-byte TSS descriptor.
const (
	NullIndex = 0
	DataIndex = 1
	CodeIndex = 2
	TSSIndex  = 3
)

// entryCount is the number of 8-byte slots in the GDT, matching the layout
// in spec: null, data, code, and a two-slot TSS descriptor, with three
// spare slots for a fuller build (per-CPU, user segments, ...).
const entryCount = 8

const (
	accessData = 0x92 // P=1, S=1, Type=2 (read/write data)
	flagsData  = 0xC  // G=1, DB=1, L=0

	accessCode = 0x9A // P=1, S=1, Type=0xA (execute/read code)
	flagsCode  = 0xA  // G=1, DB=0, L=1 (long mode)

	accessTSS = 0x89 // P=1, DPL=0, Type=9 (64-bit available TSS)
	flagsTSS  = 0x0
)

// table is the GDT itself, a flat array of 8-byte descriptors in BSS.
var table [entryCount]uint64

// tss is the kernel's sole Task State Segment. Every RSP/IST slot stays
// zero; iomapBase is set past the end of the structure so the I/O
// permission bitmap is treated as absent.
var tss TSS

// TSS is the 64-bit Task State Segment layout. Only iomapBase is meaningful
// here: RSP0-2 and the seven IST stacks are left zero because this kernel
// never takes a privilege-level or IST-redirected interrupt that would
// consult them.
type TSS struct {
	reserved0 uint32
	RSP0      uint64
	RSP1      uint64
	RSP2      uint64
	reserved1 uint64
	IST1      uint64
	IST2      uint64
	IST3      uint64
	IST4      uint64
	IST5      uint64
	IST6      uint64
	IST7      uint64
	reserved2 uint64
	reserved3 uint16
	iomapBase uint16
}

// pseudoDescriptorBytes is the 10-byte operand LGDT/SGDT read and write: a
// 16-bit limit immediately followed by a 64-bit base, with no gap between
// them. A Go struct of {uint16; uint64} cannot stand in for this directly —
// the compiler pads six bytes in front of the uint64 to keep it 8-byte
// aligned, which would make LGDT load its base from six padding bytes and
// the low two bytes of the real base instead — so this is packed by hand
// into a flat byte array.
type pseudoDescriptorBytes [10]byte

func makePseudoDescriptor(limit uint16, base uint64) pseudoDescriptorBytes {
	var d pseudoDescriptorBytes
	d[0] = byte(limit)
	d[1] = byte(limit >> 8)
	for i := 0; i < 8; i++ {
		d[2+i] = byte(base >> (8 * i))
	}
	return d
}

// reloadSegments is implemented in gdt_amd64.s: it loads the data selector
// into DS/ES/FS/GS/SS, then performs a far return to reload CS with the
// code selector (a plain MOV cannot target CS).
func reloadSegments(dataSel, codeSel uint16)

// csReloadTarget is never called directly from Go; it is the landing pad
// reloadSegments' far return transfers control to once CS has been
// reloaded. See gdt_amd64.s.
func csReloadTarget()

// lgdtFn/ltrFn/reloadSegmentsFn are indirected so tests can exercise Init's
// sequencing without issuing privileged instructions that would fault
// outside ring 0.
var (
	lgdtFn           = cpu.Lgdt
	ltrFn            = cpu.Ltr
	reloadSegmentsFn = reloadSegments
)

// makeDescriptor packs a flat (base, limit, access, flags) descriptor into
// its 8-byte GDT encoding. base/limit are mostly ignored by the CPU in long
// mode but are still populated for conventional completeness.
func makeDescriptor(base, limit uint32, access, flags uint8) uint64 {
	var d uint64
	d = uint64(limit) & 0xFFFF
	d |= (uint64(base) & 0xFFFFFF) << 16
	d |= uint64(access) << 40
	d |= (uint64(limit>>16) & 0xF) << 48
	d |= (uint64(flags) & 0xF) << 52
	d |= (uint64(base>>24) & 0xFF) << 56
	return d
}

// setTSSDescriptor writes the 16-byte (two-slot) TSS descriptor spanning
// table[index] and table[index+1].
func setTSSDescriptor(index int, base uint64, limit uint32) {
	baseLo := uint32(base & 0xFFFFFFFF)
	baseHi := uint32(base >> 32)

	low := makeDescriptor(baseLo, limit, accessTSS, flagsTSS)
	high := uint64(baseHi)

	table[index] = low
	table[index+1] = high
}

// Selector returns the GDT selector for the given table index at ring 0
// (TI=0, selects the GDT rather than an LDT).
func Selector(index int) uint16 {
	return uint16(index << 3)
}

// Init builds the GDT and TSS, loads GDTR via LGDT, reloads every segment
// register, and loads TR with the TSS selector. After Init returns,
// CS/SS/DS/ES/FS/GS hold the new selectors and TR is non-zero, satisfying
// the VMX host-state prerequisite that TR not be null.
func Init() {
	table[NullIndex] = 0
	table[DataIndex] = makeDescriptor(0, 0xFFFFF, accessData, flagsData)
	table[CodeIndex] = makeDescriptor(0, 0xFFFFF, accessCode, flagsCode)

	tss = TSS{}
	tss.iomapBase = uint16(unsafe.Sizeof(tss))
	setTSSDescriptor(TSSIndex, uint64(uintptr(unsafe.Pointer(&tss))), uint32(unsafe.Sizeof(tss)-1))

	desc := makePseudoDescriptor(uint16(unsafe.Sizeof(table)-1), uint64(uintptr(unsafe.Pointer(&table[0]))))
	lgdtFn(uintptr(unsafe.Pointer(&desc)))

	reloadSegmentsFn(Selector(DataIndex), Selector(CodeIndex))
	ltrFn(Selector(TSSIndex))
}

// TSSBase returns the linear address of the kernel's TSS, as recorded in
// its own GDT descriptor. The VMCS host-state builder (package vmx) decodes
// this the same way from the live GDT rather than calling this directly,
// matching how real firmware/OS code would recover it after the fact; it is
// exposed here for tests and for code that already holds a reference to
// this package.
func TSSBase() uintptr {
	return uintptr(unsafe.Pointer(&tss))
}

// TSSSelector returns the selector loaded into TR by Init.
func TSSSelector() uint16 {
	return Selector(TSSIndex)
}
