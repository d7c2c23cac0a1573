// Package idt builds the 256-entry Interrupt Descriptor Table and the
// common exception/interrupt dispatch path every vector funnels through.
// Every gate points at its own tiny assembly stub (stubs_amd64.s); the stubs
// normalize the CPU-pushed frame and forward to a single Go dispatcher so
// handler registration and exception accounting live in one place.
package idt

import (
	"unsafe"

	"example.com/vmxkernel/kernel"
	"example.com/vmxkernel/kernel/cpu"
	"example.com/vmxkernel/kernel/gdt"
	"example.com/vmxkernel/kernel/kfmt"
)

// gateCount is fixed by the architecture: x86-64 always has exactly 256
// interrupt vectors.
const gateCount = 256

// Vectors 8, 10-14, 17, 21, 29 and 30 are the exceptions for which the CPU
// itself pushes an error code; every other vector needs a synthetic zero
// pushed by its stub so the common trailer always sees the same frame
// shape. See stubs_amd64.s.
var hardwareErrorCodeVectors = map[uint8]bool{
	8: true, 10: true, 11: true, 12: true, 13: true, 14: true,
	17: true, 21: true, 29: true, 30: true,
}

const (
	gateTypeInterrupt = 0xE
	gatePresent       = 1 << 7
)

// gate is a single 16-byte IDT interrupt-gate descriptor.
type gate struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

func makeGate(handler uintptr, selector uint16, dpl uint8) gate {
	return gate{
		offsetLow:  uint16(handler),
		selector:   selector,
		ist:        0,
		typeAttr:   gatePresent | (dpl&0x3)<<5 | gateTypeInterrupt,
		offsetMid:  uint16(handler >> 16),
		offsetHigh: uint32(handler >> 32),
	}
}

var table [gateCount]gate

// isrStubTable holds one stub code address per vector. It is filled at
// package init (idt_stubs_amd64.go) by taking funcPC of each entry of
// isrStubFuncs.
var isrStubTable [gateCount]uintptr

// pseudoDescriptorBytes is the 10-byte operand LIDT reads: a 16-bit limit
// immediately followed by a 64-bit base, with no gap between them —
// identical in shape to the GDT's, and packed by hand for the same reason
// (see gdt.makePseudoDescriptor): a Go {uint16; uint64} struct pads six
// bytes in front of the base field, which LIDT would load as part of the
// base address.
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

// lidtFn is indirected so tests can exercise Init without issuing a
// privileged instruction outside ring 0.
var lidtFn = cpu.Lidt

// Frame is the CPU/GPR state captured by the common ISR trailer, laid out
// in exactly the order the assembly pushes it so the two never drift apart.
// Fields are listed from the lowest stack address (last pushed) to the
// highest (first pushed, i.e. what the CPU itself put there).
type Frame struct {
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
	RDI, RSI, RBP, RSP                   uint64
	RBX, RDX, RCX, RAX                   uint64
	Vector, ErrorCode                    uint64
	RIP, CS, RFLAGS                      uint64
}

// Handler processes one interrupt or exception. It must not block: handlers
// run with interrupts disabled, on whatever stack was active when the
// vector fired.
type Handler func(*Frame)

var handlers [gateCount]Handler

// RegisterHandler installs h as the handler for the given vector,
// replacing any previously registered handler. This is the single
// live-updated piece of otherwise read-mostly global state the IDT
// carries after Init.
func RegisterHandler(vector uint8, h Handler) {
	handlers[vector] = h
}

var errUnclaimedInterrupt = &kernel.Error{Module: "idt", Message: "unclaimed interrupt or exception"}

// kernelPanicFn is indirected so tests can observe the unclaimed-interrupt
// path without actually halting the test process.
var kernelPanicFn = kernel.Panic

// defaultUnhandled is the handler every vector carries until
// RegisterHandler replaces it: it dumps the full frame — vector, error
// code, RIP/RFLAGS/CS and every GPR the common trailer saved — before
// panicking, so a fault that reaches here (most of them will, since this
// kernel only ever registers a handful of handlers) leaves a full
// diagnostic trail instead of a bare "unclaimed interrupt" message.
func defaultUnhandled(frame *Frame) {
	kfmt.Printf("============ unhandled interrupt ===================\n")
	kfmt.Printf("vector     : %d\n", frame.Vector)
	kfmt.Printf("error_code : 0x%16x\n", frame.ErrorCode)
	kfmt.Printf("rip        : 0x%16x\n", frame.RIP)
	kfmt.Printf("rflags     : 0x%16x\n", frame.RFLAGS)
	kfmt.Printf("cs         : 0x%16x\n", frame.CS)
	kfmt.Printf("rax        : 0x%16x\n", frame.RAX)
	kfmt.Printf("rbx        : 0x%16x\n", frame.RBX)
	kfmt.Printf("rcx        : 0x%16x\n", frame.RCX)
	kfmt.Printf("rdx        : 0x%16x\n", frame.RDX)
	kfmt.Printf("rsi        : 0x%16x\n", frame.RSI)
	kfmt.Printf("rdi        : 0x%16x\n", frame.RDI)
	kfmt.Printf("rsp        : 0x%16x\n", frame.RSP)
	kfmt.Printf("rbp        : 0x%16x\n", frame.RBP)
	kfmt.Printf("r8         : 0x%16x\n", frame.R8)
	kfmt.Printf("r9         : 0x%16x\n", frame.R9)
	kfmt.Printf("r10        : 0x%16x\n", frame.R10)
	kfmt.Printf("r11        : 0x%16x\n", frame.R11)
	kfmt.Printf("r12        : 0x%16x\n", frame.R12)
	kfmt.Printf("r13        : 0x%16x\n", frame.R13)
	kfmt.Printf("r14        : 0x%16x\n", frame.R14)
	kfmt.Printf("r15        : 0x%16x\n", frame.R15)
	kernelPanicFn(errUnclaimedInterrupt)
}

// intrDispatchEntry is called by the common ISR trailer with a pointer to
// the just-saved frame. It is the sole Go-side entry point every one of the
// 256 stubs eventually reaches. A nil slot falls back to defaultUnhandled
// directly rather than relying on Init having run, since tests dispatch
// against individual vectors without building the whole table.
func intrDispatchEntry(frame *Frame) {
	h := handlers[frame.Vector]
	if h == nil {
		h = defaultUnhandled
	}
	h(frame)
}

// Init installs defaultUnhandled as every vector's handler, builds all 256
// gate descriptors pointing at their matching stub in isrStubTable,
// selector = the kernel code segment, DPL=0, and loads IDTR via LIDT.
func Init() {
	for v := range handlers {
		handlers[v] = defaultUnhandled
	}

	sel := gdt.Selector(gdt.CodeIndex)
	for v := 0; v < gateCount; v++ {
		table[v] = makeGate(isrStubTable[v], sel, 0)
	}

	desc := makePseudoDescriptor(uint16(unsafe.Sizeof(table)-1), uint64(uintptr(unsafe.Pointer(&table[0]))))
	lidtFn(uintptr(unsafe.Pointer(&desc)))
}
