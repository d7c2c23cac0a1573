// Package cpu exposes the privileged x86_64 instructions the rest of the
// kernel needs: interrupt masking, port I/O, control-register and MSR
// access, descriptor-table loads, and CPUID. Every function here is
// implemented in the matching .s file; Go cannot express privileged
// instructions directly.
package cpu

// cpuidFn is indirected so tests can substitute a fake CPUID leaf table.
var cpuidFn = ID

// EnableInterrupts sets RFLAGS.IF, allowing maskable interrupts to be
// delivered.
func EnableInterrupts()

// DisableInterrupts clears RFLAGS.IF.
func DisableInterrupts()

// Halt executes HLT, suspending instruction execution until the next
// interrupt.
func Halt()

// FlushTLBEntry invalidates the TLB entry for a single virtual address via
// INVLPG.
func FlushTLBEntry(virtAddr uintptr)

// ReadCR0 returns the current value of CR0.
func ReadCR0() uint64

// WriteCR0 loads a new value into CR0.
func WriteCR0(v uint64)

// ReadCR2 returns the faulting linear address recorded by the last page
// fault.
func ReadCR2() uint64

// ReadCR3 returns the physical address of the active top-level page table.
func ReadCR3() uint64

// WriteCR3 installs a new top-level page table, implicitly flushing the
// entire TLB (excluding global pages).
func WriteCR3(v uint64)

// ReadCR4 returns the current value of CR4.
func ReadCR4() uint64

// WriteCR4 loads a new value into CR4.
func WriteCR4(v uint64)

// ID executes CPUID with EAX=leaf, ECX=subleaf and returns the four result
// registers.
func ID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// Rdmsr reads the 64-bit value of the given model-specific register.
func Rdmsr(msr uint32) uint64

// Wrmsr writes a 64-bit value to the given model-specific register.
func Wrmsr(msr uint32, value uint64)

// Inb reads a single byte from an I/O port.
func Inb(port uint16) uint8

// Outb writes a single byte to an I/O port.
func Outb(port uint16, value uint8)

// Sgdt stores the current GDTR pseudo-descriptor (limit:base, 10 bytes) at
// the given address.
func Sgdt(dest uintptr)

// Lgdt loads the GDTR from a GDT pseudo-descriptor at the given address.
func Lgdt(src uintptr)

// Sidt stores the current IDTR pseudo-descriptor at the given address.
func Sidt(dest uintptr)

// Lidt loads the IDTR from an IDT pseudo-descriptor at the given address.
func Lidt(src uintptr)

// Ltr loads the task register with the given segment selector.
func Ltr(selector uint16)

// ReadCS returns the current code segment selector.
func ReadCS() uint16

// ReadSS returns the current stack segment selector.
func ReadSS() uint16

// ReadDS returns the current data segment selector.
func ReadDS() uint16

// ReadES returns the current extra segment selector.
func ReadES() uint16

// ReadFS returns the current FS segment selector.
func ReadFS() uint16

// ReadGS returns the current GS segment selector.
func ReadGS() uint16

// ReadTR returns the current task register selector.
func ReadTR() uint16

// IsIntel returns true if CPUID leaf 0 reports the "GenuineIntel" vendor
// string.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0, 0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// HasVMX returns true if CPUID.01H:ECX.VMX[bit 5] is set.
func HasVMX() bool {
	_, _, ecx, _ := cpuidFn(1, 0)
	return ecx&(1<<5) != 0
}
