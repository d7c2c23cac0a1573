package cpu

import "testing"

func TestIsIntel(t *testing.T) {
	defer func() { cpuidFn = ID }()

	cpuidFn = func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
		return 0, 0x756e6547, 0x6c65746e, 0x49656e69
	}
	if !IsIntel() {
		t.Error("expected IsIntel() to return true for GenuineIntel vendor string")
	}

	cpuidFn = func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
		return 0, 0x68747541, 0x444d4163, 0x69746e65
	}
	if IsIntel() {
		t.Error("expected IsIntel() to return false for AuthenticAMD vendor string")
	}
}

func TestHasVMX(t *testing.T) {
	defer func() { cpuidFn = ID }()

	cpuidFn = func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
		return 0, 0, 1 << 5, 0
	}
	if !HasVMX() {
		t.Error("expected HasVMX() to return true when ECX bit 5 is set")
	}

	cpuidFn = func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
		return 0, 0, 0, 0
	}
	if HasVMX() {
		t.Error("expected HasVMX() to return false when ECX bit 5 is clear")
	}
}
