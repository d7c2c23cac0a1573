package vmx

import "testing"

func TestVmxFailedDetectsCForZF(t *testing.T) {
	cases := []struct {
		rflags uint64
		failed bool
	}{
		{0, false},
		{rflagsCF, true},
		{rflagsZF, true},
		{rflagsCF | rflagsZF, true},
		{1 << 1, false}, // reserved-always-1 bit, not CF/ZF
	}
	for _, c := range cases {
		if got := vmxFailed(c.rflags); got != c.failed {
			t.Errorf("vmxFailed(%#x) = %v, want %v", c.rflags, got, c.failed)
		}
	}
}
