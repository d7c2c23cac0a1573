//go:build amd64

package kernel

// currentRBP returns the caller's frame-pointer register, used by Panic to
// seed the call-stack walk. Implemented in rbp_amd64.s since Go does not
// expose the frame-pointer register to ordinary Go code.
func currentRBP() uintptr
