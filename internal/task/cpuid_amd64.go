//go:build linux && amd64

package task

// cpuidImpl is implemented in cpuid_amd64.s.
func cpuidImpl(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
