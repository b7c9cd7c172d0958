//go:build amd64

package hw

import "gvisor.dev/gvisor/pkg/cpuid"

// HostCPUID executes CPUID on the host. Leaves outside the set the runtime is
// allowed to query read as zero.
func HostCPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32, ok bool) {
	var native cpuid.Native
	out := native.Query(cpuid.In{Eax: leaf, Ecx: subleaf})
	return out.Eax, out.Ebx, out.Ecx, out.Edx, true
}
