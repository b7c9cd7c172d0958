//go:build !amd64

package hw

// HostCPUID is unavailable off amd64.
func HostCPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32, ok bool) {
	return 0, 0, 0, 0, false
}
