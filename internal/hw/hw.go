// Package hw abstracts the privileged instructions the exit handlers issue
// against the physical CPU.
package hw

// Intrinsics executes privileged instructions on behalf of the handlers. The
// base VMM supplies the real implementation; Emulated is an in-memory one.
type Intrinsics interface {
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	ReadMSR(msr uint32) uint64
	WriteMSR(msr uint32, val uint64)

	XSetBV(xcr uint32, val uint64)

	// In and Out access an I/O port. size is 1, 2 or 4 bytes.
	In(port uint16, size int) uint32
	Out(port uint16, size int, val uint32)

	ReadCR8() uint64
	WriteCR8(val uint64)
	WriteDR7(val uint64)

	SFence()

	// ReadXAPIC and WriteXAPIC access the memory-mapped local APIC page at
	// the given byte offset.
	ReadXAPIC(offset uint32) uint32
	WriteXAPIC(offset uint32, val uint32)
}

// Well known MSRs.
const (
	MSRIA32APICBase = 0x1B
	MSRIA32PAT      = 0x277
	MSRIA32EFER     = 0xC000_0080
	MSRX2APICBase   = 0x800
	MSRX2APICLast   = 0x8FF
)

// IA32_APIC_BASE bits.
const (
	APICBaseBSP        = 1 << 8
	APICBaseX2APIC     = 1 << 10
	APICBaseEnable     = 1 << 11
	APICBaseAddrMask   = 0x0000_000F_FFFF_F000
	DefaultAPICBase    = 0xFEE0_0000
	DefaultAPICBaseMSR = DefaultAPICBase | APICBaseEnable
)

// SizeMask returns the operand mask for an access of size bytes.
func SizeMask(size int) uint64 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFF_FFFF
	}
	return ^uint64(0)
}
