package vmx

import "fmt"

// General purpose register numbers as encoded in exit qualifications.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	NumGPRs
)

var gprNames = [NumGPRs]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// GPRName returns the assembler name of register n.
func GPRName(n uint64) string {
	if n >= NumGPRs {
		return fmt.Sprintf("gpr%d", n)
	}
	return gprNames[n]
}

// ParseGPR maps an assembler register name to its number.
func ParseGPR(name string) (uint64, bool) {
	for i, n := range gprNames {
		if n == name {
			return uint64(i), true
		}
	}
	return 0, false
}

// GuestState is the guest register file saved by the base VMM on exit.
type GuestState struct {
	GPRs   [NumGPRs]uint64
	Rip    uint64
	VCPUID uint64
}

// GlobalState is per-vCPU state shared with the base VMM that is not held in
// the VMCS itself.
type GlobalState struct {
	CR0Fixed0 uint64
	CR0Fixed1 uint64
	CR4Fixed0 uint64
	CR4Fixed1 uint64
}

// GPR returns register n.
func GPR(s *GuestState, n uint64) (uint64, error) {
	if n >= NumGPRs {
		return 0, fmt.Errorf("vmx: read gpr %d: %w", n, ErrOutOfRange)
	}
	return s.GPRs[n], nil
}

// SetGPR stores v into register n.
func SetGPR(s *GuestState, n uint64, v uint64) error {
	if n >= NumGPRs {
		return fmt.Errorf("vmx: write gpr %d: %w", n, ErrOutOfRange)
	}
	s.GPRs[n] = v
	return nil
}

// Low32 returns the low half of v.
func Low32(v uint64) uint64 { return v & 0xFFFF_FFFF }

// High32 returns the high half of v shifted down.
func High32(v uint64) uint64 { return v >> 32 }

// Join32 combines the EDX:EAX pair used by RDMSR, WRMSR and XSETBV.
func Join32(hi, lo uint64) uint64 { return (hi << 32) | Low32(lo) }
