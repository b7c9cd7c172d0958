package apic

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/vmext/internal/mm"
	"github.com/tinyrange/vmext/internal/vmx"
)

const maxInstLen = 15

type gprRef struct {
	n    uint64
	size int
}

var gprs = map[x86asm.Reg]gprRef{
	x86asm.RAX: {vmx.RAX, 8}, x86asm.EAX: {vmx.RAX, 4},
	x86asm.RCX: {vmx.RCX, 8}, x86asm.ECX: {vmx.RCX, 4},
	x86asm.RDX: {vmx.RDX, 8}, x86asm.EDX: {vmx.RDX, 4},
	x86asm.RBX: {vmx.RBX, 8}, x86asm.EBX: {vmx.RBX, 4},
	x86asm.RSP: {vmx.RSP, 8}, x86asm.ESP: {vmx.RSP, 4},
	x86asm.RBP: {vmx.RBP, 8}, x86asm.EBP: {vmx.RBP, 4},
	x86asm.RSI: {vmx.RSI, 8}, x86asm.ESI: {vmx.RSI, 4},
	x86asm.RDI: {vmx.RDI, 8}, x86asm.EDI: {vmx.RDI, 4},
	x86asm.R8: {vmx.R8, 8}, x86asm.R8L: {vmx.R8, 4},
	x86asm.R9: {vmx.R9, 8}, x86asm.R9L: {vmx.R9, 4},
	x86asm.R10: {vmx.R10, 8}, x86asm.R10L: {vmx.R10, 4},
	x86asm.R11: {vmx.R11, 8}, x86asm.R11L: {vmx.R11, 4},
	x86asm.R12: {vmx.R12, 8}, x86asm.R12L: {vmx.R12, 4},
	x86asm.R13: {vmx.R13, 8}, x86asm.R13L: {vmx.R13, 4},
	x86asm.R14: {vmx.R14, 8}, x86asm.R14L: {vmx.R14, 4},
	x86asm.R15: {vmx.R15, 8}, x86asm.R15L: {vmx.R15, 4},
}

// mmioAccess is a decoded MOV between a register or immediate and memory.
type mmioAccess struct {
	write bool
	reg   gprRef
	imm   bool
	val   uint64
	size  int
	len   int
}

// value returns the data a write stores.
func (a mmioAccess) value(s *vmx.GuestState) uint64 {
	if a.imm {
		return a.val
	}
	v := s.GPRs[a.reg.n]
	if a.reg.size == 4 {
		v = vmx.Low32(v)
	}
	return v
}

// load stores the result of a read. 32-bit loads zero-extend.
func (a mmioAccess) load(s *vmx.GuestState, v uint64) {
	if a.reg.size == 4 {
		v = vmx.Low32(v)
	}
	s.GPRs[a.reg.n] = v
}

func errInstruction(format string, args ...any) error {
	return fmt.Errorf("apic: "+format+": %w", append(args, vmx.ErrUnsupportedAccess)...)
}

// decodeAccess decodes the 64-bit MOV at the start of code. Only 32 and 64
// bit moves are accepted; the APIC registers are 32 bits wide.
func decodeAccess(code []byte) (mmioAccess, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return mmioAccess{}, errInstruction("decode % x: %v", code, err)
	}
	if inst.Op != x86asm.MOV {
		return mmioAccess{}, errInstruction("%s is not a mov", inst.Op)
	}

	acc := mmioAccess{len: inst.Len}
	switch dst := inst.Args[0].(type) {
	case x86asm.Mem:
		acc.write = true
		switch src := inst.Args[1].(type) {
		case x86asm.Reg:
			ref, ok := gprs[src]
			if !ok {
				return mmioAccess{}, errInstruction("mov from %s", src)
			}
			acc.reg = ref
		case x86asm.Imm:
			acc.imm = true
			acc.val = uint64(int64(src))
			if inst.MemBytes == 4 {
				acc.val = vmx.Low32(acc.val)
			}
		default:
			return mmioAccess{}, errInstruction("mov from %v", inst.Args[1])
		}
	case x86asm.Reg:
		if _, ok := inst.Args[1].(x86asm.Mem); !ok {
			return mmioAccess{}, errInstruction("mov %v without memory operand", inst.Args[1])
		}
		ref, ok := gprs[dst]
		if !ok {
			return mmioAccess{}, errInstruction("mov to %s", dst)
		}
		acc.reg = ref
	default:
		return mmioAccess{}, errInstruction("mov to %v", inst.Args[0])
	}

	acc.size = inst.MemBytes
	if acc.size == 0 {
		acc.size = acc.reg.size
	}
	if acc.size != 4 && acc.size != 8 {
		return mmioAccess{}, errInstruction("%d byte mov", acc.size)
	}
	return acc, nil
}

// fetch reads the instruction at the guest RIP. The read is shortened when
// the instruction ends close to the end of mapped memory.
func fetch(vmcs vmx.VMCS, mem mm.GuestMemory) ([]byte, error) {
	rip := vmcs.Read(vmx.GuestCSBase) + vmcs.Read(vmx.GuestRIP)
	cr3 := vmcs.Read(vmx.GuestCR3)

	buf := make([]byte, maxInstLen)
	var err error
	for n := maxInstLen; n > 0; n-- {
		if err = mem.ReadGuest(rip, cr3, buf[:n]); err == nil {
			return buf[:n], nil
		}
	}
	return nil, fmt.Errorf("apic: fetch instruction at 0x%x: %w", rip, err)
}
