package vmexit

import (
	"log/slog"

	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/hw"
	"github.com/tinyrange/vmext/internal/vmx"
)

// CPUIDInfo carries the CPUID result. The registers start as the hardware
// result, or zero for emulated leaves, and are written to the guest when a
// handler claims the exit.
type CPUIDInfo struct {
	RAX, RBX, RCX, RDX uint64

	IgnoreWrite   bool
	IgnoreAdvance bool
}

type CPUIDRecord struct {
	Leaf, Subleaf      uint64
	RAX, RBX, RCX, RDX uint64
}

// CPUID handles CPUID exits keyed by leaf.
type CPUID struct {
	cpu      hw.Intrinsics
	handlers dispatch.Keyed[uint64, CPUIDInfo]
	emulate  map[uint64]bool
	log      *dispatch.Log[CPUIDRecord]
}

func NewCPUID(exits *dispatch.Exits, cpu hw.Intrinsics) *CPUID {
	h := &CPUID{
		cpu:     cpu,
		emulate: make(map[uint64]bool),
		log:     dispatch.NewLog[CPUIDRecord](dispatch.DefaultLogMax),
	}
	exits.AddHandler(vmx.ReasonCPUID, h.Handle)
	return h
}

// AddHandler adds d to the front of the chain for leaf.
func (h *CPUID) AddHandler(leaf uint64, d dispatch.Delegate[CPUIDInfo]) {
	h.handlers.Add(leaf, d)
}

// Emulate stops the hardware from being queried for leaf. Handlers for the
// leaf start from all-zero registers.
func (h *CPUID) Emulate(leaf uint64) {
	h.emulate[leaf] = true
}

func (h *CPUID) EnableLogging() { h.log.Enable() }

func (h *CPUID) Records() []CPUIDRecord { return h.log.Records() }

func (h *CPUID) DumpLog(logger *slog.Logger) {
	h.log.Dump(logger, "cpuid", func(r CPUIDRecord) []any {
		return []any{
			"leaf", hex(r.Leaf), "subleaf", hex(r.Subleaf),
			"rax", hex(r.RAX), "rbx", hex(r.RBX), "rcx", hex(r.RCX), "rdx", hex(r.RDX),
		}
	})
}

// Handle runs the chain for the leaf in RAX. A leaf no handler claims gets
// the hardware result, or zeros when emulated.
func (h *CPUID) Handle(vmcs vmx.VMCS) (bool, error) {
	state := vmcs.State()
	leaf := vmx.Low32(state.GPRs[vmx.RAX])
	subleaf := vmx.Low32(state.GPRs[vmx.RCX])

	info := h.query(leaf, subleaf)
	h.log.Add(CPUIDRecord{
		Leaf: leaf, Subleaf: subleaf,
		RAX: info.RAX, RBX: info.RBX, RCX: info.RCX, RDX: info.RDX,
	})

	_, claimed, err := h.handlers.Run(leaf, vmcs, &info)
	if err != nil {
		return false, err
	}
	if !claimed {
		// Declining delegates do not get to change the result.
		info = h.query(leaf, subleaf)
		slog.Debug("vmexit: cpuid pass-through", "leaf", hex(leaf), "subleaf", hex(subleaf))
	}

	if !info.IgnoreWrite {
		setLow32(state, vmx.RAX, info.RAX)
		setLow32(state, vmx.RBX, info.RBX)
		setLow32(state, vmx.RCX, info.RCX)
		setLow32(state, vmx.RDX, info.RDX)
	}
	if !info.IgnoreAdvance {
		return vmcs.Advance(), nil
	}
	return true, nil
}

func (h *CPUID) query(leaf, subleaf uint64) CPUIDInfo {
	if h.emulate[leaf] {
		return CPUIDInfo{}
	}
	eax, ebx, ecx, edx := h.cpu.CPUID(uint32(leaf), uint32(subleaf))
	return CPUIDInfo{RAX: uint64(eax), RBX: uint64(ebx), RCX: uint64(ecx), RDX: uint64(edx)}
}
