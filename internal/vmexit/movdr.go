package vmexit

import (
	"log/slog"

	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/vmx"
)

// MovDRInfo carries the value moved to or from the debug register.
type MovDRInfo struct {
	DR        uint64
	Direction uint64
	Val       uint64

	IgnoreWrite   bool
	IgnoreAdvance bool
}

type MovDRRecord struct {
	DR, Direction, Val uint64
}

// MovDR handles MOV DR exits. Only DR7 is held in the VMCS. For DR0-DR6 a
// move to the register is not committed anywhere and a move from it starts
// at zero; delegates claiming those exits supply the state themselves.
type MovDR struct {
	vmcs  vmx.VMCS
	chain dispatch.Chain[MovDRInfo]
	log   *dispatch.Log[MovDRRecord]
}

func NewMovDR(exits *dispatch.Exits, vmcs vmx.VMCS) *MovDR {
	h := &MovDR{
		vmcs: vmcs,
		log:  dispatch.NewLog[MovDRRecord](dispatch.DefaultLogMax),
	}
	exits.AddHandler(vmx.ReasonMovDR, h.Handle)
	return h
}

func (h *MovDR) AddHandler(d dispatch.Delegate[MovDRInfo]) { h.chain.Add(d) }

func (h *MovDR) EnableExiting()  { vmx.Enable(h.vmcs, vmx.PrimaryControls, vmx.ProcMovDRExiting) }
func (h *MovDR) DisableExiting() { vmx.Disable(h.vmcs, vmx.PrimaryControls, vmx.ProcMovDRExiting) }

func (h *MovDR) EnableLogging()         { h.log.Enable() }
func (h *MovDR) Records() []MovDRRecord { return h.log.Records() }

func (h *MovDR) DumpLog(logger *slog.Logger) {
	h.log.Dump(logger, "mov_dr", func(r MovDRRecord) []any {
		return []any{"dr", r.DR, "direction", r.Direction, "val", hex(r.Val)}
	})
}

func (h *MovDR) Handle(vmcs vmx.VMCS) (bool, error) {
	qual := vmcs.Read(vmx.ExitQualification)
	reg := vmx.DRRegister.Get(qual)

	info := MovDRInfo{
		DR:        vmx.DRNumber.Get(qual),
		Direction: vmx.DRDirection.Get(qual),
	}

	if info.Direction == vmx.DRMovToDR {
		val, err := vmx.GPR(vmcs.State(), reg)
		if err != nil {
			return false, err
		}
		info.Val = val
	} else if info.DR == 7 {
		info.Val = vmcs.Read(vmx.GuestDR7)
	}

	claimed, err := h.chain.Run(vmcs, &info)
	if err != nil {
		return false, err
	}
	h.log.Add(MovDRRecord{DR: info.DR, Direction: info.Direction, Val: info.Val})
	if !claimed {
		return false, unhandled("mov dr")
	}

	if !info.IgnoreWrite {
		if info.Direction == vmx.DRMovToDR {
			if info.DR == 7 {
				vmcs.Write(vmx.GuestDR7, vmx.Low32(info.Val))
			}
		} else if err := vmx.SetGPR(vmcs.State(), reg, info.Val); err != nil {
			return false, err
		}
	}
	if !info.IgnoreAdvance {
		return vmcs.Advance(), nil
	}
	return true, nil
}
