package vmexit

import (
	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/vmx"
)

// InitSignalInfo lets a delegate veto the move to wait-for-SIPI.
type InitSignalInfo struct {
	IgnoreWrite bool
}

// InitSignal handles INIT. It does no more than park the vCPU; the work of
// bringing it up happens on SIPI.
type InitSignal struct {
	chain dispatch.Chain[InitSignalInfo]
}

func NewInitSignal(exits *dispatch.Exits) *InitSignal {
	h := &InitSignal{}
	exits.AddHandler(vmx.ReasonInitSignal, h.Handle)
	return h
}

func (h *InitSignal) AddHandler(d dispatch.Delegate[InitSignalInfo]) { h.chain.Add(d) }

func (h *InitSignal) Handle(vmcs vmx.VMCS) (bool, error) {
	var info InitSignalInfo
	if _, err := h.chain.Run(vmcs, &info); err != nil {
		return false, err
	}
	if !info.IgnoreWrite {
		vmcs.Write(vmx.GuestActivityState, vmx.ActivityWaitForSIPI)
	}
	return true, nil
}
