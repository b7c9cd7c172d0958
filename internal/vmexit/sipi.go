package vmexit

import (
	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/vmx"
)

// Real-mode code segment state loaded on SIPI.
const (
	sipiCSLimit        = 0xFFFF
	sipiCSAccessRights = 0x9B
)

type SIPIInfo struct {
	Vector uint64

	IgnoreWrite bool
}

// SIPI handles start-up IPIs. A SIPI delivered to a vCPU that is already
// running is dropped, as the second SIPI of the INIT-SIPI-SIPI sequence
// would be.
type SIPI struct {
	chain dispatch.Chain[SIPIInfo]
}

func NewSIPI(exits *dispatch.Exits) *SIPI {
	h := &SIPI{}
	exits.AddHandler(vmx.ReasonSIPI, h.Handle)
	return h
}

func (h *SIPI) AddHandler(d dispatch.Delegate[SIPIInfo]) { h.chain.Add(d) }

func (h *SIPI) Handle(vmcs vmx.VMCS) (bool, error) {
	if vmcs.Read(vmx.GuestActivityState) == vmx.ActivityActive {
		return true, nil
	}

	info := SIPIInfo{Vector: vmx.SIPIVector.Get(vmcs.Read(vmx.ExitQualification))}
	if _, err := h.chain.Run(vmcs, &info); err != nil {
		return false, err
	}
	if info.IgnoreWrite {
		return true, nil
	}

	vmcs.Write(vmx.GuestCSSelector, info.Vector<<8)
	vmcs.Write(vmx.GuestCSBase, info.Vector<<12)
	vmcs.Write(vmx.GuestCSLimit, sipiCSLimit)
	vmcs.Write(vmx.GuestCSAccessRights, sipiCSAccessRights)
	vmcs.Write(vmx.GuestRIP, 0)
	vmcs.Write(vmx.GuestActivityState, vmx.ActivityActive)
	return true, nil
}
