package vmexit

import "github.com/tinyrange/vmext/internal/vmx"

// VPIDAllocator hands out virtual processor identifiers. It is shared by
// every vCPU in the system.
type VPIDAllocator interface {
	Allocate() (uint16, error)
	Release(id uint16)
}

// VPID tags the vCPU's TLB entries so they survive VM transitions.
type VPID struct {
	vmcs  vmx.VMCS
	alloc VPIDAllocator
	id    uint16
}

func NewVPID(vmcs vmx.VMCS, alloc VPIDAllocator) *VPID {
	return &VPID{vmcs: vmcs, alloc: alloc}
}

// ID returns the allocated identifier, or zero before the first Enable.
func (h *VPID) ID() uint16 { return h.id }

// Enable allocates an identifier on first use and turns VPID on.
func (h *VPID) Enable() error {
	if h.id == 0 {
		id, err := h.alloc.Allocate()
		if err != nil {
			return err
		}
		h.id = id
	}
	h.vmcs.Write(vmx.VirtualProcessorID, uint64(h.id))
	vmx.Enable(h.vmcs, vmx.PrimaryControls, vmx.ProcActivateSecondary)
	vmx.Enable(h.vmcs, vmx.SecondaryControls, vmx.Proc2EnableVPID)
	return nil
}

func (h *VPID) Disable() {
	vmx.Disable(h.vmcs, vmx.SecondaryControls, vmx.Proc2EnableVPID)
}

// Close gives the identifier back to the allocator.
func (h *VPID) Close() {
	if h.id != 0 {
		h.Disable()
		h.alloc.Release(h.id)
		h.id = 0
	}
}
