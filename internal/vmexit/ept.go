package vmexit

import (
	"log/slog"

	"github.com/tinyrange/vmext/internal/ept"
	"github.com/tinyrange/vmext/internal/vmx"
)

// EPT installs and removes the guest's EPT map.
type EPT struct {
	vmcs vmx.VMCS

	enabled   bool
	cr0Fixed0 uint64
}

func NewEPT(vmcs vmx.VMCS) *EPT {
	return &EPT{vmcs: vmcs}
}

// Enabled reports whether EPT is currently turned on.
func (h *EPT) Enabled() bool { return h.enabled }

// SetEPTP points the vCPU at m. The first call also enables EPT and
// unrestricted guest, which lets the guest run with paging and protection
// disabled. A nil map turns EPT back off.
func (h *EPT) SetEPTP(m *ept.Map) {
	if m == nil {
		h.disable()
		return
	}

	var eptp uint64
	eptp = vmx.EPTPPhysAddr.Set(eptp, vmx.EPTPPhysAddr.Get(m.EPTP()))
	eptp = vmx.EPTPMemoryType.Set(eptp, vmx.EPTPWriteBack)
	eptp = vmx.EPTPWalkLengthM1.Set(eptp, vmx.EPTPDefaultWalkLen)
	eptp = vmx.EPTPAccessedDirty.Disable(eptp)
	h.vmcs.Write(vmx.EPTPointer, eptp)

	if h.enabled {
		return
	}

	vmx.Enable(h.vmcs, vmx.PrimaryControls, vmx.ProcActivateSecondary)
	vmx.Enable(h.vmcs, vmx.SecondaryControls, vmx.Proc2EnableEPT)
	vmx.Enable(h.vmcs, vmx.SecondaryControls, vmx.Proc2UnrestrictedGuest)

	global := h.vmcs.Global()
	h.cr0Fixed0 = global.CR0Fixed0
	global.CR0Fixed0 = vmx.CR0ProtectionEnable.Disable(global.CR0Fixed0)
	global.CR0Fixed0 = vmx.CR0Paging.Disable(global.CR0Fixed0)

	h.enabled = true
	slog.Debug("vmexit: ept enabled", "vcpu", h.vmcs.State().VCPUID, "eptp", hex(eptp))
}

func (h *EPT) disable() {
	if h.enabled {
		vmx.Disable(h.vmcs, vmx.SecondaryControls, vmx.Proc2EnableEPT)
		vmx.Disable(h.vmcs, vmx.SecondaryControls, vmx.Proc2UnrestrictedGuest)
		h.vmcs.Global().CR0Fixed0 = h.cr0Fixed0
		h.enabled = false
		slog.Debug("vmexit: ept disabled", "vcpu", h.vmcs.State().VCPUID)
	}
	h.vmcs.Write(vmx.EPTPointer, 0)
}
