package vmexit

import (
	"log/slog"

	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/hw"
	"github.com/tinyrange/vmext/internal/vmx"
)

// CRInfo is passed to control-register delegates. For writes Val is the
// value the guest wrote and Shadow the read shadow to install; for reads Val
// is the value the guest will see.
type CRInfo struct {
	Val    uint64
	Shadow uint64

	IgnoreWrite   bool
	IgnoreAdvance bool
}

type CRRecord struct {
	CR     uint64
	Write  bool
	Val    uint64
	Shadow uint64
}

const cr3ValueMask = 0x7FFF_FFFF_FFFF_FFFF

// ControlRegister handles MOV to and from CR0, CR3, CR4 and CR8.
//
// Unlike the keyed categories, every chain here always resolves: the
// handler applies the resulting Info whether or not a delegate claimed it.
// Default delegates for CR0, CR3 and CR4 are installed at construction so
// that user delegates run first.
type ControlRegister struct {
	vmcs vmx.VMCS
	cpu  hw.Intrinsics

	wrcr0 dispatch.Chain[CRInfo]
	rdcr3 dispatch.Chain[CRInfo]
	wrcr3 dispatch.Chain[CRInfo]
	wrcr4 dispatch.Chain[CRInfo]
	rdcr8 dispatch.Chain[CRInfo]
	wrcr8 dispatch.Chain[CRInfo]

	log *dispatch.Log[CRRecord]
}

func NewControlRegister(exits *dispatch.Exits, vmcs vmx.VMCS, cpu hw.Intrinsics) *ControlRegister {
	h := &ControlRegister{
		vmcs: vmcs,
		cpu:  cpu,
		log:  dispatch.NewLog[CRRecord](dispatch.DefaultLogMax),
	}
	exits.AddHandler(vmx.ReasonControlRegister, h.Handle)

	h.wrcr0.Add(func(_ vmx.VMCS, info *CRInfo) (bool, error) {
		info.Shadow = info.Val
		return true, nil
	})
	h.rdcr3.Add(claim[CRInfo])
	h.wrcr3.Add(claim[CRInfo])
	h.wrcr4.Add(func(_ vmx.VMCS, info *CRInfo) (bool, error) {
		info.Shadow = info.Val
		info.Val = vmx.CR4VMXEnable.Enable(info.Val)
		return true, nil
	})
	return h
}

func claim[I any](vmx.VMCS, *I) (bool, error) { return true, nil }

func (h *ControlRegister) AddWRCR0Handler(d dispatch.Delegate[CRInfo]) { h.wrcr0.Add(d) }
func (h *ControlRegister) AddRDCR3Handler(d dispatch.Delegate[CRInfo]) { h.rdcr3.Add(d) }
func (h *ControlRegister) AddWRCR3Handler(d dispatch.Delegate[CRInfo]) { h.wrcr3.Add(d) }
func (h *ControlRegister) AddWRCR4Handler(d dispatch.Delegate[CRInfo]) { h.wrcr4.Add(d) }
func (h *ControlRegister) AddRDCR8Handler(d dispatch.Delegate[CRInfo]) { h.rdcr8.Add(d) }
func (h *ControlRegister) AddWRCR8Handler(d dispatch.Delegate[CRInfo]) { h.wrcr8.Add(d) }

// EnableWRCR0Exiting makes guest writes to the bits in mask exit. Reads of
// those bits return shadow.
func (h *ControlRegister) EnableWRCR0Exiting(mask, shadow uint64) {
	h.vmcs.Write(vmx.CR0GuestHostMask, mask)
	h.vmcs.Write(vmx.CR0ReadShadow, shadow)
}

// EnableWRCR4Exiting is EnableWRCR0Exiting for CR4.
func (h *ControlRegister) EnableWRCR4Exiting(mask, shadow uint64) {
	h.vmcs.Write(vmx.CR4GuestHostMask, mask)
	h.vmcs.Write(vmx.CR4ReadShadow, shadow)
}

func (h *ControlRegister) EnableRDCR3Exiting() {
	vmx.Enable(h.vmcs, vmx.PrimaryControls, vmx.ProcCR3StoreExiting)
}

func (h *ControlRegister) EnableWRCR3Exiting() {
	vmx.Enable(h.vmcs, vmx.PrimaryControls, vmx.ProcCR3LoadExiting)
}

func (h *ControlRegister) EnableRDCR8Exiting() {
	vmx.Enable(h.vmcs, vmx.PrimaryControls, vmx.ProcCR8StoreExiting)
}

func (h *ControlRegister) EnableWRCR8Exiting() {
	vmx.Enable(h.vmcs, vmx.PrimaryControls, vmx.ProcCR8LoadExiting)
}

func (h *ControlRegister) EnableLogging()      { h.log.Enable() }
func (h *ControlRegister) Records() []CRRecord { return h.log.Records() }

func (h *ControlRegister) DumpLog(logger *slog.Logger) {
	h.log.Dump(logger, "control_register", func(r CRRecord) []any {
		return []any{"cr", r.CR, "write", r.Write, "val", hex(r.Val), "shadow", hex(r.Shadow)}
	})
}

func (h *ControlRegister) Handle(vmcs vmx.VMCS) (bool, error) {
	qual := vmcs.Read(vmx.ExitQualification)
	cr := vmx.CRNumber.Get(qual)
	access := vmx.CRAccessType.Get(qual)
	reg := vmx.CRRegister.Get(qual)

	switch {
	case cr == 0 && access == vmx.CRAccessMovToCR:
		return h.write(vmcs, cr, reg, &h.wrcr0, vmx.GuestCR0, vmx.CR0ReadShadow)
	case cr == 3 && access == vmx.CRAccessMovToCR:
		return h.write(vmcs, cr, reg, &h.wrcr3, vmx.GuestCR3, 0)
	case cr == 3 && access == vmx.CRAccessMovFromCR:
		return h.read(vmcs, cr, reg, &h.rdcr3, vmcs.Read(vmx.GuestCR3))
	case cr == 4 && access == vmx.CRAccessMovToCR:
		return h.write(vmcs, cr, reg, &h.wrcr4, vmx.GuestCR4, vmx.CR4ReadShadow)
	case cr == 8 && access == vmx.CRAccessMovToCR:
		return h.write(vmcs, cr, reg, &h.wrcr8, 0, 0)
	case cr == 8 && access == vmx.CRAccessMovFromCR:
		return h.read(vmcs, cr, reg, &h.rdcr8, h.cpu.ReadCR8())
	}
	return false, unsupported("cr%d access type %d", cr, access)
}

// write handles MOV to CR. A zero field means the value is only delivered
// to the chain.
func (h *ControlRegister) write(vmcs vmx.VMCS, cr, reg uint64, chain *dispatch.Chain[CRInfo], field, shadow vmx.Field) (bool, error) {
	val, err := vmx.GPR(vmcs.State(), reg)
	if err != nil {
		return false, err
	}

	info := CRInfo{Val: val}
	if shadow != 0 {
		info.Shadow = vmcs.Read(shadow)
	}
	h.log.Add(CRRecord{CR: cr, Write: true, Val: info.Val, Shadow: info.Shadow})

	if _, err := chain.Run(vmcs, &info); err != nil {
		return false, err
	}

	if !info.IgnoreWrite {
		switch field {
		case 0:
		case vmx.GuestCR3:
			vmcs.Write(field, info.Val&cr3ValueMask)
		default:
			vmcs.Write(field, info.Val)
			vmcs.Write(shadow, info.Shadow)
		}
	}
	if !info.IgnoreAdvance {
		return vmcs.Advance(), nil
	}
	return true, nil
}

func (h *ControlRegister) read(vmcs vmx.VMCS, cr, reg uint64, chain *dispatch.Chain[CRInfo], val uint64) (bool, error) {
	info := CRInfo{Val: val}
	h.log.Add(CRRecord{CR: cr, Val: info.Val})

	if _, err := chain.Run(vmcs, &info); err != nil {
		return false, err
	}

	if !info.IgnoreWrite {
		if err := vmx.SetGPR(vmcs.State(), reg, info.Val); err != nil {
			return false, err
		}
	}
	if !info.IgnoreAdvance {
		return vmcs.Advance(), nil
	}
	return true, nil
}
