package vmexit

import (
	"log/slog"

	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/vmx"
)

type PreemptionTimerInfo struct{}

type PreemptionTimerRecord struct {
	RIP uint64
}

// PreemptionTimer handles VMX preemption timer expiry.
type PreemptionTimer struct {
	vmcs  vmx.VMCS
	chain dispatch.Chain[PreemptionTimerInfo]
	log   *dispatch.Log[PreemptionTimerRecord]
}

func NewPreemptionTimer(exits *dispatch.Exits, vmcs vmx.VMCS) *PreemptionTimer {
	h := &PreemptionTimer{
		vmcs: vmcs,
		log:  dispatch.NewLog[PreemptionTimerRecord](dispatch.DefaultLogMax),
	}
	exits.AddHandler(vmx.ReasonPreemptionTimer, h.Handle)
	return h
}

func (h *PreemptionTimer) AddHandler(d dispatch.Delegate[PreemptionTimerInfo]) { h.chain.Add(d) }

// EnableExiting activates the timer and has the CPU save its value on every
// exit so that SetTimer only needs to be called once.
func (h *PreemptionTimer) EnableExiting() {
	vmx.Enable(h.vmcs, vmx.PinBasedControls, vmx.PinActivatePreemptionTimer)
	vmx.Enable(h.vmcs, vmx.ExitControls, vmx.ExitSavePreemptionTimer)
}

func (h *PreemptionTimer) DisableExiting() {
	vmx.Disable(h.vmcs, vmx.PinBasedControls, vmx.PinActivatePreemptionTimer)
	vmx.Disable(h.vmcs, vmx.ExitControls, vmx.ExitSavePreemptionTimer)
}

func (h *PreemptionTimer) SetTimer(v uint64) { h.vmcs.Write(vmx.PreemptionTimerValue, v) }
func (h *PreemptionTimer) GetTimer() uint64  { return h.vmcs.Read(vmx.PreemptionTimerValue) }

func (h *PreemptionTimer) EnableLogging()                   { h.log.Enable() }
func (h *PreemptionTimer) Records() []PreemptionTimerRecord { return h.log.Records() }

func (h *PreemptionTimer) DumpLog(logger *slog.Logger) {
	h.log.Dump(logger, "preemption_timer", func(r PreemptionTimerRecord) []any {
		return []any{"rip", hex(r.RIP)}
	})
}

func (h *PreemptionTimer) Handle(vmcs vmx.VMCS) (bool, error) {
	var info PreemptionTimerInfo
	h.log.Add(PreemptionTimerRecord{RIP: vmcs.State().Rip})

	claimed, err := h.chain.Run(vmcs, &info)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, unhandled("preemption timer")
	}
	return true, nil
}
