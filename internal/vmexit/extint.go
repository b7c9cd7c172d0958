package vmexit

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/vmx"
)

type ExternalInterruptInfo struct {
	Vector uint64
}

type ExternalInterruptRecord struct {
	Vector uint64
}

// ExternalInterrupt handles exits caused by physical interrupts arriving
// while the guest runs. The interrupt is acknowledged on exit so the vector
// is available in the exit interruption information.
type ExternalInterrupt struct {
	vmcs  vmx.VMCS
	chain dispatch.Chain[ExternalInterruptInfo]
	log   *dispatch.Log[ExternalInterruptRecord]
}

func NewExternalInterrupt(exits *dispatch.Exits, vmcs vmx.VMCS) *ExternalInterrupt {
	h := &ExternalInterrupt{
		vmcs: vmcs,
		log:  dispatch.NewLog[ExternalInterruptRecord](dispatch.DefaultLogMax),
	}
	exits.AddHandler(vmx.ReasonExternalInterrupt, h.Handle)
	return h
}

func (h *ExternalInterrupt) AddHandler(d dispatch.Delegate[ExternalInterruptInfo]) {
	h.chain.Add(d)
}

func (h *ExternalInterrupt) EnableExiting() {
	vmx.Enable(h.vmcs, vmx.PinBasedControls, vmx.PinExternalInterruptExiting)
	vmx.Enable(h.vmcs, vmx.ExitControls, vmx.ExitAcknowledgeInterrupt)
}

func (h *ExternalInterrupt) DisableExiting() {
	vmx.Disable(h.vmcs, vmx.PinBasedControls, vmx.PinExternalInterruptExiting)
	vmx.Disable(h.vmcs, vmx.ExitControls, vmx.ExitAcknowledgeInterrupt)
}

func (h *ExternalInterrupt) EnableLogging()                     { h.log.Enable() }
func (h *ExternalInterrupt) Records() []ExternalInterruptRecord { return h.log.Records() }

func (h *ExternalInterrupt) DumpLog(logger *slog.Logger) {
	h.log.Dump(logger, "external_interrupt", func(r ExternalInterruptRecord) []any {
		return []any{"vector", hex(r.Vector)}
	})
}

func (h *ExternalInterrupt) Handle(vmcs vmx.VMCS) (bool, error) {
	info := ExternalInterruptInfo{
		Vector: vmx.InterruptionVector.Get(vmcs.Read(vmx.ExitInterruptionInfo)),
	}
	h.log.Add(ExternalInterruptRecord{Vector: info.Vector})

	claimed, err := h.chain.Run(vmcs, &info)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, unhandled(fmt.Sprintf("external interrupt vector 0x%x", info.Vector))
	}
	return true, nil
}
