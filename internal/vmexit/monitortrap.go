package vmexit

import (
	"log/slog"

	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/vmx"
)

// MonitorTrapInfo is passed to monitor-trap delegates. Setting IgnoreClear
// keeps the monitor trap flag armed for another instruction.
type MonitorTrapInfo struct {
	IgnoreClear bool
}

type MonitorTrapRecord struct {
	RIP uint64
}

// MonitorTrap handles monitor trap flag exits, delivered after the guest has
// executed a single instruction.
type MonitorTrap struct {
	vmcs  vmx.VMCS
	chain dispatch.Chain[MonitorTrapInfo]
	log   *dispatch.Log[MonitorTrapRecord]
}

func NewMonitorTrap(exits *dispatch.Exits, vmcs vmx.VMCS) *MonitorTrap {
	h := &MonitorTrap{
		vmcs: vmcs,
		log:  dispatch.NewLog[MonitorTrapRecord](dispatch.DefaultLogMax),
	}
	exits.AddHandler(vmx.ReasonMonitorTrapFlag, h.Handle)
	return h
}

func (h *MonitorTrap) AddHandler(d dispatch.Delegate[MonitorTrapInfo]) { h.chain.Add(d) }

// Enable arms the monitor trap flag.
func (h *MonitorTrap) Enable() {
	vmx.Enable(h.vmcs, vmx.PrimaryControls, vmx.ProcMonitorTrapFlag)
}

func (h *MonitorTrap) Disable() {
	vmx.Disable(h.vmcs, vmx.PrimaryControls, vmx.ProcMonitorTrapFlag)
}

func (h *MonitorTrap) EnableLogging()               { h.log.Enable() }
func (h *MonitorTrap) Records() []MonitorTrapRecord { return h.log.Records() }

func (h *MonitorTrap) DumpLog(logger *slog.Logger) {
	h.log.Dump(logger, "monitor_trap", func(r MonitorTrapRecord) []any {
		return []any{"rip", hex(r.RIP)}
	})
}

func (h *MonitorTrap) Handle(vmcs vmx.VMCS) (bool, error) {
	var info MonitorTrapInfo
	h.log.Add(MonitorTrapRecord{RIP: vmcs.State().Rip})

	if _, err := h.chain.Run(vmcs, &info); err != nil {
		return false, err
	}
	if !info.IgnoreClear {
		vmx.Disable(vmcs, vmx.PrimaryControls, vmx.ProcMonitorTrapFlag)
	}
	return true, nil
}
