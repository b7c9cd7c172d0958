package vmexit

import (
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/vmx"
)

// EPTViolationInfo describes a guest access the EPT refused. Violations are
// usually resolved by changing the mapping and letting the guest retry the
// instruction, so IgnoreAdvance starts out true.
type EPTViolationInfo struct {
	GVA  uint64
	GPA  uint64
	Qual uint64

	IgnoreAdvance bool
}

// Access decodes the qualification into the access the guest attempted.
func (i *EPTViolationInfo) Access() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    vmx.EPTDataRead.IsEnabled(i.Qual),
		Write:   vmx.EPTDataWrite.IsEnabled(i.Qual),
		Execute: vmx.EPTInstructionFetch.IsEnabled(i.Qual),
	}
}

type EPTViolationRecord struct {
	GVA, GPA uint64
	Access   hostarch.AccessType
}

// EPTViolation dispatches EPT violations to separate read, write and execute
// chains. An access that is both a read and a write is offered to the read
// chain first.
type EPTViolation struct {
	read    dispatch.Chain[EPTViolationInfo]
	write   dispatch.Chain[EPTViolationInfo]
	execute dispatch.Chain[EPTViolationInfo]

	log *dispatch.Log[EPTViolationRecord]
}

func NewEPTViolation(exits *dispatch.Exits) *EPTViolation {
	h := &EPTViolation{
		log: dispatch.NewLog[EPTViolationRecord](dispatch.DefaultLogMax),
	}
	exits.AddHandler(vmx.ReasonEPTViolation, h.Handle)
	return h
}

func (h *EPTViolation) AddReadHandler(d dispatch.Delegate[EPTViolationInfo])    { h.read.Add(d) }
func (h *EPTViolation) AddWriteHandler(d dispatch.Delegate[EPTViolationInfo])   { h.write.Add(d) }
func (h *EPTViolation) AddExecuteHandler(d dispatch.Delegate[EPTViolationInfo]) { h.execute.Add(d) }

func (h *EPTViolation) EnableLogging()                { h.log.Enable() }
func (h *EPTViolation) Records() []EPTViolationRecord { return h.log.Records() }

func (h *EPTViolation) DumpLog(logger *slog.Logger) {
	h.log.Dump(logger, "ept_violation", func(r EPTViolationRecord) []any {
		return []any{"gva", hex(r.GVA), "gpa", hex(r.GPA), "access", r.Access.String()}
	})
}

func (h *EPTViolation) Handle(vmcs vmx.VMCS) (bool, error) {
	info := EPTViolationInfo{
		GVA:           vmcs.Read(vmx.GuestLinearAddress),
		GPA:           vmcs.Read(vmx.GuestPhysicalAddr),
		Qual:          vmcs.Read(vmx.ExitQualification),
		IgnoreAdvance: true,
	}
	access := info.Access()
	h.log.Add(EPTViolationRecord{GVA: info.GVA, GPA: info.GPA, Access: access})

	var chain *dispatch.Chain[EPTViolationInfo]
	switch {
	case access.Read:
		chain = &h.read
	case access.Write:
		chain = &h.write
	case access.Execute:
		chain = &h.execute
	default:
		return false, unhandled(fmt.Sprintf("ept violation at gpa 0x%x with no access", info.GPA))
	}

	claimed, err := chain.Run(vmcs, &info)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, unhandled(fmt.Sprintf("ept %s violation at gpa 0x%x", access, info.GPA))
	}
	if !info.IgnoreAdvance {
		return vmcs.Advance(), nil
	}
	return true, nil
}

// EPTMisconfigurationInfo describes a walk that hit an invalid entry.
type EPTMisconfigurationInfo struct {
	GPA uint64

	IgnoreAdvance bool
}

type EPTMisconfigurationRecord struct {
	GPA uint64
}

// EPTMisconfiguration handles exits caused by malformed EPT entries.
type EPTMisconfiguration struct {
	chain dispatch.Chain[EPTMisconfigurationInfo]
	log   *dispatch.Log[EPTMisconfigurationRecord]
}

func NewEPTMisconfiguration(exits *dispatch.Exits) *EPTMisconfiguration {
	h := &EPTMisconfiguration{
		log: dispatch.NewLog[EPTMisconfigurationRecord](dispatch.DefaultLogMax),
	}
	exits.AddHandler(vmx.ReasonEPTMisconfiguration, h.Handle)
	return h
}

func (h *EPTMisconfiguration) AddHandler(d dispatch.Delegate[EPTMisconfigurationInfo]) {
	h.chain.Add(d)
}

func (h *EPTMisconfiguration) EnableLogging()                       { h.log.Enable() }
func (h *EPTMisconfiguration) Records() []EPTMisconfigurationRecord { return h.log.Records() }

func (h *EPTMisconfiguration) DumpLog(logger *slog.Logger) {
	h.log.Dump(logger, "ept_misconfiguration", func(r EPTMisconfigurationRecord) []any {
		return []any{"gpa", hex(r.GPA)}
	})
}

func (h *EPTMisconfiguration) Handle(vmcs vmx.VMCS) (bool, error) {
	info := EPTMisconfigurationInfo{GPA: vmcs.Read(vmx.GuestPhysicalAddr)}
	h.log.Add(EPTMisconfigurationRecord{GPA: info.GPA})

	claimed, err := h.chain.Run(vmcs, &info)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, unhandled(fmt.Sprintf("ept misconfiguration at gpa 0x%x", info.GPA))
	}
	if !info.IgnoreAdvance {
		return vmcs.Advance(), nil
	}
	return true, nil
}
