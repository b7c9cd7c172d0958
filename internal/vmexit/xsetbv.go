package vmexit

import (
	"log/slog"

	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/hw"
	"github.com/tinyrange/vmext/internal/vmx"
)

// XSetBVInfo carries the XCR index and the value the guest is loading.
type XSetBVInfo struct {
	XCR uint64
	Val uint64

	IgnoreWrite   bool
	IgnoreAdvance bool
}

type XSetBVRecord struct {
	XCR, Val uint64
}

// XSetBV handles XSETBV exits. The value is committed to hardware whether or
// not a delegate claims it.
type XSetBV struct {
	cpu   hw.Intrinsics
	chain dispatch.Chain[XSetBVInfo]
	log   *dispatch.Log[XSetBVRecord]
}

func NewXSetBV(exits *dispatch.Exits, cpu hw.Intrinsics) *XSetBV {
	h := &XSetBV{
		cpu: cpu,
		log: dispatch.NewLog[XSetBVRecord](dispatch.DefaultLogMax),
	}
	exits.AddHandler(vmx.ReasonXSETBV, h.Handle)
	return h
}

func (h *XSetBV) AddHandler(d dispatch.Delegate[XSetBVInfo]) { h.chain.Add(d) }
func (h *XSetBV) EnableLogging()                             { h.log.Enable() }
func (h *XSetBV) Records() []XSetBVRecord                    { return h.log.Records() }

func (h *XSetBV) DumpLog(logger *slog.Logger) {
	h.log.Dump(logger, "xsetbv", func(r XSetBVRecord) []any {
		return []any{"xcr", r.XCR, "val", hex(r.Val)}
	})
}

func (h *XSetBV) Handle(vmcs vmx.VMCS) (bool, error) {
	state := vmcs.State()
	info := XSetBVInfo{
		XCR: vmx.Low32(state.GPRs[vmx.RCX]),
		Val: vmx.Join32(state.GPRs[vmx.RDX], state.GPRs[vmx.RAX]),
	}

	if _, err := h.chain.Run(vmcs, &info); err != nil {
		return false, err
	}
	h.log.Add(XSetBVRecord{XCR: info.XCR, Val: info.Val})

	if !info.IgnoreWrite {
		h.cpu.XSetBV(uint32(info.XCR), info.Val)
	}
	if !info.IgnoreAdvance {
		return vmcs.Advance(), nil
	}
	return true, nil
}
