package vmexit

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmext/internal/bits"
	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/hw"
	"github.com/tinyrange/vmext/internal/vmx"
)

// MSR bitmap layout: four 1 KiB regions covering reads of low MSRs, reads of
// high MSRs, writes of low MSRs and writes of high MSRs.
const (
	msrLowEnd    = 0x0000_1FFF
	msrHighBegin = 0xC000_0000
	msrHighEnd   = 0xC000_1FFF

	msrReadLowBit   = 0x0000
	msrReadHighBit  = 0x2000
	msrWriteLowBit  = 0x4000
	msrWriteHighBit = 0x6000

	// MSRBitmapSize is the size of the bitmap in bytes.
	MSRBitmapSize = 0x1000
)

// MSRBitmap is the 4K page that selects which RDMSR and WRMSR instructions
// exit.
type MSRBitmap struct {
	b []byte
}

// NewMSRBitmap wraps b, which must be at least MSRBitmapSize bytes.
func NewMSRBitmap(b []byte) *MSRBitmap {
	return &MSRBitmap{b: b[:MSRBitmapSize]}
}

func msrBit(msr uint64, low, high uint64) (uint64, error) {
	switch {
	case msr <= msrLowEnd:
		return msr + low, nil
	case msr >= msrHighBegin && msr <= msrHighEnd:
		return msr - msrHighBegin + high, nil
	}
	return 0, fmt.Errorf("vmexit: msr 0x%x: %w", msr, vmx.ErrInvalidMSR)
}

func (m *MSRBitmap) update(msr, low, high uint64, set bool) error {
	n, err := msrBit(msr, low, high)
	if err != nil {
		return err
	}
	if set {
		bits.SetBit(m.b, n)
	} else {
		bits.ClearBit(m.b, n)
	}
	return nil
}

func (m *MSRBitmap) TrapRead(msr uint64) error {
	return m.update(msr, msrReadLowBit, msrReadHighBit, true)
}

func (m *MSRBitmap) PassThroughRead(msr uint64) error {
	return m.update(msr, msrReadLowBit, msrReadHighBit, false)
}

func (m *MSRBitmap) TrapWrite(msr uint64) error {
	return m.update(msr, msrWriteLowBit, msrWriteHighBit, true)
}

func (m *MSRBitmap) PassThroughWrite(msr uint64) error {
	return m.update(msr, msrWriteLowBit, msrWriteHighBit, false)
}

func (m *MSRBitmap) TrapAllReads()         { bits.Fill(m.b[:MSRBitmapSize/2], 0xFF) }
func (m *MSRBitmap) PassThroughAllReads()  { bits.Fill(m.b[:MSRBitmapSize/2], 0x00) }
func (m *MSRBitmap) TrapAllWrites()        { bits.Fill(m.b[MSRBitmapSize/2:], 0xFF) }
func (m *MSRBitmap) PassThroughAllWrites() { bits.Fill(m.b[MSRBitmapSize/2:], 0x00) }

// ReadTrapped reports whether RDMSR of msr exits. Invalid MSRs always exit.
func (m *MSRBitmap) ReadTrapped(msr uint64) bool {
	n, err := msrBit(msr, msrReadLowBit, msrReadHighBit)
	return err != nil || bits.IsBitSet(m.b, n)
}

// WriteTrapped reports whether WRMSR of msr exits. Invalid MSRs always exit.
func (m *MSRBitmap) WriteTrapped(msr uint64) bool {
	n, err := msrBit(msr, msrWriteLowBit, msrWriteHighBit)
	return err != nil || bits.IsBitSet(m.b, n)
}

// Bytes exposes the raw bitmap.
func (m *MSRBitmap) Bytes() []byte { return m.b }

// MSRInfo is passed to RDMSR and WRMSR delegates. For reads Val starts as the
// hardware value; for writes it is the value the guest wrote.
type MSRInfo struct {
	MSR uint64
	Val uint64

	IgnoreWrite   bool
	IgnoreAdvance bool
}

type MSRRecord struct {
	MSR, Val uint64
	Handled  bool
}

func dumpMSRLog(log *dispatch.Log[MSRRecord], logger *slog.Logger, name string) {
	log.Dump(logger, name, func(r MSRRecord) []any {
		return []any{"msr", hex(r.MSR), "val", hex(r.Val), "handled", r.Handled}
	})
}

// RDMSR handles RDMSR exits keyed by MSR address.
//
// An exit no handler claims is resolved by the configured default: the
// hardware value is passed through, or in secure mode the guest reads zero.
type RDMSR struct {
	cpu      hw.Intrinsics
	bitmap   *MSRBitmap
	handlers dispatch.Keyed[uint64, MSRInfo]
	emulate  map[uint64]bool
	secure   bool
	log      *dispatch.Log[MSRRecord]
}

func NewRDMSR(exits *dispatch.Exits, cpu hw.Intrinsics, bitmap *MSRBitmap) *RDMSR {
	h := &RDMSR{
		cpu:     cpu,
		bitmap:  bitmap,
		emulate: make(map[uint64]bool),
		log:     dispatch.NewLog[MSRRecord](dispatch.DefaultLogMax),
	}
	exits.AddHandler(vmx.ReasonRDMSR, h.Handle)
	return h
}

// AddHandler traps msr and adds d to the front of its chain.
func (h *RDMSR) AddHandler(msr uint64, d dispatch.Delegate[MSRInfo]) error {
	if err := h.TrapOnAccess(msr); err != nil {
		return err
	}
	h.handlers.Add(msr, d)
	return nil
}

// Emulate stops the hardware MSR from being read for msr.
func (h *RDMSR) Emulate(msr uint64) { h.emulate[msr] = true }

// SetSecureMode selects the default for unclaimed reads.
func (h *RDMSR) SetSecureMode(on bool) { h.secure = on }

func (h *RDMSR) TrapOnAccess(msr uint64) error      { return h.bitmap.TrapRead(msr) }
func (h *RDMSR) PassThroughAccess(msr uint64) error { return h.bitmap.PassThroughRead(msr) }
func (h *RDMSR) TrapOnAllAccesses()                 { h.bitmap.TrapAllReads() }
func (h *RDMSR) PassThroughAllAccesses()            { h.bitmap.PassThroughAllReads() }
func (h *RDMSR) EnableLogging()                     { h.log.Enable() }
func (h *RDMSR) Records() []MSRRecord               { return h.log.Records() }
func (h *RDMSR) DumpLog(logger *slog.Logger)        { dumpMSRLog(h.log, logger, "rdmsr") }

func (h *RDMSR) Handle(vmcs vmx.VMCS) (bool, error) {
	state := vmcs.State()
	msr := vmx.Low32(state.GPRs[vmx.RCX])

	var hwVal uint64
	if !h.emulate[msr] {
		hwVal = h.cpu.ReadMSR(uint32(msr))
	}
	info := MSRInfo{MSR: msr, Val: hwVal}

	found, claimed, err := h.handlers.Run(msr, vmcs, &info)
	if err != nil {
		return false, err
	}
	h.log.Add(MSRRecord{MSR: msr, Val: info.Val, Handled: claimed})

	if found && claimed {
		if !info.IgnoreWrite {
			state.GPRs[vmx.RAX] = vmx.Low32(info.Val)
			state.GPRs[vmx.RDX] = vmx.High32(info.Val)
		}
		if !info.IgnoreAdvance {
			return vmcs.Advance(), nil
		}
		return true, nil
	}

	if h.secure {
		state.GPRs[vmx.RAX] = 0
		state.GPRs[vmx.RDX] = 0
		return vmcs.Advance(), nil
	}

	// Emulated MSRs read as zero rather than reaching hardware.
	state.GPRs[vmx.RAX] = vmx.Low32(hwVal)
	state.GPRs[vmx.RDX] = vmx.High32(hwVal)
	return vmcs.Advance(), nil
}

// WRMSR handles WRMSR exits keyed by MSR address.
//
// An exit no handler claims is committed to hardware, or in secure mode
// dropped.
type WRMSR struct {
	cpu      hw.Intrinsics
	bitmap   *MSRBitmap
	handlers dispatch.Keyed[uint64, MSRInfo]
	emulate  map[uint64]bool
	secure   bool
	log      *dispatch.Log[MSRRecord]
}

func NewWRMSR(exits *dispatch.Exits, cpu hw.Intrinsics, bitmap *MSRBitmap) *WRMSR {
	h := &WRMSR{
		cpu:     cpu,
		bitmap:  bitmap,
		emulate: make(map[uint64]bool),
		log:     dispatch.NewLog[MSRRecord](dispatch.DefaultLogMax),
	}
	exits.AddHandler(vmx.ReasonWRMSR, h.Handle)
	return h
}

// AddHandler traps msr and adds d to the front of its chain.
func (h *WRMSR) AddHandler(msr uint64, d dispatch.Delegate[MSRInfo]) error {
	if err := h.TrapOnAccess(msr); err != nil {
		return err
	}
	h.handlers.Add(msr, d)
	return nil
}

// Emulate stops claimed writes to msr from reaching the hardware.
func (h *WRMSR) Emulate(msr uint64) { h.emulate[msr] = true }

// SetSecureMode selects the default for unclaimed writes.
func (h *WRMSR) SetSecureMode(on bool) { h.secure = on }

func (h *WRMSR) TrapOnAccess(msr uint64) error      { return h.bitmap.TrapWrite(msr) }
func (h *WRMSR) PassThroughAccess(msr uint64) error { return h.bitmap.PassThroughWrite(msr) }
func (h *WRMSR) TrapOnAllAccesses()                 { h.bitmap.TrapAllWrites() }
func (h *WRMSR) PassThroughAllAccesses()            { h.bitmap.PassThroughAllWrites() }
func (h *WRMSR) EnableLogging()                     { h.log.Enable() }
func (h *WRMSR) Records() []MSRRecord               { return h.log.Records() }
func (h *WRMSR) DumpLog(logger *slog.Logger)        { dumpMSRLog(h.log, logger, "wrmsr") }

func (h *WRMSR) Handle(vmcs vmx.VMCS) (bool, error) {
	state := vmcs.State()
	msr := vmx.Low32(state.GPRs[vmx.RCX])

	val := vmx.Join32(state.GPRs[vmx.RDX], state.GPRs[vmx.RAX])
	info := MSRInfo{MSR: msr, Val: val}

	found, claimed, err := h.handlers.Run(msr, vmcs, &info)
	if err != nil {
		return false, err
	}
	h.log.Add(MSRRecord{MSR: msr, Val: info.Val, Handled: claimed})

	if found && claimed {
		if !info.IgnoreWrite && !h.emulate[msr] {
			h.cpu.WriteMSR(uint32(msr), info.Val)
		}
		if !info.IgnoreAdvance {
			return vmcs.Advance(), nil
		}
		return true, nil
	}

	if h.secure || h.emulate[msr] {
		slog.Debug("vmexit: dropped wrmsr", "msr", hex(msr), "val", hex(val))
		return vmcs.Advance(), nil
	}

	h.cpu.WriteMSR(uint32(msr), val)
	return vmcs.Advance(), nil
}
