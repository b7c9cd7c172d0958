// Package apic virtualizes the local APIC and IOAPIC.
//
// Local APIC registers are identified by their offset: the x2APIC MSR
// address minus 0x800, or equivalently the xAPIC MMIO offset shifted right
// by four. Every LAPIC implementation in this package is addressed by these
// offsets.
package apic

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vmext/internal/bits"
	"github.com/tinyrange/vmext/internal/hw"
	"github.com/tinyrange/vmext/internal/vmx"
)

// Offset is a local APIC register index.
type Offset uint32

// Count is the number of register offsets.
const Count = 0x40

const (
	ID              Offset = 0x02
	Version         Offset = 0x03
	TPR             Offset = 0x08
	PPR             Offset = 0x0A
	EOI             Offset = 0x0B
	LDR             Offset = 0x0D
	DFR             Offset = 0x0E
	SVR             Offset = 0x0F
	ISR0            Offset = 0x10
	TMR0            Offset = 0x18
	IRR0            Offset = 0x20
	ESR             Offset = 0x28
	LVTCMCI         Offset = 0x2F
	ICRLow          Offset = 0x30
	ICRHigh         Offset = 0x31
	LVTTimer        Offset = 0x32
	LVTThermal      Offset = 0x33
	LVTPMI          Offset = 0x34
	LVTLINT0        Offset = 0x35
	LVTLINT1        Offset = 0x36
	LVTError        Offset = 0x37
	InitialCount    Offset = 0x38
	CurrentCount    Offset = 0x39
	DivideConfig    Offset = 0x3E
	SelfIPI         Offset = 0x3F
	vectorRegisters        = 8
)

// LVTs lists every local vector table register.
var LVTs = []Offset{LVTCMCI, LVTTimer, LVTThermal, LVTPMI, LVTLINT0, LVTLINT1, LVTError}

// Reset values.
const (
	LVTReset     = 0x1_0000
	SVRReset     = 0xFF
	versionReset = 0x10
	lvtCount     = 7
)

var (
	// ErrInvalidOffset is returned for register offsets that do not exist.
	ErrInvalidOffset = fmt.Errorf("%w: invalid apic register", vmx.ErrFatal)

	// ErrReadOnly is returned for writes to read-only registers.
	ErrReadOnly = errors.New("apic: register is read-only")

	// ErrUnsupportedMode is returned when the guest selects an APIC mode
	// that cannot be virtualized.
	ErrUnsupportedMode = fmt.Errorf("%w: unsupported apic mode", vmx.ErrFatal)
)

// Attr describes how a register may be accessed in each mode.
type Attr uint8

const (
	XAPICReadable Attr = 1 << iota
	XAPICWritable
	X2APICReadable
	X2APICWritable
)

var attributes = func() [Count]Attr {
	var a [Count]Attr
	both := XAPICReadable | XAPICWritable | X2APICReadable | X2APICWritable

	a[DFR] = XAPICReadable | XAPICWritable
	a[ICRHigh] = XAPICReadable | XAPICWritable
	a[SelfIPI] = X2APICWritable
	a[EOI] = XAPICWritable | X2APICWritable

	for _, off := range []Offset{ID, Version, PPR, CurrentCount} {
		a[off] = XAPICReadable | X2APICReadable
	}
	for i := Offset(0); i < vectorRegisters; i++ {
		a[ISR0+i] = XAPICReadable | X2APICReadable
		a[TMR0+i] = XAPICReadable | X2APICReadable
		a[IRR0+i] = XAPICReadable | X2APICReadable
	}

	for _, off := range []Offset{TPR, SVR, ESR, ICRLow, InitialCount, DivideConfig} {
		a[off] = both
	}
	for _, off := range LVTs {
		a[off] = both
	}
	return a
}()

// Attributes returns the access attributes of off. Offsets past the end of
// the table have none.
func Attributes(off Offset) Attr {
	if off >= Count {
		return 0
	}
	return attributes[off]
}

func (a Attr) has(b Attr) bool { return a&b != 0 }

func ExistsInXAPIC(off Offset) bool  { return Attributes(off).has(XAPICReadable | XAPICWritable) }
func ExistsInX2APIC(off Offset) bool { return Attributes(off).has(X2APICReadable | X2APICWritable) }
func ReadableInXAPIC(off Offset) bool {
	return Attributes(off).has(XAPICReadable)
}
func WritableInXAPIC(off Offset) bool  { return Attributes(off).has(XAPICWritable) }
func ReadableInX2APIC(off Offset) bool { return Attributes(off).has(X2APICReadable) }
func WritableInX2APIC(off Offset) bool { return Attributes(off).has(X2APICWritable) }

// Stable reports whether a register's value can be copied from a running
// LAPIC. In-service, request and trigger state, the processor priority and
// the error status change under the copier's feet.
func Stable(off Offset) bool {
	switch {
	case off == PPR, off == ESR, off == CurrentCount:
		return false
	case off >= ISR0 && off < IRR0+vectorRegisters:
		return false
	}
	return true
}

// OffsetFromMSR converts an x2APIC MSR address.
func OffsetFromMSR(msr uint64) (Offset, error) {
	if msr < hw.MSRX2APICBase || msr > hw.MSRX2APICBase+Count-1 {
		return 0, fmt.Errorf("apic: msr 0x%x: %w", msr, ErrInvalidOffset)
	}
	return Offset(msr - hw.MSRX2APICBase), nil
}

// OffsetToMSR returns the x2APIC MSR address for off.
func OffsetToMSR(off Offset) uint64 { return hw.MSRX2APICBase | uint64(off) }

// OffsetFromMem converts an address inside the xAPIC page.
func OffsetFromMem(addr uint64) Offset { return Offset((addr & 0xFFF) >> 4) }

// OffsetToMem returns the address of off in the xAPIC page at base.
func OffsetToMem(off Offset, base uint64) uint64 { return base | uint64(off)<<4 }

// Interrupt command register fields.
var (
	ICRVector          = bits.Range(7, 0)
	ICRDeliveryMode    = bits.Range(10, 8)
	ICRDestinationMode = bits.Bit(11)
	ICRDeliveryStatus  = bits.Bit(12)
	ICRLevel           = bits.Bit(14)
	ICRTriggerMode     = bits.Bit(15)
	ICRShorthand       = bits.Range(19, 18)
)

const (
	DeliveryFixed          = 0
	DeliveryLowestPriority = 1
	DeliverySMI            = 2
	DeliveryNMI            = 4
	DeliveryINIT           = 5
	DeliverySIPI           = 6

	ShorthandNone        = 0
	ShorthandSelf        = 1
	ShorthandAllIncluded = 2
	ShorthandAllExcluded = 3
)

var svrVector = bits.Range(7, 0)

// Mode is the operating mode selected by IA32_APIC_BASE.
type Mode int

const (
	ModeDisabled Mode = iota
	ModeInvalid
	ModeXAPIC
	ModeX2APIC
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeXAPIC:
		return "xapic"
	case ModeX2APIC:
		return "x2apic"
	}
	return "invalid"
}

// ModeOf decodes the mode bits of an IA32_APIC_BASE value.
func ModeOf(base uint64) Mode {
	enabled := base&hw.APICBaseEnable != 0
	extended := base&hw.APICBaseX2APIC != 0
	switch {
	case enabled && extended:
		return ModeX2APIC
	case enabled:
		return ModeXAPIC
	case extended:
		return ModeInvalid
	}
	return ModeDisabled
}

func errMode(m Mode) error { return fmt.Errorf("apic: %s: %w", m, ErrUnsupportedMode) }

// IOAPIC redirection entry fields.
var (
	rteVector       = bits.Range(7, 0)
	rteDeliveryMode = bits.Range(10, 8)
	rteDestMode     = bits.Bit(11)
	rteRemoteIRR    = bits.Bit(14)
	rteTriggerLevel = bits.Bit(15)
	rteMask         = bits.Bit(16)
	rteDestination  = bits.Range(63, 56)
)

func rteMasked(rte uint64) bool { return rteMask.IsEnabled(rte) }
