package apic

import (
	"github.com/tinyrange/vmext/internal/hw"
)

// PhysLAPIC is the physical local APIC of the CPU the vCPU runs on.
type PhysLAPIC interface {
	Mode() Mode

	ReadRegister(off Offset) uint32
	WriteRegister(off Offset, val uint32)

	// ReadTPR and WriteTPR access the task priority through CR8.
	ReadTPR() uint32
	WriteTPR(val uint32)

	ReadICR() uint64
	WriteICR(val uint64)

	WriteEOI()
	WriteSelfIPI(vector uint64)
}

// selfIPI builds the ICR for a fixed, edge triggered IPI to the sender.
func selfIPI(vector uint64) uint64 {
	var icr uint64
	icr = ICRVector.Set(icr, vector)
	icr = ICRDeliveryMode.Set(icr, DeliveryFixed)
	icr = ICRLevel.Enable(icr)
	icr = ICRTriggerMode.Disable(icr)
	icr = ICRShorthand.Set(icr, ShorthandSelf)
	return icr
}

func readTPR(cpu hw.Intrinsics) uint32 { return uint32(cpu.ReadCR8() << 4) }

func writeTPR(cpu hw.Intrinsics, val uint32) { cpu.WriteCR8(uint64(val >> 4)) }

// PhysXAPIC drives a local APIC through its memory-mapped page.
type PhysXAPIC struct {
	cpu hw.Intrinsics
}

var _ PhysLAPIC = (*PhysXAPIC)(nil)

func NewPhysXAPIC(cpu hw.Intrinsics) *PhysXAPIC { return &PhysXAPIC{cpu: cpu} }

func (p *PhysXAPIC) Mode() Mode { return ModeXAPIC }

func (p *PhysXAPIC) ReadRegister(off Offset) uint32 {
	return p.cpu.ReadXAPIC(uint32(off) << 4)
}

func (p *PhysXAPIC) WriteRegister(off Offset, val uint32) {
	p.cpu.WriteXAPIC(uint32(off)<<4, val)
}

func (p *PhysXAPIC) ReadTPR() uint32     { return readTPR(p.cpu) }
func (p *PhysXAPIC) WriteTPR(val uint32) { writeTPR(p.cpu, val) }

func (p *PhysXAPIC) ReadICR() uint64 {
	hi := p.ReadRegister(ICRHigh)
	lo := p.ReadRegister(ICRLow)
	return uint64(hi)<<32 | uint64(lo)
}

// WriteICR writes the destination before the command. The write to the low
// half sends the IPI, so the fence keeps the two stores ordered.
func (p *PhysXAPIC) WriteICR(val uint64) {
	p.WriteRegister(ICRHigh, uint32(val>>32))
	p.cpu.SFence()
	p.WriteRegister(ICRLow, uint32(val))
}

func (p *PhysXAPIC) WriteEOI()                  { p.WriteRegister(EOI, 0) }
func (p *PhysXAPIC) WriteSelfIPI(vector uint64) { p.WriteICR(selfIPI(vector)) }

// ResetFromInit returns the LAPIC to the state an INIT signal leaves it in.
// Interrupts are held off by raising CR8 for the duration.
func (p *PhysXAPIC) ResetFromInit() {
	p.cpu.WriteCR8(0xF)

	p.WriteRegister(ICRHigh, 0)
	p.WriteRegister(ICRLow, 0)

	p.WriteRegister(LDR, 0)
	p.WriteRegister(TPR, 0)
	p.WriteRegister(InitialCount, 0)
	p.WriteRegister(DivideConfig, 0)

	p.WriteRegister(DFR, 0xFFFF_FFFF)
	p.WriteRegister(ESR, 0)

	for _, lvt := range LVTs {
		p.WriteRegister(lvt, LVTReset)
	}
	p.WriteRegister(SVR, SVRReset)

	p.cpu.WriteCR8(0)
}

// PhysX2APIC drives a local APIC in x2APIC mode through MSRs.
type PhysX2APIC struct {
	cpu hw.Intrinsics
}

var _ PhysLAPIC = (*PhysX2APIC)(nil)

func NewPhysX2APIC(cpu hw.Intrinsics) *PhysX2APIC { return &PhysX2APIC{cpu: cpu} }

func (p *PhysX2APIC) Mode() Mode { return ModeX2APIC }

func (p *PhysX2APIC) ReadRegister(off Offset) uint32 {
	return uint32(p.cpu.ReadMSR(uint32(OffsetToMSR(off))))
}

func (p *PhysX2APIC) WriteRegister(off Offset, val uint32) {
	p.cpu.WriteMSR(uint32(OffsetToMSR(off)), uint64(val))
}

func (p *PhysX2APIC) ReadTPR() uint32     { return readTPR(p.cpu) }
func (p *PhysX2APIC) WriteTPR(val uint32) { writeTPR(p.cpu, val) }

func (p *PhysX2APIC) ReadICR() uint64 { return p.cpu.ReadMSR(uint32(OffsetToMSR(ICRLow))) }

func (p *PhysX2APIC) WriteICR(val uint64) { p.cpu.WriteMSR(uint32(OffsetToMSR(ICRLow)), val) }

func (p *PhysX2APIC) WriteEOI() { p.WriteRegister(EOI, 0) }

func (p *PhysX2APIC) WriteSelfIPI(vector uint64) {
	p.cpu.WriteMSR(uint32(OffsetToMSR(SelfIPI)), ICRVector.Get(vector))
}

// NewPhysLAPIC picks the implementation matching the mode in IA32_APIC_BASE.
func NewPhysLAPIC(cpu hw.Intrinsics) (PhysLAPIC, error) {
	switch m := ModeOf(cpu.ReadMSR(hw.MSRIA32APICBase)); m {
	case ModeXAPIC:
		return NewPhysXAPIC(cpu), nil
	case ModeX2APIC:
		return NewPhysX2APIC(cpu), nil
	default:
		return nil, errMode(m)
	}
}
