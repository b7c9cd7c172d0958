package apic

import (
	"fmt"

	"github.com/tinyrange/vmext/internal/vmexit"
	"github.com/tinyrange/vmext/internal/vmx"
)

// VirtLAPIC is the register file the guest sees. Interrupts reach the guest
// through the interrupt window: a vector is moved from IRR to ISR as it is
// injected, and popped from ISR when the guest writes EOI.
type VirtLAPIC struct {
	id     uint64
	mode   Mode
	regs   [Count]uint32
	window *vmexit.InterruptWindow
}

// NewVirtLAPIC resets the register file for vCPU id and copies the stable
// registers of phys, if given. The vCPU id is kept in place of the physical
// APIC ID.
func NewVirtLAPIC(id uint64, window *vmexit.InterruptWindow, phys PhysLAPIC) *VirtLAPIC {
	v := &VirtLAPIC{id: id, mode: ModeXAPIC, window: window}
	if phys != nil {
		v.mode = phys.Mode()
	}
	v.Reset()
	if phys != nil {
		v.copyFrom(phys)
	}
	window.AddHandler(v.handleWindow)
	return v
}

func (v *VirtLAPIC) readable(off Offset) bool {
	if v.mode == ModeX2APIC {
		return ReadableInX2APIC(off)
	}
	return ReadableInXAPIC(off)
}

func (v *VirtLAPIC) copyFrom(phys PhysLAPIC) {
	for off := Offset(0); off < Count; off++ {
		if off == ID || !v.readable(off) || !Stable(off) {
			continue
		}
		v.regs[off] = phys.ReadRegister(off)
	}
}

// Reset puts every register back to its power-on value.
func (v *VirtLAPIC) Reset() {
	v.regs = [Count]uint32{}
	for _, lvt := range LVTs {
		v.regs[lvt] = LVTReset
	}
	v.regs[SVR] = SVRReset
	v.regs[Version] = versionReset | (lvtCount-1)<<16
	v.setID()
}

// xAPIC keeps the ID in the top byte.
func (v *VirtLAPIC) setID() {
	if v.mode == ModeX2APIC {
		v.regs[ID] = uint32(v.id)
	} else {
		v.regs[ID] = uint32(v.id) << 24
	}
}

// SetMode switches between the xAPIC and x2APIC register views. Pending
// and in-service state is kept.
func (v *VirtLAPIC) SetMode(m Mode) {
	v.mode = m
	v.setID()
}

func (v *VirtLAPIC) Mode() Mode { return v.mode }

// ReadRegister returns the register at off. Offsets past the register file
// are rejected with vmx.ErrOutOfRange.
func (v *VirtLAPIC) ReadRegister(off Offset) (uint32, error) {
	if off >= Count {
		return 0, fmt.Errorf("apic: read register 0x%x: %w", uint32(off), vmx.ErrOutOfRange)
	}
	return v.regs[off], nil
}

func (v *VirtLAPIC) WriteRegister(off Offset, val uint32) error {
	if off >= Count {
		return fmt.Errorf("apic: write register 0x%x: %w", uint32(off), vmx.ErrOutOfRange)
	}
	v.regs[off] = val
	return nil
}

func (v *VirtLAPIC) ReadTPR() uint32     { return v.regs[TPR] }
func (v *VirtLAPIC) WriteTPR(val uint32) { v.regs[TPR] = val }

func (v *VirtLAPIC) ReadICR() uint64 {
	return uint64(v.regs[ICRHigh])<<32 | uint64(v.regs[ICRLow])
}

func (v *VirtLAPIC) WriteICR(val uint64) {
	v.regs[ICRLow] = uint32(val)
	v.regs[ICRHigh] = uint32(val >> 32)
}

func vectorBit(base Offset, vector uint64) (Offset, uint32) {
	return base + Offset(vector/32), 1 << (vector % 32)
}

func (v *VirtLAPIC) setBit(base Offset, vector uint64) {
	off, bit := vectorBit(base, vector&0xFF)
	v.regs[off] |= bit
}

func (v *VirtLAPIC) clearBit(base Offset, vector uint64) {
	off, bit := vectorBit(base, vector&0xFF)
	v.regs[off] &^= bit
}

func (v *VirtLAPIC) isSet(base Offset, vector uint64) bool {
	off, bit := vectorBit(base, vector&0xFF)
	return v.regs[off]&bit != 0
}

// top returns the highest vector set in the eight registers at base.
func (v *VirtLAPIC) top(base Offset) (uint64, bool) {
	for i := vectorRegisters - 1; i >= 0; i-- {
		r := v.regs[base+Offset(i)]
		if r == 0 {
			continue
		}
		for b := 31; b >= 0; b-- {
			if r&(1<<b) != 0 {
				return uint64(i*32 + b), true
			}
		}
	}
	return 0, false
}

func (v *VirtLAPIC) IRRSet(vector uint64) bool { return v.isSet(IRR0, vector) }
func (v *VirtLAPIC) ISRSet(vector uint64) bool { return v.isSet(ISR0, vector) }

func (v *VirtLAPIC) TopIRR() (uint64, bool) { return v.top(IRR0) }
func (v *VirtLAPIC) TopISR() (uint64, bool) { return v.top(ISR0) }

// PopIRR clears and returns the highest pending vector.
func (v *VirtLAPIC) PopIRR() (uint64, bool) {
	vector, ok := v.top(IRR0)
	if ok {
		v.clearBit(IRR0, vector)
	}
	return vector, ok
}

// PopISR clears and returns the highest in-service vector.
func (v *VirtLAPIC) PopISR() (uint64, bool) {
	vector, ok := v.top(ISR0)
	if ok {
		v.clearBit(ISR0, vector)
	}
	return vector, ok
}

// WriteEOI ends the highest priority interrupt in service and returns its
// vector.
func (v *VirtLAPIC) WriteEOI() (uint64, bool) { return v.PopISR() }

func (v *VirtLAPIC) inject(vector uint64) {
	v.clearBit(IRR0, vector)
	v.setBit(ISR0, vector)
	v.window.Inject(vector)
}

// QueueInjection delivers vector now if the guest can take it, otherwise
// marks it pending and asks for an interrupt window exit.
func (v *VirtLAPIC) QueueInjection(vector uint64) {
	if v.window.IsOpen() {
		v.inject(vector)
		return
	}
	v.setBit(IRR0, vector)
	v.window.EnableExiting()
}

// InjectSpurious delivers a spurious interrupt. It is never marked in
// service, so the guest does not EOI it.
func (v *VirtLAPIC) InjectSpurious(vector uint64) error {
	return v.window.QueueExternalInterrupt(vector)
}

func (v *VirtLAPIC) handleWindow(_ vmx.VMCS, _ *vmexit.InterruptWindowInfo) (bool, error) {
	vector, ok := v.PopIRR()
	if !ok {
		return false, nil
	}
	v.setBit(ISR0, vector)
	v.window.Inject(vector)

	if _, more := v.top(IRR0); !more && len(v.window.Pending()) == 0 {
		v.window.DisableExiting()
	}
	return true, nil
}
