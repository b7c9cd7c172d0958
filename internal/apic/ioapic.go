package apic

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	// IOAPICBaseAddress is the guest physical base of the IOAPIC window.
	IOAPICBaseAddress uint64 = 0xFEC00000

	ioapicWindowSize = 0x20

	ioapicSelectOffset = 0x00
	ioapicDataOffset   = 0x10

	// IOAPIC register indexes.
	IOAPICID          = 0x00
	IOAPICVersion     = 0x01
	IOAPICArbitration = 0x02
	IOAPICRTEBase     = 0x10
	IOAPICRegisters   = 0x40

	// IOAPICPins is the number of redirection entries.
	IOAPICPins = (IOAPICRegisters - IOAPICRTEBase) / 2

	ioapicVersion = 0x11 | (IOAPICPins-1)<<16
	rteReset      = 0x1_0000
)

// Redirection bits the guest may write. Delivery status and remote IRR are
// maintained by the IOAPIC.
const rteWriteMask uint64 = 0xFF00_0000_0000_00FF |
	(0x7 << 8) | // delivery mode
	(1 << 11) | // destination mode
	(1 << 13) | // polarity
	(1 << 15) | // trigger mode
	(1 << 16) // mask

// IOAPICRouting receives interrupts the IOAPIC decides to deliver.
type IOAPICRouting interface {
	Assert(vector, dest, destMode, deliveryMode uint8, level bool)
}

// IOAPICRoutingFunc adapts a function to IOAPICRouting.
type IOAPICRoutingFunc func(vector, dest, destMode, deliveryMode uint8, level bool)

func (f IOAPICRoutingFunc) Assert(vector, dest, destMode, deliveryMode uint8, level bool) {
	if f != nil {
		f(vector, dest, destMode, deliveryMode, level)
	}
}

type noopRouting struct{}

func (noopRouting) Assert(uint8, uint8, uint8, uint8, bool) {}

// IOAPIC is a virtual IOAPIC with 24 pins. Software reaches its registers
// indirectly: Select picks a register and Read or Write accesses it.
type IOAPIC struct {
	mu sync.Mutex

	selected uint32
	id       uint32
	pins     [IOAPICPins]pin

	routing IOAPICRouting
}

type pin struct {
	rte   uint64
	level bool
}

func NewIOAPIC() *IOAPIC {
	a := &IOAPIC{routing: noopRouting{}}
	a.Reset()
	return a
}

// Reset masks every pin and clears the ID.
func (a *IOAPIC) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selected = 0
	a.id = 0
	for i := range a.pins {
		a.pins[i] = pin{rte: rteReset}
	}
}

func (a *IOAPIC) SetRouting(r IOAPICRouting) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r == nil {
		r = noopRouting{}
	}
	a.routing = r
}

// Exists reports whether reg names an IOAPIC register.
func Exists(reg uint32) bool {
	switch {
	case reg <= IOAPICArbitration:
		return true
	case reg >= IOAPICRTEBase && reg < IOAPICRegisters:
		return true
	}
	return false
}

// IsWritable reports whether software may write reg.
func IsWritable(reg uint32) bool {
	return reg == IOAPICID || (reg >= IOAPICRTEBase && reg < IOAPICRegisters)
}

// Select chooses the register the next Read or Write accesses.
func (a *IOAPIC) Select(reg uint32) error {
	if !Exists(reg) {
		return fmt.Errorf("apic: ioapic register 0x%x: %w", reg, ErrInvalidOffset)
	}
	a.mu.Lock()
	a.selected = reg
	a.mu.Unlock()
	return nil
}

func (a *IOAPIC) Selected() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selected
}

func (a *IOAPIC) Read() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.read(a.selected)
}

func (a *IOAPIC) Write(val uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.write(a.selected, val)
}

// ID returns the APIC ID held in bits 27:24 of the ID register.
func (a *IOAPIC) ID() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint8(a.id >> 24 & 0xF)
}

func (a *IOAPIC) Version() uint32     { return ioapicVersion }
func (a *IOAPIC) Arbitration() uint32 { return 0 }

func (a *IOAPIC) read(reg uint32) uint32 {
	switch {
	case reg == IOAPICID:
		return a.id
	case reg == IOAPICVersion:
		return ioapicVersion
	case reg == IOAPICArbitration:
		return 0
	}
	rte := a.pins[(reg-IOAPICRTEBase)/2].rte
	if reg&1 == 1 {
		return uint32(rte >> 32)
	}
	return uint32(rte)
}

func (a *IOAPIC) write(reg uint32, val uint32) error {
	if !IsWritable(reg) {
		return fmt.Errorf("apic: ioapic register 0x%x: %w", reg, ErrReadOnly)
	}
	if reg == IOAPICID {
		a.id = val & 0x0F00_0000
		return nil
	}

	n := (reg - IOAPICRTEBase) / 2
	p := &a.pins[n]
	shift := uint64(0)
	if reg&1 == 1 {
		shift = 32
	}
	half := uint64(0xFFFF_FFFF) << shift & rteWriteMask

	wasMasked := rteMasked(p.rte)
	p.rte = p.rte&^half | uint64(val)<<shift&half

	// Unmasking a pin that is already high is delivered as an edge.
	edge := wasMasked && !rteMasked(p.rte) && p.level
	p.evaluate(a.routing, edge)
	return nil
}

// RTE returns the redirection entry of pin n.
func (a *IOAPIC) RTE(n int) (uint64, error) {
	if n < 0 || n >= IOAPICPins {
		return 0, fmt.Errorf("apic: ioapic pin %d: %w", n, ErrInvalidOffset)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pins[n].rte, nil
}

// SetRTE writes both halves of the redirection entry of pin n.
func (a *IOAPIC) SetRTE(n int, val uint64) error {
	if n < 0 || n >= IOAPICPins {
		return fmt.Errorf("apic: ioapic pin %d: %w", n, ErrInvalidOffset)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	reg := uint32(IOAPICRTEBase + 2*n)
	if err := a.write(reg+1, uint32(val>>32)); err != nil {
		return err
	}
	return a.write(reg, uint32(val))
}

// SetIRQ changes the level of an input pin. Pins past the last are ignored.
func (a *IOAPIC) SetIRQ(line uint8, high bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(line) >= IOAPICPins {
		return
	}
	p := &a.pins[line]
	if high {
		edge := !p.level
		p.level = true
		p.evaluate(a.routing, edge)
		return
	}
	p.level = false
	p.rte = rteRemoteIRR.Disable(p.rte)
}

// HandleEOI clears remote IRR on every pin using vector and redelivers
// level-triggered pins that are still asserted.
func (a *IOAPIC) HandleEOI(vector uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.pins {
		p := &a.pins[i]
		if rteVector.Get(p.rte) != uint64(vector&0xFF) {
			continue
		}
		p.rte = rteRemoteIRR.Disable(p.rte)
		p.evaluate(a.routing, false)
	}
}

func (p *pin) evaluate(r IOAPICRouting, edge bool) {
	if rteMasked(p.rte) {
		return
	}
	// Only fixed and lowest-priority delivery can be level triggered.
	mode := rteDeliveryMode.Get(p.rte)
	level := rteTriggerLevel.IsEnabled(p.rte) &&
		(mode == DeliveryFixed || mode == DeliveryLowestPriority)
	switch {
	case level && (!p.level || rteRemoteIRR.IsEnabled(p.rte)):
		return
	case !level && !edge:
		return
	}
	if level {
		p.rte = rteRemoteIRR.Enable(p.rte)
	}

	r.Assert(
		uint8(rteVector.Get(p.rte)),
		uint8(rteDestination.Get(p.rte)),
		uint8(rteDestMode.Get(p.rte)),
		uint8(mode),
		level,
	)
}

// ReadMMIO reads the select or data register through the memory window.
func (a *IOAPIC) ReadMMIO(addr uint64, data []byte) error {
	off, err := ioapicOffset(addr, len(data))
	if err != nil {
		return err
	}
	var val uint32
	switch off {
	case ioapicSelectOffset:
		val = a.Selected()
	case ioapicDataOffset:
		val = a.Read()
	default:
		return fmt.Errorf("apic: ioapic read at offset 0x%x: %w", off, ErrInvalidOffset)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	copy(data, buf[:])
	return nil
}

// WriteMMIO writes the select or data register through the memory window.
func (a *IOAPIC) WriteMMIO(addr uint64, data []byte) error {
	off, err := ioapicOffset(addr, len(data))
	if err != nil {
		return err
	}
	var buf [8]byte
	copy(buf[:], data)
	val := binary.LittleEndian.Uint32(buf[:])

	switch off {
	case ioapicSelectOffset:
		return a.Select(val & 0xFF)
	case ioapicDataOffset:
		return a.Write(val)
	}
	return fmt.Errorf("apic: ioapic write at offset 0x%x: %w", off, ErrInvalidOffset)
}

func ioapicOffset(addr uint64, size int) (uint64, error) {
	if addr < IOAPICBaseAddress || addr+uint64(size) > IOAPICBaseAddress+ioapicWindowSize {
		return 0, fmt.Errorf("apic: ioapic access outside window at 0x%x: %w", addr, ErrInvalidOffset)
	}
	return addr - IOAPICBaseAddress, nil
}
