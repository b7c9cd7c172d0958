package apic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmext/internal/chipset"
	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/ept"
	"github.com/tinyrange/vmext/internal/hw"
	"github.com/tinyrange/vmext/internal/mm"
	"github.com/tinyrange/vmext/internal/vmexit"
	"github.com/tinyrange/vmext/internal/vmx"
)

const (
	numVectors = 256

	// Vectors below this are exceptions and are never remapped.
	firstExternalVector = 32
)

var (
	ErrNoEPT          = errors.New("apic: mmio emulation needs an ept map")
	ErrNoGuestMemory  = errors.New("apic: mmio emulation needs guest memory")
	ErrMissingHandler = errors.New("apic: missing exit handler")
)

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }

// Exits groups the exit handlers the VIC installs delegates into.
type Exits struct {
	RDMSR             *vmexit.RDMSR
	WRMSR             *vmexit.WRMSR
	ControlRegister   *vmexit.ControlRegister
	ExternalInterrupt *vmexit.ExternalInterrupt
	InterruptWindow   *vmexit.InterruptWindow
	EPTViolation      *vmexit.EPTViolation
}

func (e Exits) complete() bool {
	return e.RDMSR != nil && e.WRMSR != nil && e.ControlRegister != nil &&
		e.ExternalInterrupt != nil && e.InterruptWindow != nil && e.EPTViolation != nil
}

type Option func(*VIC)

// WithPhysLAPIC overrides the physical LAPIC otherwise chosen from
// IA32_APIC_BASE.
func WithPhysLAPIC(p PhysLAPIC) Option { return func(v *VIC) { v.phys = p } }

// WithEPT enables MMIO emulation by trapping pages in m.
func WithEPT(m *ept.Map) Option { return func(v *VIC) { v.eptMap = m } }

// WithGuestMemory gives the VIC access to the instructions that fault on
// trapped pages.
func WithGuestMemory(mem mm.GuestMemory) Option { return func(v *VIC) { v.mem = mem } }

// WithIOAPIC routes the IOAPIC's interrupts to this vCPU and, when an EPT
// map is given, emulates its register window. lines may be nil.
func WithIOAPIC(a *IOAPIC, lines *chipset.LineSet) Option {
	return func(v *VIC) {
		v.ioapic = a
		v.lines = lines
	}
}

// WithBus emulates every MMIO region registered on b.
func WithBus(b *chipset.Bus) Option { return func(v *VIC) { v.bus = b } }

// VIC virtualizes interrupt delivery for one vCPU. Physical interrupts exit,
// are acknowledged on the physical LAPIC and injected into the guest through
// the virtual LAPIC; the guest's LAPIC accesses are served from the virtual
// register file.
type VIC struct {
	vmcs  vmx.VMCS
	cpu   hw.Intrinsics
	exits Exits

	phys     PhysLAPIC
	virt     *VirtLAPIC
	base     uint64
	spurious uint64

	mem    mm.GuestMemory
	eptMap *ept.Map
	bus    *chipset.Bus
	ioapic *IOAPIC
	lines  *chipset.LineSet

	physToVirt [numVectors]uint64
	virtToPhys [numVectors]uint64

	interrupts dispatch.Keyed[uint64, vmexit.ExternalInterruptInfo]

	x2apic    bool
	xapicPage uint64
}

func NewVIC(vmcs vmx.VMCS, cpu hw.Intrinsics, exits Exits, opts ...Option) (*VIC, error) {
	if !exits.complete() {
		return nil, ErrMissingHandler
	}
	v := &VIC{vmcs: vmcs, cpu: cpu, exits: exits}
	for _, o := range opts {
		o(v)
	}

	if v.phys == nil {
		p, err := NewPhysLAPIC(cpu)
		if err != nil {
			return nil, err
		}
		v.phys = p
	}
	v.base = cpu.ReadMSR(hw.MSRIA32APICBase)
	for i := range v.physToVirt {
		v.physToVirt[i] = uint64(i)
		v.virtToPhys[i] = uint64(i)
	}

	v.virt = NewVirtLAPIC(vmcs.State().VCPUID, exits.InterruptWindow, v.phys)
	v.spurious = svrVector.Get(uint64(v.phys.ReadRegister(SVR)))

	v.addCR8Handlers()
	if err := v.addAPICBaseHandlers(); err != nil {
		return nil, err
	}

	exits.ExternalInterrupt.AddHandler(v.handleExternalInterrupt)
	exits.ExternalInterrupt.EnableExiting()

	if v.eptMap != nil {
		exits.EPTViolation.AddReadHandler(v.handleMMIO)
		exits.EPTViolation.AddWriteHandler(v.handleMMIO)
	}

	var err error
	switch v.phys.Mode() {
	case ModeX2APIC:
		err = v.addX2APICHandlers()
	case ModeXAPIC:
		err = v.trapXAPIC()
	default:
		err = errMode(v.phys.Mode())
	}
	if err != nil {
		return nil, err
	}

	if v.bus != nil && v.eptMap != nil {
		for _, r := range v.bus.Regions() {
			if err := trapRange(v.eptMap, r); err != nil {
				return nil, err
			}
		}
	}
	if v.ioapic != nil {
		if err := v.attachIOAPIC(); err != nil {
			return nil, err
		}
	}

	slog.Debug("apic: vic ready",
		"vcpu", vmcs.State().VCPUID,
		"mode", v.phys.Mode().String(),
		"base", hex(v.base))
	return v, nil
}

func (v *VIC) Virt() *VirtLAPIC        { return v.virt }
func (v *VIC) Phys() PhysLAPIC         { return v.phys }
func (v *VIC) IOAPIC() *IOAPIC         { return v.ioapic }
func (v *VIC) Lines() *chipset.LineSet { return v.lines }
func (v *VIC) Bus() *chipset.Bus       { return v.bus }
func (v *VIC) Base() uint64            { return v.base }
func (v *VIC) SpuriousVector() uint64  { return v.spurious }
func (v *VIC) PhysToVirt(vec uint64) (uint64, error) {
	if vec >= numVectors {
		return 0, fmt.Errorf("apic: physical vector 0x%x: %w", vec, vmx.ErrOutOfRange)
	}
	return v.physToVirt[vec], nil
}

func (v *VIC) VirtToPhys(vec uint64) (uint64, error) {
	if vec >= numVectors {
		return 0, fmt.Errorf("apic: virtual vector 0x%x: %w", vec, vmx.ErrOutOfRange)
	}
	return v.virtToPhys[vec], nil
}

// MapVector delivers physical vector phys to the guest as virt. The vectors
// previously paired with each are paired with each other, so the mapping
// stays one to one.
func (v *VIC) MapVector(phys, virt uint64) error {
	if phys < firstExternalVector || phys >= numVectors || virt < firstExternalVector || virt >= numVectors {
		return fmt.Errorf("apic: map vector 0x%x to 0x%x: %w", phys, virt, vmx.ErrOutOfRange)
	}
	oldVirt := v.physToVirt[phys]
	oldPhys := v.virtToPhys[virt]

	v.physToVirt[phys] = virt
	v.virtToPhys[virt] = phys
	v.physToVirt[oldPhys] = oldVirt
	v.virtToPhys[oldVirt] = oldPhys
	return nil
}

// AddInterruptHandler adds d to the front of the chain for physical vector
// vec. A claim stops the interrupt from being forwarded to the guest.
func (v *VIC) AddInterruptHandler(vec uint64, d dispatch.Delegate[vmexit.ExternalInterruptInfo]) {
	v.interrupts.Add(vec, d)
}

func (v *VIC) handleExternalInterrupt(vmcs vmx.VMCS, info *vmexit.ExternalInterruptInfo) (bool, error) {
	_, claimed, err := v.interrupts.Run(info.Vector, vmcs, info)
	if err != nil || claimed {
		return claimed, err
	}

	virt, err := v.PhysToVirt(info.Vector)
	if err != nil {
		return false, err
	}
	if info.Vector == v.spurious {
		return true, v.virt.InjectSpurious(virt)
	}

	v.phys.WriteEOI()
	v.virt.QueueInjection(virt)
	return true, nil
}

// SendPhysIPI writes icr to the physical LAPIC.
func (v *VIC) SendPhysIPI(icr uint64) { v.phys.WriteICR(icr) }

// SendVirtIPI delivers vector to this vCPU.
func (v *VIC) SendVirtIPI(vector uint64) { v.virt.QueueInjection(vector & 0xFF) }

// HandleIPI carries out an ICR write made by the guest. Only fixed
// interrupts can be injected on VM entry, so every other delivery mode goes
// to the physical LAPIC unchanged. Fixed interrupts aimed at this vCPU are
// injected directly.
func (v *VIC) HandleIPI(icr uint64) {
	v.virt.WriteICR(icr)

	if ICRDeliveryMode.Get(icr) != DeliveryFixed {
		v.phys.WriteICR(icr)
		return
	}

	// The vector field is 8 bits wide, so it always indexes the map.
	vector := ICRVector.Get(icr)
	phys := ICRVector.Set(icr, v.virtToPhys[vector])

	switch ICRShorthand.Get(icr) {
	case ShorthandSelf:
		v.virt.QueueInjection(vector)
	case ShorthandAllIncluded:
		v.virt.QueueInjection(vector)
		v.phys.WriteICR(ICRShorthand.Set(phys, ShorthandAllExcluded))
	default:
		v.phys.WriteICR(phys)
	}
}

func (v *VIC) handleEOI() {
	vector, ok := v.virt.WriteEOI()
	if !ok {
		return
	}
	v.virt.clearBit(TMR0, vector)
	if v.lines != nil {
		v.lines.BroadcastEOI(uint8(vector))
	}
}

func (v *VIC) addCR8Handlers() {
	cr := v.exits.ControlRegister
	cr.AddRDCR8Handler(func(_ vmx.VMCS, info *vmexit.CRInfo) (bool, error) {
		info.Val = uint64(v.virt.ReadTPR() >> 4)
		return true, nil
	})
	cr.AddWRCR8Handler(func(_ vmx.VMCS, info *vmexit.CRInfo) (bool, error) {
		tpr := uint32(info.Val&0xF) << 4
		v.virt.WriteTPR(tpr)
		v.phys.WriteTPR(tpr)
		return true, nil
	})
	cr.EnableRDCR8Exiting()
	cr.EnableWRCR8Exiting()
}

func (v *VIC) addAPICBaseHandlers() error {
	v.exits.RDMSR.Emulate(hw.MSRIA32APICBase)
	err := v.exits.RDMSR.AddHandler(hw.MSRIA32APICBase, func(_ vmx.VMCS, info *vmexit.MSRInfo) (bool, error) {
		info.Val = v.base
		return true, nil
	})
	if err != nil {
		return err
	}
	return v.exits.WRMSR.AddHandler(hw.MSRIA32APICBase, v.writeAPICBase)
}

// writeAPICBase accepts writes that keep the mode and address, and the
// switch from xAPIC to x2APIC. Every other transition is fatal.
func (v *VIC) writeAPICBase(_ vmx.VMCS, info *vmexit.MSRInfo) (bool, error) {
	info.IgnoreWrite = true

	from, to := ModeOf(v.base), ModeOf(info.Val)
	sameAddr := info.Val&hw.APICBaseAddrMask == v.base&hw.APICBaseAddrMask

	switch {
	case sameAddr && from == to:
		v.base = info.Val
		return true, nil
	case sameAddr && from == ModeXAPIC && to == ModeX2APIC:
		return true, v.switchToX2APIC(info.Val)
	}
	return false, fmt.Errorf("apic: apic base 0x%x to 0x%x (%s to %s): %w",
		v.base, info.Val, from, to, ErrUnsupportedMode)
}

func (v *VIC) switchToX2APIC(base uint64) error {
	v.cpu.WriteMSR(hw.MSRIA32APICBase, base)
	v.base = base
	v.phys = NewPhysX2APIC(v.cpu)
	v.virt.SetMode(ModeX2APIC)

	if v.xapicPage != 0 {
		if err := untrapPage(v.eptMap, v.xapicPage); err != nil {
			return err
		}
		v.xapicPage = 0
	}
	slog.Debug("apic: guest enabled x2apic", "vcpu", v.vmcs.State().VCPUID)
	return v.addX2APICHandlers()
}

func (v *VIC) addX2APICHandlers() error {
	if v.x2apic {
		return nil
	}
	for off := Offset(0); off < Count; off++ {
		msr := OffsetToMSR(off)
		if ReadableInX2APIC(off) {
			v.exits.RDMSR.Emulate(msr)
			if err := v.exits.RDMSR.AddHandler(msr, v.readX2APIC); err != nil {
				return err
			}
		}
		if WritableInX2APIC(off) {
			if err := v.exits.WRMSR.AddHandler(msr, v.writeX2APIC); err != nil {
				return err
			}
		}
	}
	v.x2apic = true
	return nil
}

func (v *VIC) readX2APIC(_ vmx.VMCS, info *vmexit.MSRInfo) (bool, error) {
	off, err := OffsetFromMSR(info.MSR)
	if err != nil {
		return false, err
	}
	if off == ICRLow {
		info.Val = v.virt.ReadICR()
		return true, nil
	}
	val, err := v.virt.ReadRegister(off)
	if err != nil {
		return false, err
	}
	info.Val = uint64(val)
	return true, nil
}

func (v *VIC) writeX2APIC(_ vmx.VMCS, info *vmexit.MSRInfo) (bool, error) {
	off, err := OffsetFromMSR(info.MSR)
	if err != nil {
		return false, err
	}
	info.IgnoreWrite = true

	switch off {
	case EOI:
		v.handleEOI()
	case ICRLow:
		v.HandleIPI(info.Val)
	case SelfIPI:
		v.SendVirtIPI(info.Val)
	default:
		if err := v.virt.WriteRegister(off, uint32(info.Val)); err != nil {
			return false, err
		}
		v.phys.WriteRegister(off, uint32(info.Val))
	}
	return true, nil
}

func (v *VIC) trapXAPIC() error {
	if v.eptMap == nil {
		return ErrNoEPT
	}
	page := v.base & hw.APICBaseAddrMask
	if err := trapPage(v.eptMap, page); err != nil {
		return err
	}
	v.xapicPage = page
	return nil
}

// TrapMMIO serves guest accesses to r with h.
func (v *VIC) TrapMMIO(r chipset.Region, h chipset.MMIOHandler) error {
	if v.eptMap == nil {
		return ErrNoEPT
	}
	if v.bus == nil {
		v.bus = chipset.NewBus()
	}
	if err := v.bus.AddMMIO(r, h); err != nil {
		return err
	}
	return trapRange(v.eptMap, r)
}

func (v *VIC) attachIOAPIC() error {
	v.ioapic.SetRouting(IOAPICRoutingFunc(v.routeIOAPIC))
	if v.lines == nil {
		v.lines = chipset.NewLineSet(v.ioapic)
	}
	v.lines.AttachEOITarget(v.ioapic)

	if v.eptMap == nil {
		return nil
	}
	return v.TrapMMIO(chipset.Region{Address: IOAPICBaseAddress, Size: ioapicWindowSize}, v.ioapic)
}

// routeIOAPIC injects interrupts from the IOAPIC. Every destination is
// treated as this vCPU.
func (v *VIC) routeIOAPIC(vector, dest, destMode, deliveryMode uint8, level bool) {
	if deliveryMode != DeliveryFixed && deliveryMode != DeliveryLowestPriority {
		slog.Debug("apic: dropped ioapic interrupt",
			"vector", vector, "dest", dest, "dest_mode", destMode, "delivery", deliveryMode)
		return
	}
	if level {
		v.virt.setBit(TMR0, uint64(vector))
	}
	v.virt.QueueInjection(uint64(vector))
}

// handleMMIO emulates the instruction behind an EPT violation on a trapped
// page and steps over it.
func (v *VIC) handleMMIO(vmcs vmx.VMCS, info *vmexit.EPTViolationInfo) (bool, error) {
	xapic := v.xapicPage != 0 && ept.Align4K(info.GPA) == v.xapicPage
	if !xapic && (v.bus == nil || !v.bus.Claims(info.GPA, 1)) {
		return false, nil
	}
	if v.mem == nil {
		return false, ErrNoGuestMemory
	}

	code, err := fetch(vmcs, v.mem)
	if err != nil {
		return false, err
	}
	acc, err := decodeAccess(code)
	if err != nil {
		return false, fmt.Errorf("apic: mmio at 0x%x: %w", info.GPA, err)
	}

	state := vmcs.State()
	if xapic {
		err = v.emulateXAPIC(info.GPA, acc, state)
	} else {
		err = v.emulateBus(info.GPA, acc, state)
	}
	if err != nil {
		return false, err
	}

	vmcs.Write(vmx.GuestRIP, vmcs.Read(vmx.GuestRIP)+uint64(acc.len))
	return true, nil
}

func (v *VIC) emulateXAPIC(gpa uint64, acc mmioAccess, s *vmx.GuestState) error {
	off := OffsetFromMem(gpa)
	if !acc.write {
		var val uint32
		if ReadableInXAPIC(off) {
			var err error
			if val, err = v.virt.ReadRegister(off); err != nil {
				return err
			}
		}
		acc.load(s, uint64(val))
		return nil
	}

	val := uint32(acc.value(s))
	switch {
	case !WritableInXAPIC(off):
		slog.Debug("apic: dropped xapic write", "offset", hex(uint64(off)), "val", hex(uint64(val)))
	case off == EOI:
		v.handleEOI()
	case off == ICRLow:
		icr := uint64(v.virt.regs[ICRHigh])<<32 | uint64(val)
		v.HandleIPI(ICRDeliveryStatus.Disable(icr))
	default:
		if err := v.virt.WriteRegister(off, val); err != nil {
			return err
		}
		v.phys.WriteRegister(off, val)
	}
	return nil
}

func (v *VIC) emulateBus(gpa uint64, acc mmioAccess, s *vmx.GuestState) error {
	var buf [8]byte
	data := buf[:acc.size]
	if acc.write {
		binary.LittleEndian.PutUint64(buf[:], acc.value(s))
		return v.bus.HandleMMIO(gpa, data, true)
	}
	if err := v.bus.HandleMMIO(gpa, data, false); err != nil {
		return err
	}
	acc.load(s, binary.LittleEndian.Uint64(buf[:]))
	return nil
}

// trapPage makes every access to the 4K page at gpa exit. A 2M mapping
// around it is split first; an unmapped page is mapped to itself.
func trapPage(m *ept.Map, gpa uint64) error {
	page := ept.Align4K(gpa)
	_, size, err := m.Lookup(page)
	switch {
	case errors.Is(err, ept.ErrNotMapped):
		return ept.Map4K(m, page, page, ept.TrapUC)
	case err != nil:
		return err
	case size == ept.PageSize2M:
		if err := ept.ConvertTo4K(m, page); err != nil {
			return err
		}
	case size != ept.PageSize4K:
		return fmt.Errorf("apic: trap 0x%x inside a 0x%x page: %w", page, size, vmx.ErrUnsupportedAccess)
	}

	e, err := m.Entry(page)
	if err != nil {
		return err
	}
	e.SetAttr(ept.TrapUC)
	return nil
}

func untrapPage(m *ept.Map, gpa uint64) error {
	e, err := m.Entry(ept.Align4K(gpa))
	if err != nil {
		return err
	}
	e.SetAttr(ept.PassThroughUC)
	return nil
}

func trapRange(m *ept.Map, r chipset.Region) error {
	for page := ept.Align4K(r.Address); page < r.End(); page += ept.PageSize4K {
		if err := trapPage(m, page); err != nil {
			return err
		}
	}
	return nil
}
