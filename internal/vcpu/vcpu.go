// Package vcpu composes the exit handlers of one virtual CPU.
//
// Handlers are built the first time they are asked for, so a vCPU only
// exits on what its extension code cares about. The MSR and IO bitmap pages
// are allocated up front and switched on when the first handler that uses
// them is created.
package vcpu

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmext/internal/apic"
	"github.com/tinyrange/vmext/internal/chipset"
	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/ept"
	"github.com/tinyrange/vmext/internal/hw"
	"github.com/tinyrange/vmext/internal/mm"
	"github.com/tinyrange/vmext/internal/vmexit"
	"github.com/tinyrange/vmext/internal/vmx"
)

var (
	ErrNoVPIDAllocator = errors.New("vcpu: no vpid allocator")
	ErrClosed          = errors.New("vcpu: closed")
)

type Option func(*VCPU)

// WithGuestMemory lets handlers that decode or copy guest memory (string IO,
// xAPIC MMIO) reach it.
func WithGuestMemory(mem mm.GuestMemory) Option { return func(v *VCPU) { v.mem = mem } }

// WithVPIDAllocator shares an allocator between vCPUs.
func WithVPIDAllocator(a vmexit.VPIDAllocator) Option { return func(v *VCPU) { v.vpidAlloc = a } }

// WithPolicy applies p once the vCPU is built.
func WithPolicy(p *Policy) Option { return func(v *VCPU) { v.policy = p } }

// WithBus routes trapped ports and MMIO regions to the devices on b.
func WithBus(b *chipset.Bus) Option { return func(v *VCPU) { v.bus = b } }

// VCPU owns the handler objects, bitmaps and EPT reference of one vCPU.
type VCPU struct {
	id    uint64
	vmcs  vmx.VMCS
	exits *dispatch.Exits
	cpu   hw.Intrinsics
	alloc mm.Allocator

	mem       mm.GuestMemory
	vpidAlloc vmexit.VPIDAllocator
	bus       *chipset.Bus
	policy    *Policy

	msrPage    *mm.Page
	ioPages    [2]*mm.Page
	msrBitmap  *vmexit.MSRBitmap
	ioBitmap   *vmexit.IOBitmap
	msrEnabled bool
	ioEnabled  bool

	cpuid    *vmexit.CPUID
	rdmsr    *vmexit.RDMSR
	wrmsr    *vmexit.WRMSR
	cr       *vmexit.ControlRegister
	xsetbv   *vmexit.XSetBV
	movDR    *vmexit.MovDR
	io       *vmexit.IOInstruction
	mtf      *vmexit.MonitorTrap
	timer    *vmexit.PreemptionTimer
	extint   *vmexit.ExternalInterrupt
	window   *vmexit.InterruptWindow
	initSig  *vmexit.InitSignal
	sipi     *vmexit.SIPI
	eptViol  *vmexit.EPTViolation
	eptMisc  *vmexit.EPTMisconfiguration
	eptCtl   *vmexit.EPT
	vpid     *vmexit.VPID
	vic      *apic.VIC
	eptMap   *ept.Map
	ownedEPT *ept.Map

	crExiting map[crExit]bool
	busPorts  map[uint16]bool
	closed    bool
}

// New builds a vCPU around vmcs. Every handler it creates registers with
// exits. alloc provides the bitmap pages and, when a policy asks for one,
// the EPT tables.
//
// CPUID, INIT, SIPI and both EPT exits cannot be switched off, so their
// handlers are installed immediately.
func New(id uint64, vmcs vmx.VMCS, exits *dispatch.Exits, cpu hw.Intrinsics, alloc mm.Allocator, opts ...Option) (*VCPU, error) {
	v := &VCPU{
		id:        id,
		vmcs:      vmcs,
		exits:     exits,
		cpu:       cpu,
		alloc:     alloc,
		crExiting: make(map[crExit]bool),
		busPorts:  make(map[uint16]bool),
	}
	for _, o := range opts {
		o(v)
	}

	var err error
	if v.msrPage, err = alloc.AllocPage(); err != nil {
		return nil, fmt.Errorf("vcpu %d: msr bitmap: %w", id, err)
	}
	for i := range v.ioPages {
		if v.ioPages[i], err = alloc.AllocPage(); err != nil {
			v.freePages()
			return nil, fmt.Errorf("vcpu %d: io bitmap: %w", id, err)
		}
	}
	v.msrBitmap = vmexit.NewMSRBitmap(v.msrPage.Data)
	v.ioBitmap = vmexit.NewIOBitmap(v.ioPages[0].Data, v.ioPages[1].Data)

	v.cpuid = vmexit.NewCPUID(exits, cpu)
	v.initSig = vmexit.NewInitSignal(exits)
	v.sipi = vmexit.NewSIPI(exits)
	v.eptViol = vmexit.NewEPTViolation(exits)
	v.eptMisc = vmexit.NewEPTMisconfiguration(exits)

	if v.bus != nil {
		if err := v.AttachBus(v.bus); err != nil {
			v.Close()
			return nil, err
		}
	}
	if v.policy != nil {
		if err := v.ApplyPolicy(v.policy); err != nil {
			v.Close()
			return nil, err
		}
	}

	slog.Debug("vcpu: created", "vcpu", id)
	return v, nil
}

func (v *VCPU) ID() uint64                { return v.id }
func (v *VCPU) VMCS() vmx.VMCS            { return v.vmcs }
func (v *VCPU) Exits() *dispatch.Exits    { return v.exits }
func (v *VCPU) Intrinsics() hw.Intrinsics { return v.cpu }
func (v *VCPU) MSRBitmap() []byte         { return v.msrPage.Data }

// IOBitmaps returns bitmap A followed by bitmap B.
func (v *VCPU) IOBitmaps() [2][]byte { return [2][]byte{v.ioPages[0].Data, v.ioPages[1].Data} }

// Handle dispatches the exit recorded in the VMCS.
func (v *VCPU) Handle() error {
	if v.closed {
		return ErrClosed
	}
	return v.exits.Handle(v.vmcs)
}

func (v *VCPU) useMSRBitmap() {
	if v.msrEnabled {
		return
	}
	v.vmcs.Write(vmx.MSRBitmap, v.msrPage.Phys)
	vmx.Enable(v.vmcs, vmx.PrimaryControls, vmx.ProcUseMSRBitmaps)
	v.msrEnabled = true
}

func (v *VCPU) useIOBitmaps() {
	if v.ioEnabled {
		return
	}
	v.vmcs.Write(vmx.IOBitmapA, v.ioPages[0].Phys)
	v.vmcs.Write(vmx.IOBitmapB, v.ioPages[1].Phys)
	v.ioEnabled = true
}

// Handler accessors. Each creates its handler on first use.

func (v *VCPU) CPUID() *vmexit.CPUID { return v.cpuid }

func (v *VCPU) RDMSR() *vmexit.RDMSR {
	if v.rdmsr == nil {
		v.useMSRBitmap()
		v.rdmsr = vmexit.NewRDMSR(v.exits, v.cpu, v.msrBitmap)
	}
	return v.rdmsr
}

func (v *VCPU) WRMSR() *vmexit.WRMSR {
	if v.wrmsr == nil {
		v.useMSRBitmap()
		v.wrmsr = vmexit.NewWRMSR(v.exits, v.cpu, v.msrBitmap)
	}
	return v.wrmsr
}

func (v *VCPU) ControlRegister() *vmexit.ControlRegister {
	if v.cr == nil {
		v.cr = vmexit.NewControlRegister(v.exits, v.vmcs, v.cpu)
	}
	return v.cr
}

func (v *VCPU) XSetBV() *vmexit.XSetBV {
	if v.xsetbv == nil {
		v.xsetbv = vmexit.NewXSetBV(v.exits, v.cpu)
	}
	return v.xsetbv
}

func (v *VCPU) MovDR() *vmexit.MovDR {
	if v.movDR == nil {
		v.movDR = vmexit.NewMovDR(v.exits, v.vmcs)
	}
	return v.movDR
}

func (v *VCPU) IOInstruction() *vmexit.IOInstruction {
	if v.io == nil {
		v.useIOBitmaps()
		v.io = vmexit.NewIOInstruction(v.exits, v.vmcs, v.cpu, v.mem, v.ioBitmap)
	}
	return v.io
}

func (v *VCPU) MonitorTrap() *vmexit.MonitorTrap {
	if v.mtf == nil {
		v.mtf = vmexit.NewMonitorTrap(v.exits, v.vmcs)
	}
	return v.mtf
}

func (v *VCPU) PreemptionTimer() *vmexit.PreemptionTimer {
	if v.timer == nil {
		v.timer = vmexit.NewPreemptionTimer(v.exits, v.vmcs)
	}
	return v.timer
}

func (v *VCPU) ExternalInterrupt() *vmexit.ExternalInterrupt {
	if v.extint == nil {
		v.extint = vmexit.NewExternalInterrupt(v.exits, v.vmcs)
	}
	return v.extint
}

func (v *VCPU) InterruptWindow() *vmexit.InterruptWindow {
	if v.window == nil {
		v.window = vmexit.NewInterruptWindow(v.exits, v.vmcs)
	}
	return v.window
}

func (v *VCPU) InitSignal() *vmexit.InitSignal                   { return v.initSig }
func (v *VCPU) SIPI() *vmexit.SIPI                               { return v.sipi }
func (v *VCPU) EPTViolation() *vmexit.EPTViolation               { return v.eptViol }
func (v *VCPU) EPTMisconfiguration() *vmexit.EPTMisconfiguration { return v.eptMisc }

func (v *VCPU) EPT() *vmexit.EPT {
	if v.eptCtl == nil {
		v.eptCtl = vmexit.NewEPT(v.vmcs)
	}
	return v.eptCtl
}

// VPID returns nil when no allocator was given.
func (v *VCPU) VPID() *vmexit.VPID {
	if v.vpid == nil && v.vpidAlloc != nil {
		v.vpid = vmexit.NewVPID(v.vmcs, v.vpidAlloc)
	}
	return v.vpid
}

// VIC returns the interrupt controller, or nil before EnableVIC.
func (v *VCPU) VIC() *apic.VIC { return v.vic }

// EPTMap returns the map installed by SetEPTP.
func (v *VCPU) EPTMap() *ept.Map { return v.eptMap }

// Control register wrappers. The read and write exits for CR3 and CR8 are
// switched on the first time a handler for them is added.

type crExit int

const (
	crRead3 crExit = iota
	crWrite3
	crRead8
	crWrite8
)

func (v *VCPU) enableCR(e crExit, enable func()) {
	if !v.crExiting[e] {
		v.crExiting[e] = true
		enable()
	}
}

func (v *VCPU) EnableWRCR0Exiting(mask, shadow uint64) {
	v.ControlRegister().EnableWRCR0Exiting(mask, shadow)
}

func (v *VCPU) EnableWRCR4Exiting(mask, shadow uint64) {
	v.ControlRegister().EnableWRCR4Exiting(mask, shadow)
}

func (v *VCPU) AddWRCR0Handler(d dispatch.Delegate[vmexit.CRInfo]) {
	v.ControlRegister().AddWRCR0Handler(d)
}

func (v *VCPU) AddRDCR3Handler(d dispatch.Delegate[vmexit.CRInfo]) {
	cr := v.ControlRegister()
	v.enableCR(crRead3, cr.EnableRDCR3Exiting)
	cr.AddRDCR3Handler(d)
}

func (v *VCPU) AddWRCR3Handler(d dispatch.Delegate[vmexit.CRInfo]) {
	cr := v.ControlRegister()
	v.enableCR(crWrite3, cr.EnableWRCR3Exiting)
	cr.AddWRCR3Handler(d)
}

func (v *VCPU) AddWRCR4Handler(d dispatch.Delegate[vmexit.CRInfo]) {
	v.ControlRegister().AddWRCR4Handler(d)
}

func (v *VCPU) AddRDCR8Handler(d dispatch.Delegate[vmexit.CRInfo]) {
	cr := v.ControlRegister()
	v.enableCR(crRead8, cr.EnableRDCR8Exiting)
	cr.AddRDCR8Handler(d)
}

func (v *VCPU) AddWRCR8Handler(d dispatch.Delegate[vmexit.CRInfo]) {
	cr := v.ControlRegister()
	v.enableCR(crWrite8, cr.EnableWRCR8Exiting)
	cr.AddWRCR8Handler(d)
}

func (v *VCPU) AddCPUIDHandler(leaf uint64, d dispatch.Delegate[vmexit.CPUIDInfo]) {
	v.CPUID().AddHandler(leaf, d)
}

// AddIOInstructionHandler traps port and adds the IN and OUT delegates. Either
// may be nil.
func (v *VCPU) AddIOInstructionHandler(port uint64, in, out dispatch.Delegate[vmexit.IOInfo]) error {
	io := v.IOInstruction()
	if in != nil {
		if err := io.AddInHandler(port, in); err != nil {
			return err
		}
	}
	if out != nil {
		if err := io.AddOutHandler(port, out); err != nil {
			return err
		}
	}
	if in == nil && out == nil {
		return io.TrapOnAccess(port)
	}
	return nil
}

func (v *VCPU) AddMonitorTrapHandler(d dispatch.Delegate[vmexit.MonitorTrapInfo]) {
	v.MonitorTrap().AddHandler(d)
}

func (v *VCPU) EnableMonitorTrapFlag() { v.MonitorTrap().Enable() }

func (v *VCPU) AddMovDRHandler(d dispatch.Delegate[vmexit.MovDRInfo]) {
	v.MovDR().AddHandler(d)
}

func (v *VCPU) AddXSetBVHandler(d dispatch.Delegate[vmexit.XSetBVInfo]) {
	v.XSetBV().AddHandler(d)
}

func (v *VCPU) AddPreemptionTimerHandler(d dispatch.Delegate[vmexit.PreemptionTimerInfo]) {
	v.PreemptionTimer().AddHandler(d)
}

// AddExternalInterruptHandler also turns external interrupt exiting on.
func (v *VCPU) AddExternalInterruptHandler(d dispatch.Delegate[vmexit.ExternalInterruptInfo]) {
	h := v.ExternalInterrupt()
	h.AddHandler(d)
	h.EnableExiting()
}

func (v *VCPU) AddInterruptWindowHandler(d dispatch.Delegate[vmexit.InterruptWindowInfo]) {
	v.InterruptWindow().AddHandler(d)
}

// QueueExternalInterrupt injects vector now or when the guest next opens its
// interrupt window.
func (v *VCPU) QueueExternalInterrupt(vector uint64) error {
	return v.InterruptWindow().QueueExternalInterrupt(vector)
}

func (v *VCPU) AddInitSignalHandler(d dispatch.Delegate[vmexit.InitSignalInfo]) {
	v.initSig.AddHandler(d)
}

func (v *VCPU) AddSIPIHandler(d dispatch.Delegate[vmexit.SIPIInfo]) { v.sipi.AddHandler(d) }

func (v *VCPU) AddEPTReadViolationHandler(d dispatch.Delegate[vmexit.EPTViolationInfo]) {
	v.eptViol.AddReadHandler(d)
}

func (v *VCPU) AddEPTWriteViolationHandler(d dispatch.Delegate[vmexit.EPTViolationInfo]) {
	v.eptViol.AddWriteHandler(d)
}

func (v *VCPU) AddEPTExecuteViolationHandler(d dispatch.Delegate[vmexit.EPTViolationInfo]) {
	v.eptViol.AddExecuteHandler(d)
}

func (v *VCPU) AddEPTMisconfigurationHandler(d dispatch.Delegate[vmexit.EPTMisconfigurationInfo]) {
	v.eptMisc.AddHandler(d)
}

// MSR wrappers.

func (v *VCPU) AddRDMSRHandler(msr uint64, d dispatch.Delegate[vmexit.MSRInfo]) error {
	return v.RDMSR().AddHandler(msr, d)
}

func (v *VCPU) AddWRMSRHandler(msr uint64, d dispatch.Delegate[vmexit.MSRInfo]) error {
	return v.WRMSR().AddHandler(msr, d)
}

func (v *VCPU) PassThroughAllRDMSRAccesses() { v.RDMSR().PassThroughAllAccesses() }
func (v *VCPU) PassThroughAllWRMSRAccesses() { v.WRMSR().PassThroughAllAccesses() }

// SetEPTP installs m as the vCPU's EPT.
func (v *VCPU) SetEPTP(m *ept.Map) {
	v.eptMap = m
	v.EPT().SetEPTP(m)
}

// DisableEPT turns EPT off. The map is kept and may be installed again.
func (v *VCPU) DisableEPT() {
	if v.eptCtl != nil {
		v.eptCtl.SetEPTP(nil)
	}
}

func (v *VCPU) EnableVPID() error {
	h := v.VPID()
	if h == nil {
		return ErrNoVPIDAllocator
	}
	return h.Enable()
}

func (v *VCPU) DisableVPID() {
	if v.vpid != nil {
		v.vpid.Disable()
	}
}

// EnableVIC virtualizes this vCPU's interrupt controller. The EPT map,
// guest memory and bus already given to the vCPU are passed on; opts are
// applied after them.
func (v *VCPU) EnableVIC(opts ...apic.Option) (*apic.VIC, error) {
	if v.vic != nil {
		return v.vic, nil
	}
	base := []apic.Option{}
	if v.eptMap != nil {
		base = append(base, apic.WithEPT(v.eptMap))
	}
	if v.mem != nil {
		base = append(base, apic.WithGuestMemory(v.mem))
	}
	if v.bus != nil {
		base = append(base, apic.WithBus(v.bus))
	}

	vic, err := apic.NewVIC(v.vmcs, v.cpu, apic.Exits{
		RDMSR:             v.RDMSR(),
		WRMSR:             v.WRMSR(),
		ControlRegister:   v.ControlRegister(),
		ExternalInterrupt: v.ExternalInterrupt(),
		InterruptWindow:   v.InterruptWindow(),
		EPTViolation:      v.eptViol,
	}, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: %w", v.id, err)
	}
	v.vic = vic
	return vic, nil
}

// AttachBus traps every port on b and forwards accesses to its devices.
// Ports added to b later are not seen.
func (v *VCPU) AttachBus(b *chipset.Bus) error {
	v.bus = b
	for _, port := range b.Ports() {
		if v.busPorts[port] {
			continue
		}
		if err := v.AddIOInstructionHandler(uint64(port), v.busIn(b), v.busOut(b)); err != nil {
			return err
		}
		v.busPorts[port] = true
	}
	return nil
}

func (v *VCPU) busIn(b *chipset.Bus) dispatch.Delegate[vmexit.IOInfo] {
	return func(_ vmx.VMCS, info *vmexit.IOInfo) (bool, error) {
		var buf [4]byte
		if err := b.HandlePIO(uint16(info.Port), buf[:info.Size], false); err != nil {
			return false, err
		}
		info.Val = uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24
		return true, nil
	}
}

func (v *VCPU) busOut(b *chipset.Bus) dispatch.Delegate[vmexit.IOInfo] {
	return func(_ vmx.VMCS, info *vmexit.IOInfo) (bool, error) {
		buf := [4]byte{byte(info.Val), byte(info.Val >> 8), byte(info.Val >> 16), byte(info.Val >> 24)}
		if err := b.HandlePIO(uint16(info.Port), buf[:info.Size], true); err != nil {
			return false, err
		}
		info.IgnoreWrite = true
		return true, nil
	}
}

// Loggers returns the handlers created so far that keep a record log, keyed
// by category name.
func (v *VCPU) Loggers() map[string]vmexit.Logger {
	out := make(map[string]vmexit.Logger)
	add := func(name string, l vmexit.Logger, ok bool) {
		if ok {
			out[name] = l
		}
	}
	add(LogCPUID, v.cpuid, true)
	add(LogRDMSR, v.rdmsr, v.rdmsr != nil)
	add(LogWRMSR, v.wrmsr, v.wrmsr != nil)
	add(LogControlRegister, v.cr, v.cr != nil)
	add(LogXSetBV, v.xsetbv, v.xsetbv != nil)
	add(LogMovDR, v.movDR, v.movDR != nil)
	add(LogIOInstruction, v.io, v.io != nil)
	add(LogMonitorTrap, v.mtf, v.mtf != nil)
	add(LogPreemptionTimer, v.timer, v.timer != nil)
	add(LogExternalInterrupt, v.extint, v.extint != nil)
	add(LogInterruptWindow, v.window, v.window != nil)
	add(LogEPTViolation, v.eptViol, true)
	add(LogEPTMisconfiguration, v.eptMisc, true)
	return out
}

// DumpLogs writes every enabled category log to logger.
func (v *VCPU) DumpLogs(logger *slog.Logger) {
	logger = logger.With("vcpu", v.id)
	loggers := v.Loggers()
	for _, name := range LogCategories {
		if l, ok := loggers[name]; ok {
			l.DumpLog(logger)
		}
	}
}

// Close releases the bitmap pages, the VPID and any EPT map built from a
// policy. The vCPU cannot handle exits afterwards.
func (v *VCPU) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	if v.vpid != nil {
		v.vpid.Close()
	}
	if v.ownedEPT != nil {
		if v.eptCtl != nil && v.eptMap == v.ownedEPT {
			v.eptCtl.SetEPTP(nil)
		}
		v.ownedEPT.Release()
		v.ownedEPT = nil
	}
	v.freePages()
	return nil
}

func (v *VCPU) freePages() {
	if v.msrPage != nil {
		v.alloc.FreePage(v.msrPage)
		v.msrPage = nil
	}
	for i, p := range v.ioPages {
		if p != nil {
			v.alloc.FreePage(p)
			v.ioPages[i] = nil
		}
	}
}
