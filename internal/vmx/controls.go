package vmx

import "github.com/tinyrange/vmext/internal/bits"

// Pin-based VM-execution controls.
var (
	PinExternalInterruptExiting = bits.Bit(0)
	PinNMIExiting               = bits.Bit(3)
	PinVirtualNMIs              = bits.Bit(5)
	PinActivatePreemptionTimer  = bits.Bit(6)
)

// Primary processor-based VM-execution controls.
var (
	ProcInterruptWindowExiting = bits.Bit(2)
	ProcHLTExiting             = bits.Bit(7)
	ProcCR3LoadExiting         = bits.Bit(15)
	ProcCR3StoreExiting        = bits.Bit(16)
	ProcCR8LoadExiting         = bits.Bit(19)
	ProcCR8StoreExiting        = bits.Bit(20)
	ProcNMIWindowExiting       = bits.Bit(22)
	ProcMovDRExiting           = bits.Bit(23)
	ProcUseIOBitmaps           = bits.Bit(25)
	ProcMonitorTrapFlag        = bits.Bit(27)
	ProcUseMSRBitmaps          = bits.Bit(28)
	ProcActivateSecondary      = bits.Bit(31)
)

// Secondary processor-based VM-execution controls.
var (
	Proc2EnableEPT         = bits.Bit(1)
	Proc2EnableVPID        = bits.Bit(5)
	Proc2UnrestrictedGuest = bits.Bit(7)
)

// VM-exit controls.
var (
	ExitAcknowledgeInterrupt = bits.Bit(15)
	ExitSavePreemptionTimer  = bits.Bit(22)
)

// EPT pointer layout.
var (
	EPTPMemoryType     = bits.Range(2, 0)
	EPTPWalkLengthM1   = bits.Range(5, 3)
	EPTPAccessedDirty  = bits.Bit(6)
	EPTPPhysAddr       = bits.Field{Mask: 0x0000_FFFF_FFFF_F000, From: 0}
	EPTPWriteBack      = uint64(6)
	EPTPDefaultWalkLen = uint64(3)
)

// VM-entry and VM-exit interruption information.
var (
	InterruptionVector     = bits.Range(7, 0)
	InterruptionType       = bits.Range(10, 8)
	InterruptionDeliverErr = bits.Bit(11)
	InterruptionValid      = bits.Bit(31)
)

// Interruption types.
const (
	InterruptionExternal          = 0
	InterruptionNMI               = 2
	InterruptionHardwareException = 3
	InterruptionSoftwareInterrupt = 4
	InterruptionPrivilegedSWExc   = 5
	InterruptionSoftwareException = 6
	InterruptionOtherEvent        = 7
)

// Guest activity states.
const (
	ActivityActive      = 0
	ActivityHLT         = 1
	ActivityShutdown    = 2
	ActivityWaitForSIPI = 3
)

// Guest interruptibility state.
var (
	BlockingBySTI   = bits.Bit(0)
	BlockingByMovSS = bits.Bit(1)
)

// Guest architectural register bits the handlers care about.
var (
	RFLAGSInterruptEnable = bits.Bit(9)
	CR0ProtectionEnable   = bits.Bit(0)
	CR0Paging             = bits.Bit(31)
	CR4VMXEnable          = bits.Bit(13)
)

// Enable sets the control bit b in field f.
func Enable(v VMCS, f Field, b bits.Field) {
	v.Write(f, b.Enable(v.Read(f)))
}

// Disable clears the control bit b in field f.
func Disable(v VMCS, f Field, b bits.Field) {
	v.Write(f, b.Disable(v.Read(f)))
}

// IsEnabled reports whether control bit b is set in field f.
func IsEnabled(v VMCS, f Field, b bits.Field) bool {
	return b.IsEnabled(v.Read(f))
}
