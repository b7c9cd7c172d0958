package vmx

import (
	"fmt"

	"github.com/tinyrange/vmext/internal/bits"
)

// Reason is a basic VM-exit reason.
type Reason uint16

const (
	ReasonExceptionOrNMI       Reason = 0
	ReasonExternalInterrupt    Reason = 1
	ReasonTripleFault          Reason = 2
	ReasonInitSignal           Reason = 3
	ReasonSIPI                 Reason = 4
	ReasonInterruptWindow      Reason = 7
	ReasonNMIWindow            Reason = 8
	ReasonCPUID                Reason = 10
	ReasonHLT                  Reason = 12
	ReasonControlRegister      Reason = 28
	ReasonMovDR                Reason = 29
	ReasonIOInstruction        Reason = 30
	ReasonRDMSR                Reason = 31
	ReasonWRMSR                Reason = 32
	ReasonMonitorTrapFlag      Reason = 37
	ReasonEPTViolation         Reason = 48
	ReasonEPTMisconfiguration  Reason = 49
	ReasonPreemptionTimer      Reason = 52
	ReasonXSETBV               Reason = 55
	basicExitReasonMask        uint64 = 0xFFFF
	exitReasonVMEntryFailedBit uint   = 31
)

var reasonNames = map[Reason]string{
	ReasonExceptionOrNMI:      "exception_or_non_maskable_interrupt",
	ReasonExternalInterrupt:   "external_interrupt",
	ReasonTripleFault:         "triple_fault",
	ReasonInitSignal:          "init_signal",
	ReasonSIPI:                "sipi",
	ReasonInterruptWindow:     "interrupt_window",
	ReasonNMIWindow:           "nmi_window",
	ReasonCPUID:               "cpuid",
	ReasonHLT:                 "hlt",
	ReasonControlRegister:     "control_register_accesses",
	ReasonMovDR:               "mov_dr",
	ReasonIOInstruction:       "io_instruction",
	ReasonRDMSR:               "rdmsr",
	ReasonWRMSR:               "wrmsr",
	ReasonMonitorTrapFlag:     "monitor_trap_flag",
	ReasonEPTViolation:        "ept_violation",
	ReasonEPTMisconfiguration: "ept_misconfiguration",
	ReasonPreemptionTimer:     "preemption_timer_expired",
	ReasonXSETBV:              "xsetbv",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", uint16(r))
}

// ParseReason maps a reason name back to its value.
func ParseReason(name string) (Reason, bool) {
	for r, n := range reasonNames {
		if n == name {
			return r, true
		}
	}
	return 0, false
}

// BasicReason extracts the basic exit reason from the raw exit reason field.
func BasicReason(raw uint64) Reason {
	return Reason(raw & basicExitReasonMask)
}

// VMEntryFailed reports whether the raw exit reason flags a failed VM entry.
func VMEntryFailed(raw uint64) bool {
	return bits.Bit(exitReasonVMEntryFailedBit).IsEnabled(raw)
}

// Exit qualification for control-register accesses.
var (
	CRNumber     = bits.Range(3, 0)
	CRAccessType = bits.Range(5, 4)
	CRRegister   = bits.Range(11, 8)
)

const (
	CRAccessMovToCR   = 0
	CRAccessMovFromCR = 1
	CRAccessCLTS      = 2
	CRAccessLMSW      = 3
)

// Exit qualification for MOV DR.
var (
	DRNumber    = bits.Range(2, 0)
	DRDirection = bits.Bit(4)
	DRRegister  = bits.Range(11, 8)
)

const (
	DRMovToDR   = 0
	DRMovFromDR = 1
)

// Exit qualification for I/O instructions.
var (
	IOSizeOfAccess     = bits.Range(2, 0)
	IODirectionIn      = bits.Bit(3)
	IOStringInstr      = bits.Bit(4)
	IORepPrefixed      = bits.Bit(5)
	IOImmediateOperand = bits.Bit(6)
	IOPortNumber       = bits.Range(31, 16)
)

const (
	IOSizeOneByte  = 0
	IOSizeTwoByte  = 1
	IOSizeFourByte = 3
)

// Exit qualification for EPT violations.
var (
	EPTDataRead          = bits.Bit(0)
	EPTDataWrite         = bits.Bit(1)
	EPTInstructionFetch  = bits.Bit(2)
	EPTEntryReadable     = bits.Bit(3)
	EPTEntryWritable     = bits.Bit(4)
	EPTEntryExecutable   = bits.Bit(5)
	EPTValidLinearAddr   = bits.Bit(7)
	EPTNMIUnblockingIRET = bits.Bit(12)
)

// Exit qualification for SIPI.
var SIPIVector = bits.Range(7, 0)
