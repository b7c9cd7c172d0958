package vmx

import (
	"errors"
	"testing"
)

func TestSoftVMCSAdvance(t *testing.T) {
	v := NewSoftVMCS(0)
	v.State().Rip = 0x1000
	v.Exit(ReasonCPUID, 0, 2)

	if !v.Advance() {
		t.Fatalf("Advance returned false")
	}
	if got := v.Read(GuestRIP); got != 0x1002 {
		t.Fatalf("rip = 0x%x, want 0x1002", got)
	}
	if got := BasicReason(v.Read(ExitReason)); got != ReasonCPUID {
		t.Fatalf("reason = %v, want %v", got, ReasonCPUID)
	}
}

func TestSoftVMCSExitClearsPreviousInfo(t *testing.T) {
	v := NewSoftVMCS(0)
	v.Write(GuestPhysicalAddr, 0xFEE00000)
	v.Exit(ReasonHLT, 0, 1)
	if got := v.Read(GuestPhysicalAddr); got != 0 {
		t.Fatalf("gpa = 0x%x, want 0", got)
	}
}

func TestControls(t *testing.T) {
	v := NewSoftVMCS(0)
	Enable(v, PrimaryControls, ProcMonitorTrapFlag)
	if got := v.Read(PrimaryControls); got != 1<<27 {
		t.Fatalf("controls = 0x%x, want 0x%x", got, uint64(1<<27))
	}
	if !IsEnabled(v, PrimaryControls, ProcMonitorTrapFlag) {
		t.Fatalf("mtf not enabled")
	}
	Disable(v, PrimaryControls, ProcMonitorTrapFlag)
	if IsEnabled(v, PrimaryControls, ProcMonitorTrapFlag) {
		t.Fatalf("mtf still enabled")
	}
}

func TestGPR(t *testing.T) {
	var s GuestState
	if err := SetGPR(&s, R15, 42); err != nil {
		t.Fatalf("SetGPR: %v", err)
	}
	if got, _ := GPR(&s, R15); got != 42 {
		t.Fatalf("r15 = %d, want 42", got)
	}
	_, err := GPR(&s, 16)
	if !errors.Is(err, ErrOutOfRange) || !IsFatal(err) {
		t.Fatalf("GPR(16) err = %v, want fatal out of range", err)
	}
}

func TestReasonNames(t *testing.T) {
	r, ok := ParseReason("ept_violation")
	if !ok || r != ReasonEPTViolation {
		t.Fatalf("ParseReason = %v, %v", r, ok)
	}
	if got := Reason(999).String(); got != "reason(999)" {
		t.Fatalf("String = %q", got)
	}
	if !VMEntryFailed(1<<31 | 33) {
		t.Fatalf("entry failure bit not detected")
	}
}

func TestQualificationDecoders(t *testing.T) {
	// mov cr4, rbx
	qual := uint64(4 | CRAccessMovToCR<<4 | RBX<<8)
	if CRNumber.Get(qual) != 4 || CRAccessType.Get(qual) != CRAccessMovToCR || CRRegister.Get(qual) != RBX {
		t.Fatalf("bad cr decode of 0x%x", qual)
	}

	// out 0x80, al
	qual = 0x80<<16 | 1<<6
	if IOPortNumber.Get(qual) != 0x80 || IODirectionIn.IsEnabled(qual) || IOSizeOfAccess.Get(qual) != IOSizeOneByte {
		t.Fatalf("bad io decode of 0x%x", qual)
	}
}
