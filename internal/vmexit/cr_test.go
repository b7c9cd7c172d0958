package vmexit

import (
	"errors"
	"testing"

	"github.com/tinyrange/vmext/internal/vmx"
)

// crQual encodes a control-register exit qualification.
func crQual(cr, access, reg uint64) uint64 {
	return cr | access<<4 | reg<<8
}

func TestWRCR0Default(t *testing.T) {
	e := newEnv(t)
	NewControlRegister(e.exits, e.vmcs, e.cpu)

	e.vmcs.State().GPRs[vmx.RBX] = 0x8000_0031
	if err := e.exit(vmx.ReasonControlRegister, crQual(0, vmx.CRAccessMovToCR, vmx.RBX)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := e.vmcs.Read(vmx.GuestCR0); got != 0x8000_0031 {
		t.Fatalf("cr0 = 0x%x, want 0x80000031", got)
	}
	if got := e.vmcs.Read(vmx.CR0ReadShadow); got != 0x8000_0031 {
		t.Fatalf("cr0 shadow = 0x%x, want 0x80000031", got)
	}
	e.expectRIP(t, 0x1002)
}

func TestWRCR4KeepsVMXE(t *testing.T) {
	e := newEnv(t)
	NewControlRegister(e.exits, e.vmcs, e.cpu)

	e.vmcs.State().GPRs[vmx.RAX] = 0x20
	if err := e.exit(vmx.ReasonControlRegister, crQual(4, vmx.CRAccessMovToCR, vmx.RAX)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := e.vmcs.Read(vmx.GuestCR4); got != 0x2020 {
		t.Fatalf("cr4 = 0x%x, want 0x2020", got)
	}
	if got := e.vmcs.Read(vmx.CR4ReadShadow); got != 0x20 {
		t.Fatalf("cr4 shadow = 0x%x, want 0x20", got)
	}
}

func TestWRCR4UserHandlerRunsFirst(t *testing.T) {
	e := newEnv(t)
	h := NewControlRegister(e.exits, e.vmcs, e.cpu)
	h.AddWRCR4Handler(func(_ vmx.VMCS, info *CRInfo) (bool, error) {
		info.Shadow = 0x99
		return true, nil
	})

	e.vmcs.State().GPRs[vmx.RAX] = 0x20
	if err := e.exit(vmx.ReasonControlRegister, crQual(4, vmx.CRAccessMovToCR, vmx.RAX)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := e.vmcs.Read(vmx.GuestCR4); got != 0x20 {
		t.Fatalf("cr4 = 0x%x, want 0x20", got)
	}
	if got := e.vmcs.Read(vmx.CR4ReadShadow); got != 0x99 {
		t.Fatalf("cr4 shadow = 0x%x, want 0x99", got)
	}
}

func TestCR3(t *testing.T) {
	e := newEnv(t)
	h := NewControlRegister(e.exits, e.vmcs, e.cpu)
	h.EnableWRCR3Exiting()
	if !vmx.IsEnabled(e.vmcs, vmx.PrimaryControls, vmx.ProcCR3LoadExiting) {
		t.Fatalf("cr3 load exiting not enabled")
	}

	e.vmcs.State().GPRs[vmx.RSI] = 0x8000_0000_0012_3000
	if err := e.exit(vmx.ReasonControlRegister, crQual(3, vmx.CRAccessMovToCR, vmx.RSI)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := e.vmcs.Read(vmx.GuestCR3); got != 0x12_3000 {
		t.Fatalf("cr3 = 0x%x, want 0x123000 (no-flush bit cleared)", got)
	}

	if err := e.exit(vmx.ReasonControlRegister, crQual(3, vmx.CRAccessMovFromCR, vmx.R9)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := e.vmcs.State().GPRs[vmx.R9]; got != 0x12_3000 {
		t.Fatalf("r9 = 0x%x, want 0x123000", got)
	}
}

func TestCR8(t *testing.T) {
	e := newEnv(t)
	h := NewControlRegister(e.exits, e.vmcs, e.cpu)
	e.cpu.WriteCR8(0x5)

	var written uint64
	h.AddWRCR8Handler(func(_ vmx.VMCS, info *CRInfo) (bool, error) {
		written = info.Val
		return true, nil
	})

	if err := e.exit(vmx.ReasonControlRegister, crQual(8, vmx.CRAccessMovFromCR, vmx.RDX)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := e.vmcs.State().GPRs[vmx.RDX]; got != 5 {
		t.Fatalf("rdx = 0x%x, want 5", got)
	}

	e.vmcs.State().GPRs[vmx.RCX] = 0xA
	if err := e.exit(vmx.ReasonControlRegister, crQual(8, vmx.CRAccessMovToCR, vmx.RCX)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if written != 0xA {
		t.Fatalf("wrcr8 delegate saw 0x%x, want 0xa", written)
	}
	if got := e.cpu.ReadCR8(); got != 5 {
		t.Fatalf("hardware cr8 = 0x%x, want 5", got)
	}
}

func TestCRUnsupported(t *testing.T) {
	e := newEnv(t)
	NewControlRegister(e.exits, e.vmcs, e.cpu)

	for _, qual := range []uint64{
		crQual(2, vmx.CRAccessMovToCR, 0),
		crQual(0, vmx.CRAccessCLTS, 0),
		crQual(0, vmx.CRAccessMovFromCR, 0),
	} {
		err := e.exit(vmx.ReasonControlRegister, qual)
		if !errors.Is(err, vmx.ErrUnsupportedAccess) || !vmx.IsFatal(err) {
			t.Fatalf("qual 0x%x err = %v, want fatal ErrUnsupportedAccess", qual, err)
		}
	}
}

func TestEnableWRCR0Exiting(t *testing.T) {
	e := newEnv(t)
	h := NewControlRegister(e.exits, e.vmcs, e.cpu)
	h.EnableWRCR0Exiting(0x1, 0x60000010)
	if e.vmcs.Read(vmx.CR0GuestHostMask) != 1 || e.vmcs.Read(vmx.CR0ReadShadow) != 0x60000010 {
		t.Fatalf("cr0 mask/shadow not written")
	}
}
