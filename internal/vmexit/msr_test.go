package vmexit

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/vmext/internal/bits"
	"github.com/tinyrange/vmext/internal/hw"
	"github.com/tinyrange/vmext/internal/vmx"
)

func TestMSRBitmapOffsets(t *testing.T) {
	b := make([]byte, MSRBitmapSize)
	m := NewMSRBitmap(b)

	if err := m.TrapRead(0x3B); err != nil {
		t.Fatalf("TrapRead: %v", err)
	}
	if !bits.IsBitSet(b, 0x3B) {
		t.Fatalf("read bit for 0x3b not set")
	}
	if err := m.TrapWrite(0xC000_0080); err != nil {
		t.Fatalf("TrapWrite: %v", err)
	}
	if !bits.IsBitSet(b, 0x6000+0x80) {
		t.Fatalf("write bit for efer not set")
	}
	if m.ReadTrapped(0xC000_0080) {
		t.Fatalf("efer read trapped")
	}

	if err := m.TrapRead(0xD000_0000); !errors.Is(err, vmx.ErrInvalidMSR) {
		t.Fatalf("TrapRead(0xd0000000) err = %v, want ErrInvalidMSR", err)
	}
	if err := m.PassThroughWrite(0x2000); !errors.Is(err, vmx.ErrInvalidMSR) {
		t.Fatalf("PassThroughWrite(0x2000) err = %v, want ErrInvalidMSR", err)
	}
}

func TestMSRBitmapTrapAll(t *testing.T) {
	b := make([]byte, MSRBitmapSize)
	m := NewMSRBitmap(b)
	m.TrapAllReads()
	if b[0] != 0xFF || b[MSRBitmapSize/2-1] != 0xFF || b[MSRBitmapSize/2] != 0 {
		t.Fatalf("TrapAllReads touched the wrong half")
	}
	m.TrapAllWrites()
	m.PassThroughAllReads()
	if b[0] != 0 || b[MSRBitmapSize-1] != 0xFF {
		t.Fatalf("unexpected bitmap after pass through reads")
	}
}

func newMSREnv(t *testing.T) (*env, *RDMSR, *WRMSR, *MSRBitmap) {
	e := newEnv(t)
	bitmap := NewMSRBitmap(make([]byte, MSRBitmapSize))
	return e, NewRDMSR(e.exits, e.cpu, bitmap), NewWRMSR(e.exits, e.cpu, bitmap), bitmap
}

func TestRDMSRClaimed(t *testing.T) {
	e, rd, _, bitmap := newMSREnv(t)
	err := rd.AddHandler(0x3B, func(_ vmx.VMCS, info *MSRInfo) (bool, error) {
		info.Val = 0x1122_3344_5566_7788
		return true, nil
	})
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}
	if !bitmap.ReadTrapped(0x3B) {
		t.Fatalf("AddHandler did not trap the msr")
	}

	state := e.vmcs.State()
	state.GPRs[vmx.RCX] = 0x3B
	if err := e.exit(vmx.ReasonRDMSR, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if state.GPRs[vmx.RAX] != 0x5566_7788 || state.GPRs[vmx.RDX] != 0x1122_3344 {
		t.Fatalf("rdx:rax = 0x%x:0x%x", state.GPRs[vmx.RDX], state.GPRs[vmx.RAX])
	}
	e.expectRIP(t, 0x1002)
}

func TestRDMSRDefaults(t *testing.T) {
	e, rd, _, _ := newMSREnv(t)
	e.cpu.WriteMSR(0x10, 0xAB_0000_00CD)
	e.cpu.Trace()

	state := e.vmcs.State()
	state.GPRs[vmx.RCX] = 0x10
	if err := e.exit(vmx.ReasonRDMSR, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if state.GPRs[vmx.RAX] != 0xCD || state.GPRs[vmx.RDX] != 0xAB {
		t.Fatalf("pass through rdx:rax = 0x%x:0x%x", state.GPRs[vmx.RDX], state.GPRs[vmx.RAX])
	}

	rd.SetSecureMode(true)
	if err := e.exit(vmx.ReasonRDMSR, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if state.GPRs[vmx.RAX] != 0 || state.GPRs[vmx.RDX] != 0 {
		t.Fatalf("secure rdx:rax = 0x%x:0x%x", state.GPRs[vmx.RDX], state.GPRs[vmx.RAX])
	}
	e.expectRIP(t, 0x1002)
}

func TestMSRDeclinedEmulatedNeverReachesHardware(t *testing.T) {
	e, rd, wr, _ := newMSREnv(t)
	e.cpu.WriteMSR(0x10, 0xAB_0000_00CD)
	e.cpu.Trace()
	decline := func(_ vmx.VMCS, info *MSRInfo) (bool, error) {
		info.Val = 0x99
		return false, nil
	}
	if err := rd.AddHandler(0x10, decline); err != nil {
		t.Fatal(err)
	}
	if err := wr.AddHandler(0x10, decline); err != nil {
		t.Fatal(err)
	}
	rd.Emulate(0x10)
	wr.Emulate(0x10)

	state := e.vmcs.State()
	state.GPRs[vmx.RCX] = 0x10
	state.GPRs[vmx.RAX] = 0x55
	if err := e.exit(vmx.ReasonRDMSR, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if state.GPRs[vmx.RAX] != 0 || state.GPRs[vmx.RDX] != 0 {
		t.Fatalf("emulated rdx:rax = 0x%x:0x%x, want zero", state.GPRs[vmx.RDX], state.GPRs[vmx.RAX])
	}

	state.GPRs[vmx.RAX] = 0x7
	if err := e.exit(vmx.ReasonWRMSR, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := e.cpu.Trace(); len(got) != 0 {
		t.Fatalf("emulated msr reached hardware: %v", got)
	}
	if got := e.cpu.ReadMSR(0x10); got != 0xAB_0000_00CD {
		t.Fatalf("msr 0x10 = 0x%x, want unchanged", got)
	}
	e.expectRIP(t, 0x1002)
}

func TestWRMSRCommit(t *testing.T) {
	e, _, wr, _ := newMSREnv(t)
	wr.AddHandler(0x277, func(_ vmx.VMCS, info *MSRInfo) (bool, error) {
		info.Val |= 1
		return true, nil
	})
	wr.AddHandler(0x3B, func(_ vmx.VMCS, info *MSRInfo) (bool, error) { return true, nil })
	wr.Emulate(0x3B)

	state := e.vmcs.State()
	for _, msr := range []uint64{0x277, 0x3B, 0x10} {
		state.GPRs[vmx.RCX] = msr
		state.GPRs[vmx.RDX] = 0x1
		state.GPRs[vmx.RAX] = 0xFFFF_FFFF_0000_0002
		if err := e.exit(vmx.ReasonWRMSR, 0); err != nil {
			t.Fatalf("Handle(0x%x): %v", msr, err)
		}
	}

	want := []hw.Op{
		{Kind: hw.OpWriteMSR, Addr: 0x277, Val: 0x1_0000_0003},
		{Kind: hw.OpWriteMSR, Addr: 0x10, Val: 0x1_0000_0002},
	}
	if diff := cmp.Diff(want, e.cpu.Trace()); diff != "" {
		t.Fatalf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestWRMSRSecureDrops(t *testing.T) {
	e, _, wr, _ := newMSREnv(t)
	wr.SetSecureMode(true)
	e.vmcs.State().GPRs[vmx.RCX] = 0x10
	if err := e.exit(vmx.ReasonWRMSR, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := e.cpu.Trace(); len(got) != 0 {
		t.Fatalf("secure mode committed %v", got)
	}
	e.expectRIP(t, 0x1002)
}

func TestMSRHandlerErrorAborts(t *testing.T) {
	e, rd, _, _ := newMSREnv(t)
	boom := errors.New("boom")
	rd.AddHandler(0x10, func(vmx.VMCS, *MSRInfo) (bool, error) { return false, boom })
	e.vmcs.State().GPRs[vmx.RCX] = 0x10
	if err := e.exit(vmx.ReasonRDMSR, 0); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	e.expectRIP(t, 0x1000)
}
