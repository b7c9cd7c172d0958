package vmexit

import (
	"testing"

	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/hw"
	"github.com/tinyrange/vmext/internal/vmx"
)

type env struct {
	vmcs  *vmx.SoftVMCS
	exits *dispatch.Exits
	cpu   *hw.Emulated
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return &env{
		vmcs:  vmx.NewSoftVMCS(0),
		exits: dispatch.NewExits(),
		cpu:   hw.NewEmulated(),
	}
}

// exit stages an exit with a 2 byte instruction at 0x1000 and dispatches it.
func (e *env) exit(reason vmx.Reason, qual uint64) error {
	e.vmcs.State().Rip = 0x1000
	e.vmcs.Exit(reason, qual, 2)
	return e.exits.Handle(e.vmcs)
}

func (e *env) expectRIP(t *testing.T, want uint64) {
	t.Helper()
	if got := e.vmcs.State().Rip; got != want {
		t.Fatalf("rip = 0x%x, want 0x%x", got, want)
	}
}

func TestCPUIDLeaf42(t *testing.T) {
	e := newEnv(t)
	h := NewCPUID(e.exits, e.cpu)
	h.AddHandler(42, func(_ vmx.VMCS, info *CPUIDInfo) (bool, error) {
		info.RAX, info.RBX, info.RCX, info.RDX = 42, 42, 42, 42
		return true, nil
	})

	e.vmcs.State().GPRs[vmx.RAX] = 42
	if err := e.exit(vmx.ReasonCPUID, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	for _, r := range []int{vmx.RAX, vmx.RBX, vmx.RCX, vmx.RDX} {
		if got := e.vmcs.State().GPRs[r]; got != 42 {
			t.Fatalf("%s = 0x%x, want 0x2a", vmx.GPRName(uint64(r)), got)
		}
	}
	e.expectRIP(t, 0x1002)
}

func TestCPUIDIgnoreWriteAndAdvance(t *testing.T) {
	e := newEnv(t)
	h := NewCPUID(e.exits, e.cpu)
	h.AddHandler(42, func(_ vmx.VMCS, info *CPUIDInfo) (bool, error) {
		info.RBX = 42
		info.IgnoreWrite = true
		info.IgnoreAdvance = true
		return true, nil
	})

	e.vmcs.State().GPRs[vmx.RAX] = 42
	if err := e.exit(vmx.ReasonCPUID, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := e.vmcs.State().GPRs[vmx.RBX]; got != 0 {
		t.Fatalf("rbx = 0x%x, want 0", got)
	}
	e.expectRIP(t, 0x1000)
}

func TestCPUIDKeepsHighHalf(t *testing.T) {
	e := newEnv(t)
	e.cpu.SetCPUID(1, 0, 0x11, 0x22, 0x33, 0x44)
	h := NewCPUID(e.exits, e.cpu)
	h.AddHandler(1, func(_ vmx.VMCS, info *CPUIDInfo) (bool, error) { return true, nil })

	state := e.vmcs.State()
	state.GPRs[vmx.RAX] = 0xFFFF_FFFF_0000_0001
	state.GPRs[vmx.RDX] = 0xAAAA_AAAA_0000_0000
	if err := e.exit(vmx.ReasonCPUID, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got, want := state.GPRs[vmx.RAX], uint64(0xFFFF_FFFF_0000_0011); got != want {
		t.Fatalf("rax = 0x%x, want 0x%x", got, want)
	}
	if got, want := state.GPRs[vmx.RDX], uint64(0xAAAA_AAAA_0000_0044); got != want {
		t.Fatalf("rdx = 0x%x, want 0x%x", got, want)
	}
}

func TestCPUIDEmulatedLeafStartsZero(t *testing.T) {
	e := newEnv(t)
	e.cpu.SetCPUID(7, 0, 1, 2, 3, 4)
	h := NewCPUID(e.exits, e.cpu)
	h.Emulate(7)

	var seen CPUIDInfo
	h.AddHandler(7, func(_ vmx.VMCS, info *CPUIDInfo) (bool, error) {
		seen = *info
		return true, nil
	})
	e.vmcs.State().GPRs[vmx.RAX] = 7
	if err := e.exit(vmx.ReasonCPUID, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if seen != (CPUIDInfo{}) {
		t.Fatalf("emulated leaf saw %+v", seen)
	}
}

func TestCPUIDPassesUnclaimedLeaf(t *testing.T) {
	e := newEnv(t)
	e.cpu.SetCPUID(3, 0, 0x11, 0x22, 0x33, 0x44)
	e.cpu.SetCPUID(9, 0, 5, 6, 7, 8)
	h := NewCPUID(e.exits, e.cpu)
	h.AddHandler(3, func(_ vmx.VMCS, info *CPUIDInfo) (bool, error) {
		info.RAX = 0xdead
		return false, nil
	})
	h.Emulate(9)

	state := e.vmcs.State()
	state.GPRs[vmx.RAX] = 3
	if err := e.exit(vmx.ReasonCPUID, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := [4]uint64{0x11, 0x22, 0x33, 0x44}
	got := [4]uint64{state.GPRs[vmx.RAX], state.GPRs[vmx.RBX], state.GPRs[vmx.RCX], state.GPRs[vmx.RDX]}
	if got != want {
		t.Fatalf("declined leaf = %x, want %x", got, want)
	}
	e.expectRIP(t, 0x1002)

	// No chain at all: the hardware answers. Emulated leaves read as zero.
	state.GPRs[vmx.RAX] = 9
	if err := e.exit(vmx.ReasonCPUID, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got = [4]uint64{state.GPRs[vmx.RAX], state.GPRs[vmx.RBX], state.GPRs[vmx.RCX], state.GPRs[vmx.RDX]}
	if got != ([4]uint64{}) {
		t.Fatalf("emulated leaf = %x, want zeros", got)
	}
	e.expectRIP(t, 0x1002)
}

func TestCPUIDLogging(t *testing.T) {
	e := newEnv(t)
	h := NewCPUID(e.exits, e.cpu)
	h.EnableLogging()
	h.AddHandler(0, func(_ vmx.VMCS, info *CPUIDInfo) (bool, error) { return true, nil })

	for i := 0; i < dispatch.DefaultLogMax+3; i++ {
		e.vmcs.State().GPRs[vmx.RAX] = 0
		e.vmcs.State().GPRs[vmx.RCX] = uint64(i)
		if err := e.exit(vmx.ReasonCPUID, 0); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	recs := h.Records()
	if len(recs) != dispatch.DefaultLogMax {
		t.Fatalf("records = %d, want %d", len(recs), dispatch.DefaultLogMax)
	}
	if recs[0].Subleaf != 3 {
		t.Fatalf("oldest subleaf = %d, want 3", recs[0].Subleaf)
	}
}
