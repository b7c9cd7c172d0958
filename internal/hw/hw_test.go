package hw

import (
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEmulatedTraceOrder(t *testing.T) {
	e := NewEmulated()
	e.WriteXAPIC(0x310, 1)
	e.SFence()
	e.WriteXAPIC(0x300, 0x4000)

	want := []Op{
		{Kind: OpWriteXAPIC, Addr: 0x310, Val: 1},
		{Kind: OpSFence},
		{Kind: OpWriteXAPIC, Addr: 0x300, Val: 0x4000},
	}
	if diff := cmp.Diff(want, e.Trace()); diff != "" {
		t.Fatalf("trace mismatch (-want +got):\n%s", diff)
	}
	if got := e.Trace(); len(got) != 0 {
		t.Fatalf("trace not cleared: %v", got)
	}
}

func TestEmulatedPorts(t *testing.T) {
	e := NewEmulated()
	e.SetPort(0x60, 0x1234)
	if got := e.In(0x60, 1); got != 0x34 {
		t.Fatalf("In = 0x%x, want 0x34", got)
	}
	e.Out(0x80, 2, 0xABCDEF)
	if got := e.In(0x80, 4); got != 0xCDEF {
		t.Fatalf("In after Out = 0x%x, want 0xcdef", got)
	}
}

func TestEmulatedAPICBase(t *testing.T) {
	e := NewEmulated()
	if got := e.ReadMSR(MSRIA32APICBase); got != 0xFEE00900 {
		t.Fatalf("apic base = 0x%x, want 0xfee00900", got)
	}
}

func TestSeedFromHost(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("host cpuid requires amd64")
	}
	e := NewEmulated()
	e.SeedFromHost(0)
	eax, ebx, _, _ := e.CPUID(0, 0)
	if eax == 0 || ebx == 0 {
		t.Fatalf("leaf 0 not seeded: eax=0x%x ebx=0x%x", eax, ebx)
	}
}
