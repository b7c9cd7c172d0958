package apic

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vmext/internal/hw"
)

func TestPhysXAPICWriteICROrder(t *testing.T) {
	cpu := hw.NewEmulated()
	p := NewPhysXAPIC(cpu)

	p.WriteICR(0x0200_0000_0000_4031)

	want := []hw.Op{
		{Kind: hw.OpWriteXAPIC, Addr: 0x310, Val: 0x0200_0000},
		{Kind: hw.OpSFence},
		{Kind: hw.OpWriteXAPIC, Addr: 0x300, Val: 0x4031},
	}
	if diff := cmp.Diff(want, cpu.Trace()); diff != "" {
		t.Fatalf("trace mismatch (-want +got):\n%s", diff)
	}
	if got := p.ReadICR(); got != 0x0200_0000_0000_4031 {
		t.Fatalf("ReadICR = 0x%x", got)
	}
}

func TestPhysXAPICSelfIPI(t *testing.T) {
	cpu := hw.NewEmulated()
	NewPhysXAPIC(cpu).WriteSelfIPI(0x31)

	trace := cpu.Trace()
	if len(trace) != 3 {
		t.Fatalf("trace = %v, want 3 operations", trace)
	}
	if got := trace[2].Val; got != 0x4_4031 {
		t.Fatalf("icr low = 0x%x, want 0x44031", got)
	}
}

func TestPhysXAPICResetFromInit(t *testing.T) {
	cpu := hw.NewEmulated()
	cpu.WriteCR8(3)
	NewPhysXAPIC(cpu).ResetFromInit()

	var got []uint64
	for _, op := range cpu.Trace() {
		got = append(got, op.Addr, op.Val)
	}
	want := []uint64{
		0x310, 0, 0x300, 0,
		0xD0, 0, 0x80, 0, 0x380, 0, 0x3E0, 0,
		0xE0, 0xFFFF_FFFF,
		0x280, 0,
		0x2F0, LVTReset, 0x320, LVTReset, 0x330, LVTReset, 0x340, LVTReset,
		0x350, LVTReset, 0x360, LVTReset, 0x370, LVTReset,
		0xF0, SVRReset,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("register writes mismatch (-want +got):\n%s", diff)
	}
	if cr8 := cpu.ReadCR8(); cr8 != 0 {
		t.Fatalf("cr8 = 0x%x, want 0", cr8)
	}
}

func TestPhysX2APIC(t *testing.T) {
	cpu := hw.NewEmulated()
	p := NewPhysX2APIC(cpu)

	p.WriteICR(0x5_0000_00FE)
	p.WriteSelfIPI(0x1_40)
	p.WriteEOI()
	p.WriteTPR(0x50)

	want := []hw.Op{
		{Kind: hw.OpWriteMSR, Addr: 0x830, Val: 0x5_0000_00FE},
		{Kind: hw.OpWriteMSR, Addr: 0x83F, Val: 0x40},
		{Kind: hw.OpWriteMSR, Addr: 0x80B, Val: 0},
	}
	if diff := cmp.Diff(want, cpu.Trace()); diff != "" {
		t.Fatalf("trace mismatch (-want +got):\n%s", diff)
	}
	if got := p.ReadTPR(); got != 0x50 {
		t.Fatalf("ReadTPR = 0x%x, want 0x50", got)
	}
}

func TestNewPhysLAPIC(t *testing.T) {
	cpu := hw.NewEmulated()
	p, err := NewPhysLAPIC(cpu)
	if err != nil || p.Mode() != ModeXAPIC {
		t.Fatalf("NewPhysLAPIC = %v, %v, want xapic", p, err)
	}

	cpu.WriteMSR(hw.MSRIA32APICBase, hw.DefaultAPICBaseMSR|hw.APICBaseX2APIC)
	if p, err = NewPhysLAPIC(cpu); err != nil || p.Mode() != ModeX2APIC {
		t.Fatalf("NewPhysLAPIC = %v, %v, want x2apic", p, err)
	}

	cpu.WriteMSR(hw.MSRIA32APICBase, 0)
	if _, err := NewPhysLAPIC(cpu); err == nil {
		t.Fatal("NewPhysLAPIC with the APIC disabled succeeded")
	}
}
