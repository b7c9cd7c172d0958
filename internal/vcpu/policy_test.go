package vcpu

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vmext/internal/vmx"
)

const fullPolicy = `
secure_msr: true
trap_msrs: [0x10, 0xc0000080]
trap_ports: [0x80]
ept:
  begin: 0
  end: 0x400000
  granularity: 2m
  split: [0x200000]
vpid: true
logging: [rdmsr, io_instruction]
interrupt_queue: 8
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(fullPolicy))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	want := &Policy{
		SecureMSR: true,
		TrapMSRs:  []uint64{0x10, 0xC000_0080},
		TrapPorts: []uint16{0x80},
		EPT: &EPTPolicy{
			End:         0x400000,
			Granularity: "2m",
			Split:       []uint64{0x200000},
		},
		VPID:           true,
		Logging:        []string{LogRDMSR, LogIOInstruction},
		InterruptQueue: 8,
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("policy mismatch (-want +got):\n%s", diff)
	}

	empty, err := ParsePolicy(nil)
	if err != nil {
		t.Fatalf("ParsePolicy(empty): %v", err)
	}
	if diff := cmp.Diff(&Policy{}, empty); diff != "" {
		t.Fatalf("empty policy mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePolicyRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
		want error
	}{
		{name: "unknown key", doc: "secure_msrs: true\n"},
		{name: "unknown category", doc: "logging: [cpuid, hlt]\n", want: ErrUnknownCategory},
		{name: "granularity", doc: "ept: {end: 0x1000, granularity: 3m}\n", want: vmx.ErrOutOfRange},
		{name: "empty range", doc: "ept: {begin: 0x2000, end: 0x1000}\n", want: vmx.ErrOutOfRange},
		{name: "queue", doc: "interrupt_queue: -1\n", want: vmx.ErrOutOfRange},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tc.doc))
			if err == nil {
				t.Fatal("ParsePolicy succeeded")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("vpid: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if !p.VPID {
		t.Fatal("vpid not set")
	}
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("LoadPolicy(missing) err = %v, want ErrNotExist", err)
	}
}

func TestPolicySecureMSR(t *testing.T) {
	e := newEnv(t)
	e.cpu.WriteMSR(0x10, 0x1234)
	p, err := ParsePolicy([]byte("secure_msr: true\ntrap_msrs: [0x10]\n"))
	if err != nil {
		t.Fatal(err)
	}
	v := e.newVCPU(t, WithPolicy(p))

	s := e.vmcs.State()
	s.GPRs[vmx.RCX] = 0x10
	s.GPRs[vmx.RAX] = 0xFF
	e.vmcs.Exit(vmx.ReasonRDMSR, 0, 2)
	if err := v.Handle(); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if s.GPRs[vmx.RAX] != 0 || s.GPRs[vmx.RDX] != 0 {
		t.Fatalf("rdx:rax = 0x%x:0x%x, want 0", s.GPRs[vmx.RDX], s.GPRs[vmx.RAX])
	}

	s.GPRs[vmx.RAX] = 0x99
	e.vmcs.Exit(vmx.ReasonWRMSR, 0, 2)
	if err := v.Handle(); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := e.cpu.ReadMSR(0x10); got != 0x1234 {
		t.Fatalf("msr 0x10 = 0x%x, want 0x1234", got)
	}
	if s.Rip != 4 {
		t.Fatalf("rip = %d, want 4", s.Rip)
	}
}

func TestPolicyEPT(t *testing.T) {
	e := newEnv(t)
	p, err := ParsePolicy([]byte("ept: {begin: 0, end: 0x400000, granularity: 2m, split: [0x200000]}\n"))
	if err != nil {
		t.Fatal(err)
	}
	v := e.newVCPU(t, WithPolicy(p))

	m := v.EPTMap()
	if m == nil {
		t.Fatal("no ept map installed")
	}
	if !m.IsMapped2M(0) {
		t.Error("0x0 not mapped with a 2M page")
	}
	if !m.IsMapped4K(0x200000) || !m.IsMapped4K(0x3FF000) {
		t.Error("split 2M page not mapped with 4K pages")
	}
	got := vmx.EPTPPhysAddr.Get(e.vmcs.Read(vmx.EPTPointer))
	if want := vmx.EPTPPhysAddr.Get(m.EPTP()); got != want {
		t.Fatalf("eptp address = 0x%x, want 0x%x", got, want)
	}
	if err := v.ApplyPolicy(p); err != nil {
		t.Fatalf("second ApplyPolicy: %v", err)
	}
	if v.EPTMap() != m {
		t.Fatal("second ApplyPolicy rebuilt the map")
	}

	if err := v.Close(); err != nil {
		t.Fatal(err)
	}
	if got := e.pool.InUse(); got != 0 {
		t.Fatalf("pages in use after Close = %d, want 0", got)
	}
	if vmx.IsEnabled(e.vmcs, vmx.SecondaryControls, vmx.Proc2EnableEPT) {
		t.Fatal("ept enabled after Close")
	}
}

func TestPolicyTrapPorts(t *testing.T) {
	e := newEnv(t)
	p, err := ParsePolicy([]byte("trap_ports: [0x80]\nlogging: [io_instruction]\n"))
	if err != nil {
		t.Fatal(err)
	}
	v := e.newVCPU(t, WithPolicy(p))

	e.vmcs.State().GPRs[vmx.RAX] = 0x42
	e.vmcs.Exit(vmx.ReasonIOInstruction, ioQual(false, 0x80), 2)
	if err := v.Handle(); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	trace := e.cpu.Trace()
	if len(trace) != 1 || trace[0].Addr != 0x80 || trace[0].Val != 0x42 {
		t.Fatalf("trace = %v, want one out to 0x80", trace)
	}
	if got := len(v.IOInstruction().Records()); got != 1 {
		t.Fatalf("io records = %d, want 1", got)
	}
}

func TestPolicyLoggingAll(t *testing.T) {
	e := newEnv(t)
	v := e.newVCPU(t)
	if got := len(v.Loggers()); got != 3 {
		t.Fatalf("loggers before = %d, want 3", got)
	}
	if err := v.EnableLogging(LogAll); err != nil {
		t.Fatal(err)
	}
	if got := len(v.Loggers()); got != len(LogCategories) {
		t.Fatalf("loggers = %d, want %d", got, len(LogCategories))
	}
	if err := v.EnableLogging("bogus"); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("err = %v, want ErrUnknownCategory", err)
	}
}

func TestPolicyVPIDNeedsAllocator(t *testing.T) {
	e := newEnv(t)
	_, err := New(0, e.vmcs, e.exits, e.cpu, e.pool, WithPolicy(&Policy{VPID: true}))
	if !errors.Is(err, ErrNoVPIDAllocator) {
		t.Fatalf("New err = %v, want ErrNoVPIDAllocator", err)
	}
	if got := e.pool.InUse(); got != 0 {
		t.Fatalf("pages in use after failed New = %d, want 0", got)
	}
}
