package scenario

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vmext/internal/vmx"
)

func TestLoad(t *testing.T) {
	f, err := Load("testdata/basic.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Name != "basic" || len(f.VCPUs) != 2 || f.NumExits() != 6 {
		t.Fatalf("loaded %q with %d vcpus and %d exits", f.Name, len(f.VCPUs), f.NumExits())
	}
	if !f.Policy.SecureMSR {
		t.Fatal("policy not decoded")
	}

	exits := f.VCPUs[0].Exits
	if got := vmx.Reason(exits[0].Reason); got != vmx.ReasonCPUID {
		t.Fatalf("reason = %s, want cpuid", got)
	}
	if got := vmx.Reason(exits[3].Reason); got != vmx.ReasonCPUID {
		t.Fatalf("numeric reason = %s, want cpuid", got)
	}
	if got := exits[3].Title(); got != "unknown leaf" {
		t.Fatalf("title = %q", got)
	}
}

func TestParseExit(t *testing.T) {
	f, err := Parse([]byte(`
vcpus:
  - exits:
      - reason: io_instruction
        io: {port: 0x3f8, size: 2, in: true}
      - reason: control_register_accesses
        cr: {cr: 8, register: r9, read: true}
      - reason: ept_violation
        access: {read: true, execute: true}
        code: "89 08 c3"
      - reason: wrmsr
        qualification: 0x1234
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	exits := f.VCPUs[0].Exits

	var got []uint64
	for i := range exits {
		q, err := exits[i].qualification()
		if err != nil {
			t.Fatalf("exit %d: %v", i, err)
		}
		got = append(got, q)
	}
	want := []uint64{
		0x3F8<<16 | 1<<6 | 1<<3 | vmx.IOSizeTwoByte,
		vmx.R9<<8 | vmx.CRAccessMovFromCR<<4 | 8,
		0b101,
		0x1234,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("qualifications mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0x89, 0x08, 0xC3}, []byte(exits[2].Code)); diff != "" {
		t.Fatalf("code mismatch (-want +got):\n%s", diff)
	}
	if exits[3].Title() != "wrmsr" {
		t.Fatalf("title = %q, want wrmsr", exits[3].Title())
	}
}

func TestParseRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
	}{
		{"no vcpus", "name: empty\n"},
		{"unknown key", "vcpus: [{id: 0, exitz: []}]\n"},
		{"unknown reason", "vcpus: [{exits: [{reason: vmcall}]}]\n"},
		{"duplicate vcpu", "vcpus: [{id: 1}, {id: 1}]\n"},
		{"bad register", "vcpus: [{exits: [{reason: cpuid, registers: {eax: 1}}]}]\n"},
		{"bad expected register", "vcpus: [{exits: [{reason: cpuid, expect: {registers: {rip: 1}}}]}]\n"},
		{"bad code", "vcpus: [{exits: [{reason: cpuid, code: \"8g\"}]}]\n"},
		{"io size", "vcpus: [{exits: [{reason: io_instruction, io: {port: 1, size: 3}}]}]\n"},
		{"two helpers", "vcpus: [{exits: [{reason: cpuid, io: {port: 1}, access: {read: true}}]}]\n"},
		{"two epts", "ept: {end: 0x1000}\npolicy: {ept: {end: 0x1000}}\nvcpus: [{id: 0}]\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.doc)); err == nil {
				t.Fatal("Parse succeeded")
			}
		})
	}

	_, err := Parse([]byte("vcpus: [{exits: [{reason: vmcall}]}]\n"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}
