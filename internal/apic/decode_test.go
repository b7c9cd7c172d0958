package apic

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vmext/internal/vmx"
)

func TestDecodeAccess(t *testing.T) {
	for _, tt := range []struct {
		name string
		code []byte
		want mmioAccess
	}{
		{"store ecx", []byte{0x89, 0x08}, mmioAccess{write: true, reg: gprRef{vmx.RCX, 4}, size: 4, len: 2}},
		{"load eax", []byte{0x8B, 0x03}, mmioAccess{reg: gprRef{vmx.RAX, 4}, size: 4, len: 2}},
		{"load rax", []byte{0x48, 0x8B, 0x03}, mmioAccess{reg: gprRef{vmx.RAX, 8}, size: 8, len: 3}},
		{"load r9d", []byte{0x44, 0x8B, 0x08}, mmioAccess{reg: gprRef{vmx.R9, 4}, size: 4, len: 3}},
		{"store imm", []byte{0xC7, 0x00, 0x78, 0x56, 0x34, 0x12}, mmioAccess{write: true, imm: true, val: 0x12345678, size: 4, len: 6}},
		{"trailing bytes", []byte{0x89, 0x08, 0x90, 0x90}, mmioAccess{write: true, reg: gprRef{vmx.RCX, 4}, size: 4, len: 2}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeAccess(tt.code)
			if err != nil {
				t.Fatalf("decodeAccess: %v", err)
			}
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(mmioAccess{}, gprRef{})); diff != "" {
				t.Fatalf("access mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeAccessRejects(t *testing.T) {
	for name, code := range map[string][]byte{
		"add":        {0x01, 0x00},
		"byte store": {0x88, 0x08},
		"garbage":    {0x0F},
	} {
		if _, err := decodeAccess(code); !errors.Is(err, vmx.ErrUnsupportedAccess) {
			t.Errorf("%s: err = %v, want ErrUnsupportedAccess", name, err)
		}
	}
}

func TestAccessZeroExtends(t *testing.T) {
	var s vmx.GuestState
	s.GPRs[vmx.RAX] = 0xFFFF_FFFF_FFFF_FFFF
	mmioAccess{reg: gprRef{vmx.RAX, 4}}.load(&s, 0x1_0000_00FF)
	if got := s.GPRs[vmx.RAX]; got != 0xFF {
		t.Fatalf("rax = 0x%x, want 0xff", got)
	}

	s.GPRs[vmx.RCX] = 0xAAAA_BBBB_CCCC_DDDD
	if got := (mmioAccess{reg: gprRef{vmx.RCX, 4}}).value(&s); got != 0xCCCC_DDDD {
		t.Fatalf("value = 0x%x, want 0xccccdddd", got)
	}
}
