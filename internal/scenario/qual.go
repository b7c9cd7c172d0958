package scenario

import (
	"fmt"

	"github.com/tinyrange/vmext/internal/vmx"
)

// IOAccess builds an IO instruction qualification.
type IOAccess struct {
	// Port is encoded as an immediate operand. With DX set the port is
	// taken from RDX instead.
	Port uint16 `yaml:"port"`
	DX   bool   `yaml:"dx"`

	// Size is 1, 2 or 4. Zero means 1.
	Size   int  `yaml:"size"`
	In     bool `yaml:"in"`
	String bool `yaml:"string"`
	Rep    bool `yaml:"rep"`
}

func (a *IOAccess) qualification() (uint64, error) {
	var q uint64
	switch a.Size {
	case 0, 1:
		q = vmx.IOSizeOfAccess.Set(q, vmx.IOSizeOneByte)
	case 2:
		q = vmx.IOSizeOfAccess.Set(q, vmx.IOSizeTwoByte)
	case 4:
		q = vmx.IOSizeOfAccess.Set(q, vmx.IOSizeFourByte)
	default:
		return 0, fmt.Errorf("%w: io size %d", ErrInvalid, a.Size)
	}
	if a.In {
		q = vmx.IODirectionIn.Enable(q)
	}
	if a.String {
		q = vmx.IOStringInstr.Enable(q)
	}
	if a.Rep {
		q = vmx.IORepPrefixed.Enable(q)
	}
	if !a.DX {
		q = vmx.IOImmediateOperand.Enable(q)
		q = vmx.IOPortNumber.Set(q, uint64(a.Port))
	}
	return q, nil
}

// CRAccess builds a MOV to or from CR qualification.
type CRAccess struct {
	CR       uint64 `yaml:"cr"`
	Register string `yaml:"register"`

	// Read selects MOV from CR.
	Read bool `yaml:"read"`
}

func (a *CRAccess) qualification() (uint64, error) {
	reg, ok := vmx.ParseGPR(a.Register)
	if !ok {
		return 0, fmt.Errorf("%w: unknown register %q", ErrInvalid, a.Register)
	}
	access := uint64(vmx.CRAccessMovToCR)
	if a.Read {
		access = vmx.CRAccessMovFromCR
	}
	var q uint64
	q = vmx.CRNumber.Set(q, a.CR)
	q = vmx.CRAccessType.Set(q, access)
	q = vmx.CRRegister.Set(q, reg)
	return q, nil
}

// EPTAccess builds an EPT violation qualification.
type EPTAccess struct {
	Read    bool `yaml:"read"`
	Write   bool `yaml:"write"`
	Execute bool `yaml:"execute"`
}

func (a *EPTAccess) qualification() uint64 {
	var q uint64
	if a.Read {
		q = vmx.EPTDataRead.Enable(q)
	}
	if a.Write {
		q = vmx.EPTDataWrite.Enable(q)
	}
	if a.Execute {
		q = vmx.EPTInstructionFetch.Enable(q)
	}
	return q
}

// qualification returns the exit qualification to stage.
func (e *Exit) qualification() (uint64, error) {
	switch {
	case e.IO != nil:
		return e.IO.qualification()
	case e.CR != nil:
		return e.CR.qualification()
	case e.Access != nil:
		return e.Access.qualification(), nil
	}
	return e.Qualification, nil
}
