package vmx

import "maps"

// Reset values of the VMX fixed-bit MSRs on a typical host.
const (
	DefaultCR0Fixed0 = 0x8000_0021
	DefaultCR0Fixed1 = 0xFFFF_FFFF
	DefaultCR4Fixed0 = 0x0000_2000
	DefaultCR4Fixed1 = 0x0037_67FF
)

// SoftVMCS is a VMCS held entirely in memory. Fields that were never written
// read as zero.
type SoftVMCS struct {
	fields map[Field]uint64
	state  GuestState
	global GlobalState
}

var _ VMCS = (*SoftVMCS)(nil)

// NewSoftVMCS returns an empty VMCS for the given vCPU.
func NewSoftVMCS(vcpuid uint64) *SoftVMCS {
	return &SoftVMCS{
		fields: make(map[Field]uint64),
		state:  GuestState{VCPUID: vcpuid},
		global: GlobalState{
			CR0Fixed0: DefaultCR0Fixed0,
			CR0Fixed1: DefaultCR0Fixed1,
			CR4Fixed0: DefaultCR4Fixed0,
			CR4Fixed1: DefaultCR4Fixed1,
		},
	}
}

func (s *SoftVMCS) Read(f Field) uint64 {
	switch f {
	case GuestRIP:
		return s.state.Rip
	case GuestRSP:
		return s.state.GPRs[RSP]
	}
	return s.fields[f]
}

func (s *SoftVMCS) Write(f Field, v uint64) {
	switch f {
	case GuestRIP:
		s.state.Rip = v
		return
	case GuestRSP:
		s.state.GPRs[RSP] = v
		return
	}
	s.fields[f] = v
}

func (s *SoftVMCS) State() *GuestState   { return &s.state }
func (s *SoftVMCS) Global() *GlobalState { return &s.global }

func (s *SoftVMCS) Advance() bool {
	s.state.Rip += s.fields[ExitInstrLength]
	return true
}

// Exit stages a VM exit with the given reason, qualification and instruction
// length. Fields describing the previous exit are cleared.
func (s *SoftVMCS) Exit(reason Reason, qual uint64, length uint64) {
	delete(s.fields, ExitInterruptionInfo)
	delete(s.fields, ExitInterruptionCode)
	delete(s.fields, GuestPhysicalAddr)
	delete(s.fields, GuestLinearAddress)

	s.fields[ExitReason] = uint64(reason)
	s.fields[ExitQualification] = qual
	s.fields[ExitInstrLength] = length
}

// Fields returns a copy of every written field.
func (s *SoftVMCS) Fields() map[Field]uint64 {
	return maps.Clone(s.fields)
}
