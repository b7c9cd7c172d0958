package vmx

import "fmt"

// Field is a VMCS field encoding as used by VMREAD/VMWRITE.
type Field uint32

const (
	VirtualProcessorID Field = 0x0000

	GuestCSSelector Field = 0x0802

	IOBitmapA          Field = 0x2000
	IOBitmapB          Field = 0x2002
	MSRBitmap          Field = 0x2004
	EPTPointer         Field = 0x201A
	GuestPhysicalAddr  Field = 0x2400
	GuestIA32PAT       Field = 0x2804
	GuestIA32APICBase  Field = 0x2C00 // not architectural; kept by SoftVMCS for APIC_BASE emulation
	PinBasedControls   Field = 0x4000
	PrimaryControls    Field = 0x4002
	ExitControls       Field = 0x400C
	EntryControls      Field = 0x4012
	EntryInterruption  Field = 0x4016
	EntryExceptionCode Field = 0x4018
	EntryInstrLength   Field = 0x401A
	SecondaryControls  Field = 0x401E

	ExitReason           Field = 0x4402
	ExitInterruptionInfo Field = 0x4404
	ExitInterruptionCode Field = 0x4406
	ExitInstrLength      Field = 0x440C

	GuestCSLimit          Field = 0x4802
	GuestCSAccessRights   Field = 0x4816
	GuestInterruptibility Field = 0x4824
	GuestActivityState    Field = 0x4826
	PreemptionTimerValue  Field = 0x482E

	CR0GuestHostMask Field = 0x6000
	CR4GuestHostMask Field = 0x6002
	CR0ReadShadow    Field = 0x6004
	CR4ReadShadow    Field = 0x6006

	ExitQualification  Field = 0x6400
	GuestLinearAddress Field = 0x640A

	GuestCR0    Field = 0x6800
	GuestCR3    Field = 0x6802
	GuestCR4    Field = 0x6804
	GuestCSBase Field = 0x6808
	GuestDR7    Field = 0x681A
	GuestRSP    Field = 0x681C
	GuestRIP    Field = 0x681E
	GuestRFLAGS Field = 0x6820
)

var fieldNames = map[Field]string{
	VirtualProcessorID:    "virtual_processor_identifier",
	GuestCSSelector:       "guest_cs_selector",
	IOBitmapA:             "address_of_io_bitmap_a",
	IOBitmapB:             "address_of_io_bitmap_b",
	MSRBitmap:             "address_of_msr_bitmap",
	EPTPointer:            "ept_pointer",
	GuestPhysicalAddr:     "guest_physical_address",
	GuestIA32PAT:          "guest_ia32_pat",
	GuestIA32APICBase:     "guest_ia32_apic_base",
	PinBasedControls:      "pin_based_vm_execution_controls",
	PrimaryControls:       "primary_processor_based_vm_execution_controls",
	ExitControls:          "vm_exit_controls",
	EntryControls:         "vm_entry_controls",
	EntryInterruption:     "vm_entry_interruption_information",
	EntryExceptionCode:    "vm_entry_exception_error_code",
	EntryInstrLength:      "vm_entry_instruction_length",
	SecondaryControls:     "secondary_processor_based_vm_execution_controls",
	ExitReason:            "exit_reason",
	ExitInterruptionInfo:  "vm_exit_interruption_information",
	ExitInterruptionCode:  "vm_exit_interruption_error_code",
	ExitInstrLength:       "vm_exit_instruction_length",
	GuestCSLimit:          "guest_cs_limit",
	GuestCSAccessRights:   "guest_cs_access_rights",
	GuestInterruptibility: "guest_interruptibility_state",
	GuestActivityState:    "guest_activity_state",
	PreemptionTimerValue:  "vmx_preemption_timer_value",
	CR0GuestHostMask:      "cr0_guest_host_mask",
	CR4GuestHostMask:      "cr4_guest_host_mask",
	CR0ReadShadow:         "cr0_read_shadow",
	CR4ReadShadow:         "cr4_read_shadow",
	ExitQualification:     "exit_qualification",
	GuestLinearAddress:    "guest_linear_address",
	GuestCR0:              "guest_cr0",
	GuestCR3:              "guest_cr3",
	GuestCR4:              "guest_cr4",
	GuestCSBase:           "guest_cs_base",
	GuestDR7:              "guest_dr7",
	GuestRSP:              "guest_rsp",
	GuestRIP:              "guest_rip",
	GuestRFLAGS:           "guest_rflags",
}

func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return fmt.Sprintf("field(0x%04x)", uint32(f))
}
