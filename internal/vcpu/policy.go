package vcpu

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmext/internal/ept"
	"github.com/tinyrange/vmext/internal/mm"
	"github.com/tinyrange/vmext/internal/vmexit"
	"github.com/tinyrange/vmext/internal/vmx"
)

// Log category names, as used by Policy.Logging and in dumped logs.
const (
	LogCPUID               = "cpuid"
	LogRDMSR               = "rdmsr"
	LogWRMSR               = "wrmsr"
	LogControlRegister     = "control_register"
	LogXSetBV              = "xsetbv"
	LogMovDR               = "mov_dr"
	LogIOInstruction       = "io_instruction"
	LogMonitorTrap         = "monitor_trap"
	LogPreemptionTimer     = "preemption_timer"
	LogExternalInterrupt   = "external_interrupt"
	LogInterruptWindow     = "interrupt_window"
	LogEPTViolation        = "ept_violation"
	LogEPTMisconfiguration = "ept_misconfiguration"

	// LogAll selects every category.
	LogAll = "all"
)

// LogCategories lists every category in dump order.
var LogCategories = []string{
	LogCPUID, LogRDMSR, LogWRMSR, LogControlRegister, LogXSetBV, LogMovDR,
	LogIOInstruction, LogMonitorTrap, LogPreemptionTimer, LogExternalInterrupt,
	LogInterruptWindow, LogEPTViolation, LogEPTMisconfiguration,
}

var ErrUnknownCategory = errors.New("vcpu: unknown log category")

// Policy is the per-vCPU configuration loaded from YAML.
type Policy struct {
	// SecureMSR makes unhandled RDMSR read zero and unhandled WRMSR drop
	// the write instead of passing through to hardware.
	SecureMSR bool     `yaml:"secure_msr"`
	TrapMSRs  []uint64 `yaml:"trap_msrs"`

	// TrapPorts exit on every access and are then passed through. With
	// io_instruction logging on this records the guest's port traffic.
	TrapPorts []uint16 `yaml:"trap_ports"`

	EPT            *EPTPolicy `yaml:"ept"`
	VPID           bool       `yaml:"vpid"`
	Logging        []string   `yaml:"logging"`
	InterruptQueue int        `yaml:"interrupt_queue"`
}

// EPTPolicy describes an identity map built for the vCPU.
type EPTPolicy struct {
	Begin uint64 `yaml:"begin"`
	End   uint64 `yaml:"end"`

	// Granularity is 4k, 2m or 1g. Empty picks the largest page that fits
	// at each address.
	Granularity string `yaml:"granularity"`

	// Uncached maps the range UC instead of WB.
	Uncached bool `yaml:"uncached"`

	// Split lists addresses whose 2M page is converted to 4K pages.
	Split []uint64 `yaml:"split"`
}

// ParsePolicy decodes a policy document. Unknown keys are rejected.
func ParsePolicy(data []byte) (*Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Policy
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("vcpu: parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPolicy reads a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vcpu: read policy: %w", err)
	}
	return ParsePolicy(data)
}

func (p *Policy) validate() error {
	for _, name := range p.Logging {
		if !knownCategory(name) {
			return fmt.Errorf("%w: %q", ErrUnknownCategory, name)
		}
	}
	if p.InterruptQueue < 0 {
		return fmt.Errorf("vcpu: interrupt_queue %d: %w", p.InterruptQueue, vmx.ErrOutOfRange)
	}
	if p.EPT != nil {
		return p.EPT.Validate()
	}
	return nil
}

// Validate checks the range and granularity.
func (e *EPTPolicy) Validate() error {
	if _, err := e.pageSize(); err != nil {
		return err
	}
	if e.End <= e.Begin {
		return fmt.Errorf("vcpu: ept range [0x%x, 0x%x): %w", e.Begin, e.End, vmx.ErrOutOfRange)
	}
	return nil
}

func knownCategory(name string) bool {
	if name == LogAll {
		return true
	}
	for _, c := range LogCategories {
		if c == name {
			return true
		}
	}
	return false
}

func (e *EPTPolicy) pageSize() (uint64, error) {
	switch strings.ToLower(e.Granularity) {
	case "":
		return 0, nil
	case "4k":
		return ept.PageSize4K, nil
	case "2m":
		return ept.PageSize2M, nil
	case "1g":
		return ept.PageSize1G, nil
	}
	return 0, fmt.Errorf("vcpu: ept granularity %q: %w", e.Granularity, vmx.ErrOutOfRange)
}

// ApplyPolicy configures the vCPU from p. It may be called more than once;
// an EPT map is only built the first time.
func (v *VCPU) ApplyPolicy(p *Policy) error {
	if err := p.validate(); err != nil {
		return err
	}

	if p.SecureMSR {
		v.RDMSR().SetSecureMode(true)
		v.WRMSR().SetSecureMode(true)
	}
	for _, msr := range p.TrapMSRs {
		if err := v.RDMSR().TrapOnAccess(msr); err != nil {
			return err
		}
		if err := v.WRMSR().TrapOnAccess(msr); err != nil {
			return err
		}
	}
	for _, port := range p.TrapPorts {
		if err := v.AddIOInstructionHandler(uint64(port), passPort, passPort); err != nil {
			return err
		}
	}

	if p.EPT != nil && v.ownedEPT == nil {
		m, err := v.buildEPT(p.EPT)
		if err != nil {
			return err
		}
		v.ownedEPT = m
		v.SetEPTP(m)
	}
	if p.VPID {
		if err := v.EnableVPID(); err != nil {
			return err
		}
	}
	if p.InterruptQueue > 0 {
		v.InterruptWindow().SetQueueCapacity(p.InterruptQueue)
	}
	return v.EnableLogging(p.Logging...)
}

// passPort claims a trapped port access and lets the handler commit it.
func passPort(vmx.VMCS, *vmexit.IOInfo) (bool, error) { return true, nil }

func (v *VCPU) buildEPT(p *EPTPolicy) (*ept.Map, error) {
	m, err := BuildEPT(v.alloc, p)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: %w", v.id, err)
	}
	return m, nil
}

// BuildEPT builds the identity map described by p from pages of alloc.
func BuildEPT(alloc mm.Allocator, p *EPTPolicy) (*ept.Map, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	m, err := ept.NewMap(alloc)
	if err != nil {
		return nil, err
	}
	attr := ept.PassThroughWB
	if p.Uncached {
		attr = ept.PassThroughUC
	}

	size, _ := p.pageSize()
	if size == 0 {
		err = ept.IdentityMap(m, p.Begin, p.End, attr)
	} else {
		err = ept.IdentityMapRange(m, p.Begin, p.End, size, attr)
	}
	for _, gpa := range p.Split {
		if err != nil {
			break
		}
		err = ept.ConvertTo4K(m, gpa)
	}
	if err != nil {
		m.Release()
		return nil, fmt.Errorf("vcpu: ept policy: %w", err)
	}
	return m, nil
}

// EnableLogging turns on record logging for the named categories, creating
// their handlers if needed.
func (v *VCPU) EnableLogging(names ...string) error {
	for _, name := range names {
		if name == LogAll {
			if err := v.EnableLogging(LogCategories...); err != nil {
				return err
			}
			continue
		}
		l, err := v.logger(name)
		if err != nil {
			return err
		}
		l.EnableLogging()
	}
	return nil
}

func (v *VCPU) logger(name string) (vmexit.Logger, error) {
	switch name {
	case LogCPUID:
		return v.CPUID(), nil
	case LogRDMSR:
		return v.RDMSR(), nil
	case LogWRMSR:
		return v.WRMSR(), nil
	case LogControlRegister:
		return v.ControlRegister(), nil
	case LogXSetBV:
		return v.XSetBV(), nil
	case LogMovDR:
		return v.MovDR(), nil
	case LogIOInstruction:
		return v.IOInstruction(), nil
	case LogMonitorTrap:
		return v.MonitorTrap(), nil
	case LogPreemptionTimer:
		return v.PreemptionTimer(), nil
	case LogExternalInterrupt:
		return v.ExternalInterrupt(), nil
	case LogInterruptWindow:
		return v.InterruptWindow(), nil
	case LogEPTViolation:
		return v.eptViol, nil
	case LogEPTMisconfiguration:
		return v.eptMisc, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
}
