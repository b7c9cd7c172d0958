// Package scenario replays VM exits described in YAML through vCPUs built on
// an in-memory VMCS, and checks the guest state each exit leaves behind.
package scenario

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmext/internal/vcpu"
	"github.com/tinyrange/vmext/internal/vmx"
)

// DefaultMemorySize is the guest memory given to a vCPU that does not set
// one.
const DefaultMemorySize = 0x10000

var ErrInvalid = errors.New("scenario: invalid")

// File is a complete scenario.
type File struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Policy is applied to every vCPU.
	Policy *vcpu.Policy `yaml:"policy"`

	// EPT is built once and installed on every vCPU. A per-vCPU map can be
	// requested through the policy instead.
	EPT *vcpu.EPTPolicy `yaml:"ept"`

	// VIC virtualizes each vCPU's interrupt controller before replay.
	VIC bool `yaml:"vic"`

	VCPUs []VCPU `yaml:"vcpus"`
}

// VCPU is one virtual CPU and the exits it takes, in order.
type VCPU struct {
	ID uint64 `yaml:"id"`

	// Memory is the size of the flat guest memory mapped at address zero.
	Memory int `yaml:"memory"`

	// MSRs, Ports and CPUID seed the emulated physical CPU.
	MSRs  map[uint32]uint64 `yaml:"msrs"`
	Ports map[uint16]uint32 `yaml:"ports"`
	CPUID []CPUIDLeaf       `yaml:"cpuid"`

	// HostCPUID copies these leaves from the host CPU, where it can be
	// queried.
	HostCPUID []uint32 `yaml:"host_cpuid"`

	Exits []Exit `yaml:"exits"`
}

// CPUIDLeaf is a leaf reported by the emulated CPU. Unlisted leaves read
// as zero.
type CPUIDLeaf struct {
	Leaf    uint32 `yaml:"leaf"`
	Subleaf uint32 `yaml:"subleaf"`
	EAX     uint32 `yaml:"eax"`
	EBX     uint32 `yaml:"ebx"`
	ECX     uint32 `yaml:"ecx"`
	EDX     uint32 `yaml:"edx"`
}

// Exit is a single VM exit. Registers not named keep the value the previous
// exit left.
type Exit struct {
	Name   string `yaml:"name"`
	Reason Reason `yaml:"reason"`

	// Qualification is used as is unless one of IO, CR or Access builds
	// it.
	Qualification uint64     `yaml:"qualification"`
	IO            *IOAccess  `yaml:"io"`
	CR            *CRAccess  `yaml:"cr"`
	Access        *EPTAccess `yaml:"access"`

	// Length is the exit instruction length. Zero means 2.
	Length uint64 `yaml:"length"`

	Registers        map[string]uint64 `yaml:"registers"`
	RIP              *uint64           `yaml:"rip"`
	RFLAGS           *uint64           `yaml:"rflags"`
	Activity         *uint64           `yaml:"activity"`
	Interruptibility *uint64           `yaml:"interruptibility"`

	// GPA is the guest physical address of an EPT violation or
	// misconfiguration.
	GPA uint64 `yaml:"gpa"`

	// Vector is the external interrupt that caused the exit.
	Vector *uint64 `yaml:"vector"`

	// Code is written at CS base + RIP before the exit.
	Code Bytes `yaml:"code"`

	Expect Expect `yaml:"expect"`
}

// Expect lists the checks made after an exit is handled.
type Expect struct {
	Registers map[string]uint64 `yaml:"registers"`
	RIP       *uint64           `yaml:"rip"`

	// Injected is the vector programmed for injection on the next entry.
	Injected *uint64 `yaml:"injected"`

	// Error is empty when the exit must succeed. Otherwise it is one of
	// any, fatal, unhandled and unsupported, or text the error must
	// contain.
	Error string `yaml:"error"`
}

// Reason is an exit reason written by name or number.
type Reason vmx.Reason

// UnmarshalYAML implements yaml.Unmarshaler for Reason.
func (r *Reason) UnmarshalYAML(value *yaml.Node) error {
	var n uint16
	if err := value.Decode(&n); err == nil {
		*r = Reason(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	reason, ok := vmx.ParseReason(strings.ToLower(s))
	if !ok {
		return fmt.Errorf("%w: unknown exit reason %q", ErrInvalid, s)
	}
	*r = Reason(reason)
	return nil
}

func (r Reason) String() string { return vmx.Reason(r).String() }

// Bytes is a byte string written in hex, with optional spaces.
type Bytes []byte

// UnmarshalYAML implements yaml.Unmarshaler for Bytes.
func (b *Bytes) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return fmt.Errorf("%w: code %q: %v", ErrInvalid, s, err)
	}
	*b = data
	return nil
}

// Parse decodes a scenario document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("scenario: parse: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and parses a scenario file. A file without a name is named
// after its path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if f.Name == "" {
		f.Name = path
	}
	return f, nil
}

// Validate checks everything that can be checked without running the
// scenario.
func (f *File) Validate() error {
	if len(f.VCPUs) == 0 {
		return fmt.Errorf("%w: no vcpus", ErrInvalid)
	}
	if f.EPT != nil {
		if f.Policy != nil && f.Policy.EPT != nil {
			return fmt.Errorf("%w: ept set both for the file and in the policy", ErrInvalid)
		}
		if err := f.EPT.Validate(); err != nil {
			return err
		}
	}

	ids := make(map[uint64]bool)
	for _, c := range f.VCPUs {
		if ids[c.ID] {
			return fmt.Errorf("%w: duplicate vcpu %d", ErrInvalid, c.ID)
		}
		ids[c.ID] = true
		if c.Memory < 0 {
			return fmt.Errorf("%w: vcpu %d: negative memory size", ErrInvalid, c.ID)
		}
		for i, e := range c.Exits {
			if err := e.validate(); err != nil {
				return fmt.Errorf("vcpu %d exit %d: %w", c.ID, i, err)
			}
		}
	}
	return nil
}

func (e *Exit) validate() error {
	helpers := 0
	for _, set := range []bool{e.IO != nil, e.CR != nil, e.Access != nil} {
		if set {
			helpers++
		}
	}
	if helpers > 1 {
		return fmt.Errorf("%w: more than one qualification helper", ErrInvalid)
	}
	if e.IO != nil {
		if _, err := e.IO.qualification(); err != nil {
			return err
		}
	}
	if e.CR != nil {
		if _, err := e.CR.qualification(); err != nil {
			return err
		}
	}
	for _, regs := range []map[string]uint64{e.Registers, e.Expect.Registers} {
		for name := range regs {
			if _, ok := vmx.ParseGPR(name); !ok {
				return fmt.Errorf("%w: unknown register %q", ErrInvalid, name)
			}
		}
	}
	return nil
}

// Title returns the exit's name, or its reason when it has none.
func (e *Exit) Title() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Reason.String()
}

func (c *VCPU) memorySize() int {
	if c.Memory == 0 {
		return DefaultMemorySize
	}
	return c.Memory
}

// NumExits counts the exits across every vCPU.
func (f *File) NumExits() int {
	n := 0
	for _, c := range f.VCPUs {
		n += len(c.Exits)
	}
	return n
}
