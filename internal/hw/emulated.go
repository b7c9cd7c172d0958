package hw

import (
	"log/slog"
	"sync"
)

// OpKind identifies an operation recorded by Emulated.
type OpKind string

const (
	OpWriteMSR   OpKind = "wrmsr"
	OpWriteXAPIC OpKind = "wrxapic"
	OpSFence     OpKind = "sfence"
	OpOut        OpKind = "out"
	OpXSetBV     OpKind = "xsetbv"
)

// Op is one recorded side effect.
type Op struct {
	Kind OpKind
	Addr uint64
	Val  uint64
}

type cpuidKey struct{ leaf, subleaf uint32 }

// Emulated implements Intrinsics in memory. Every side-effecting operation is
// appended to a trace so ordering can be inspected.
type Emulated struct {
	mu sync.Mutex

	cpuid map[cpuidKey][4]uint32
	msrs  map[uint32]uint64
	xcrs  map[uint32]uint64
	ports map[uint16]uint32
	xapic map[uint32]uint32
	cr8   uint64
	dr7   uint64

	trace []Op
}

var _ Intrinsics = (*Emulated)(nil)

// NewEmulated returns an empty CPU. The IA32_APIC_BASE MSR starts at its
// reset value for a bootstrap processor.
func NewEmulated() *Emulated {
	return &Emulated{
		cpuid: make(map[cpuidKey][4]uint32),
		msrs:  map[uint32]uint64{MSRIA32APICBase: DefaultAPICBaseMSR | APICBaseBSP},
		xcrs:  make(map[uint32]uint64),
		ports: make(map[uint16]uint32),
		xapic: make(map[uint32]uint32),
	}
}

// SetCPUID defines the result of a CPUID leaf.
func (e *Emulated) SetCPUID(leaf, subleaf uint32, eax, ebx, ecx, edx uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cpuid[cpuidKey{leaf, subleaf}] = [4]uint32{eax, ebx, ecx, edx}
}

// SeedFromHost copies the given CPUID leaves (subleaf 0) from the host CPU.
// Leaves the host does not expose are left undefined.
func (e *Emulated) SeedFromHost(leaves ...uint32) {
	for _, leaf := range leaves {
		eax, ebx, ecx, edx, ok := HostCPUID(leaf, 0)
		if !ok {
			slog.Debug("hw: host cpuid unavailable", "leaf", leaf)
			continue
		}
		e.SetCPUID(leaf, 0, eax, ebx, ecx, edx)
	}
}

func (e *Emulated) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.cpuid[cpuidKey{leaf, subleaf}]
	return r[0], r[1], r[2], r[3]
}

func (e *Emulated) ReadMSR(msr uint32) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.msrs[msr]
}

func (e *Emulated) WriteMSR(msr uint32, val uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msrs[msr] = val
	e.trace = append(e.trace, Op{Kind: OpWriteMSR, Addr: uint64(msr), Val: val})
}

func (e *Emulated) XSetBV(xcr uint32, val uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.xcrs[xcr] = val
	e.trace = append(e.trace, Op{Kind: OpXSetBV, Addr: uint64(xcr), Val: val})
}

// XCR returns the last value written to an extended control register.
func (e *Emulated) XCR(xcr uint32) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.xcrs[xcr]
}

func (e *Emulated) In(port uint16, size int) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint32(uint64(e.ports[port]) & SizeMask(size))
}

func (e *Emulated) Out(port uint16, size int, val uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := uint32(uint64(val) & SizeMask(size))
	e.ports[port] = v
	e.trace = append(e.trace, Op{Kind: OpOut, Addr: uint64(port), Val: uint64(v)})
}

// SetPort sets the value the next In from port returns.
func (e *Emulated) SetPort(port uint16, val uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ports[port] = val
}

func (e *Emulated) ReadCR8() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cr8
}

func (e *Emulated) WriteCR8(val uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cr8 = val
}

func (e *Emulated) WriteDR7(val uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dr7 = val
}

// DR7 returns the last value written with WriteDR7.
func (e *Emulated) DR7() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dr7
}

func (e *Emulated) SFence() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trace = append(e.trace, Op{Kind: OpSFence})
}

func (e *Emulated) ReadXAPIC(offset uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.xapic[offset]
}

func (e *Emulated) WriteXAPIC(offset uint32, val uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.xapic[offset] = val
	e.trace = append(e.trace, Op{Kind: OpWriteXAPIC, Addr: uint64(offset), Val: uint64(val)})
}

// Trace returns the recorded operations and clears the trace.
func (e *Emulated) Trace() []Op {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.trace
	e.trace = nil
	return t
}
