package vmexit

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmext/internal/bits"
	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/hw"
	"github.com/tinyrange/vmext/internal/mm"
	"github.com/tinyrange/vmext/internal/vmx"
)

const (
	// IOBitmapPageSize is the size of each of the two IO bitmap pages. Page
	// A covers ports 0x0000-0x7FFF and page B 0x8000-0xFFFF.
	IOBitmapPageSize = 0x1000

	numPorts      = 0x10000
	portsPerPage  = IOBitmapPageSize * 8
	rflagsDirFlag = 1 << 10
)

// IOBitmap selects which port accesses exit.
type IOBitmap struct {
	a, b []byte
}

// NewIOBitmap wraps the two bitmap pages.
func NewIOBitmap(a, b []byte) *IOBitmap {
	return &IOBitmap{a: a[:IOBitmapPageSize], b: b[:IOBitmapPageSize]}
}

func (m *IOBitmap) locate(port uint64) ([]byte, uint64, error) {
	switch {
	case port < portsPerPage:
		return m.a, port, nil
	case port < numPorts:
		return m.b, port - portsPerPage, nil
	}
	return nil, 0, fmt.Errorf("vmexit: port 0x%x: %w", port, vmx.ErrInvalidPort)
}

func (m *IOBitmap) Trap(port uint64) error {
	page, n, err := m.locate(port)
	if err != nil {
		return err
	}
	bits.SetBit(page, n)
	return nil
}

func (m *IOBitmap) PassThrough(port uint64) error {
	page, n, err := m.locate(port)
	if err != nil {
		return err
	}
	bits.ClearBit(page, n)
	return nil
}

func (m *IOBitmap) TrapAll() {
	bits.Fill(m.a, 0xFF)
	bits.Fill(m.b, 0xFF)
}

func (m *IOBitmap) PassThroughAll() {
	bits.Fill(m.a, 0)
	bits.Fill(m.b, 0)
}

// Trapped reports whether an access to port exits.
func (m *IOBitmap) Trapped(port uint64) bool {
	page, n, err := m.locate(port)
	return err == nil && bits.IsBitSet(page, n)
}

// IOInfo is passed to IO delegates once per repetition. Val holds the value
// read from the port for IN, and the value to write for OUT.
type IOInfo struct {
	Port    uint64
	Size    uint64
	Address uint64
	Val     uint64

	IgnoreWrite   bool
	IgnoreAdvance bool
}

type IORecord struct {
	Port, Size, Val uint64
	In              bool
}

// IOInstruction handles IN, OUT, INS and OUTS exits keyed by port.
type IOInstruction struct {
	vmcs   vmx.VMCS
	cpu    hw.Intrinsics
	mem    mm.GuestMemory
	bitmap *IOBitmap

	in  dispatch.Keyed[uint64, IOInfo]
	out dispatch.Keyed[uint64, IOInfo]

	log *dispatch.Log[IORecord]
}

// NewIOInstruction enables IO bitmaps on vmcs. mem may be nil, in which case
// string instructions fail.
func NewIOInstruction(exits *dispatch.Exits, vmcs vmx.VMCS, cpu hw.Intrinsics, mem mm.GuestMemory, bitmap *IOBitmap) *IOInstruction {
	h := &IOInstruction{
		vmcs:   vmcs,
		cpu:    cpu,
		mem:    mem,
		bitmap: bitmap,
		log:    dispatch.NewLog[IORecord](dispatch.DefaultLogMax),
	}
	vmx.Enable(vmcs, vmx.PrimaryControls, vmx.ProcUseIOBitmaps)
	exits.AddHandler(vmx.ReasonIOInstruction, h.Handle)
	return h
}

// AddInHandler traps port and adds d to the front of its IN chain.
func (h *IOInstruction) AddInHandler(port uint64, d dispatch.Delegate[IOInfo]) error {
	if err := h.bitmap.Trap(port); err != nil {
		return err
	}
	h.in.Add(port, d)
	return nil
}

// AddOutHandler traps port and adds d to the front of its OUT chain.
func (h *IOInstruction) AddOutHandler(port uint64, d dispatch.Delegate[IOInfo]) error {
	if err := h.bitmap.Trap(port); err != nil {
		return err
	}
	h.out.Add(port, d)
	return nil
}

func (h *IOInstruction) TrapOnAccess(port uint64) error      { return h.bitmap.Trap(port) }
func (h *IOInstruction) PassThroughAccess(port uint64) error { return h.bitmap.PassThrough(port) }
func (h *IOInstruction) TrapOnAllAccesses()                  { h.bitmap.TrapAll() }
func (h *IOInstruction) PassThroughAllAccesses()             { h.bitmap.PassThroughAll() }
func (h *IOInstruction) EnableLogging()                      { h.log.Enable() }
func (h *IOInstruction) Records() []IORecord                 { return h.log.Records() }

func (h *IOInstruction) DumpLog(logger *slog.Logger) {
	h.log.Dump(logger, "io_instruction", func(r IORecord) []any {
		return []any{"port", hex(r.Port), "size", r.Size, "in", r.In, "val", hex(r.Val)}
	})
}

func accessSize(qual uint64) (uint64, error) {
	switch vmx.IOSizeOfAccess.Get(qual) {
	case vmx.IOSizeOneByte:
		return 1, nil
	case vmx.IOSizeTwoByte:
		return 2, nil
	case vmx.IOSizeFourByte:
		return 4, nil
	}
	return 0, unsupported("io access size %d", vmx.IOSizeOfAccess.Get(qual))
}

func (h *IOInstruction) Handle(vmcs vmx.VMCS) (bool, error) {
	state := vmcs.State()
	qual := vmcs.Read(vmx.ExitQualification)

	size, err := accessSize(qual)
	if err != nil {
		return false, err
	}
	in := vmx.IODirectionIn.IsEnabled(qual)
	str := vmx.IOStringInstr.IsEnabled(qual)
	rep := vmx.IORepPrefixed.IsEnabled(qual)

	port := state.GPRs[vmx.RDX] & 0xFFFF
	if vmx.IOImmediateOperand.IsEnabled(qual) {
		port = vmx.IOPortNumber.Get(qual)
	}

	reps := uint64(1)
	if rep {
		reps = vmx.Low32(state.GPRs[vmx.RCX])
	}

	chains := &h.out
	if in {
		chains = &h.in
	}
	if !chains.Has(port) {
		return false, unhandled(fmt.Sprintf("io port 0x%x", port))
	}

	if str && h.mem == nil {
		return false, unsupported("string io on port 0x%x without guest memory", port)
	}

	step := size
	if vmcs.Read(vmx.GuestRFLAGS)&rflagsDirFlag != 0 {
		step = -size
	}

	info := IOInfo{Port: port, Size: size}
	if str {
		info.Address = vmcs.Read(vmx.GuestLinearAddress)
	}
	cr3 := vmcs.Read(vmx.GuestCR3)
	mask := hw.SizeMask(int(size))

	for i := uint64(0); i < reps; i++ {
		info.Val = 0
		if in {
			info.Val = uint64(h.cpu.In(uint16(port), int(size)))
		} else if str {
			v, err := h.readGuest(info.Address, cr3, size)
			if err != nil {
				return false, err
			}
			info.Val = v
		} else {
			info.Val = state.GPRs[vmx.RAX] & mask
		}

		_, claimed, err := chains.Run(port, vmcs, &info)
		if err != nil {
			return false, err
		}
		h.log.Add(IORecord{Port: port, Size: size, Val: info.Val, In: in})
		if !claimed {
			return false, unhandled(fmt.Sprintf("io port 0x%x", port))
		}

		if !info.IgnoreWrite {
			switch {
			case in && str:
				if err := h.writeGuest(info.Address, cr3, size, info.Val); err != nil {
					return false, err
				}
			case in:
				storeIn(state, size, info.Val)
			default:
				h.cpu.Out(uint16(port), int(size), uint32(info.Val&mask))
			}
		}

		if str {
			info.Address += step
			if in {
				state.GPRs[vmx.RDI] += step
			} else {
				state.GPRs[vmx.RSI] += step
			}
		}
	}

	if rep {
		state.GPRs[vmx.RCX] = 0
	}
	if !info.IgnoreAdvance {
		return vmcs.Advance(), nil
	}
	return true, nil
}

// storeIn writes an IN result to RAX. A 4 byte read zero-extends like any
// 32-bit register write; narrower reads leave the rest of RAX untouched.
func storeIn(state *vmx.GuestState, size, val uint64) {
	if size == 4 {
		state.GPRs[vmx.RAX] = vmx.Low32(val)
		return
	}
	f := bits.Range(uint(size*8-1), 0)
	state.GPRs[vmx.RAX] = f.Set(state.GPRs[vmx.RAX], val)
}

func (h *IOInstruction) readGuest(gva, cr3, size uint64) (uint64, error) {
	var buf [8]byte
	if err := h.mem.ReadGuest(gva, cr3, buf[:size]); err != nil {
		return 0, fmt.Errorf("vmexit: outs from 0x%x: %w", gva, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (h *IOInstruction) writeGuest(gva, cr3, size, val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	if err := h.mem.WriteGuest(gva, cr3, buf[:size]); err != nil {
		return fmt.Errorf("vmexit: ins to 0x%x: %w", gva, err)
	}
	return nil
}
