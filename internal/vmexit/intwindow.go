package vmexit

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/vmx"
)

// ErrQueueFull is returned by QueueExternalInterrupt when a bounded queue has
// no room for another vector.
var ErrQueueFull = errors.New("vmexit: interrupt queue full")

// Exception vectors that push an error code.
var errorCodeVectors = map[uint64]bool{
	8: true, 10: true, 11: true, 12: true, 13: true, 14: true, 17: true,
}

type InterruptWindowInfo struct{}

type InterruptWindowRecord struct {
	Vector   uint64
	Injected bool
	Queued   int
}

// InterruptWindow injects external interrupts into the guest, queueing them
// until the guest can accept one. Queued vectors are delivered in arrival
// order; priority has already been applied by the physical APIC.
type InterruptWindow struct {
	vmcs  vmx.VMCS
	chain dispatch.Chain[InterruptWindowInfo]

	queue []uint64
	max   int

	log *dispatch.Log[InterruptWindowRecord]
}

func NewInterruptWindow(exits *dispatch.Exits, vmcs vmx.VMCS) *InterruptWindow {
	h := &InterruptWindow{
		vmcs: vmcs,
		log:  dispatch.NewLog[InterruptWindowRecord](dispatch.DefaultLogMax),
	}
	exits.AddHandler(vmx.ReasonInterruptWindow, h.Handle)
	return h
}

// AddHandler adds d to the front of the chain run on every window exit
// before the queue is drained. A claim leaves the queue untouched.
func (h *InterruptWindow) AddHandler(d dispatch.Delegate[InterruptWindowInfo]) { h.chain.Add(d) }

// SetQueueCapacity bounds the queue. Zero means unbounded.
func (h *InterruptWindow) SetQueueCapacity(n int) { h.max = n }

// Pending returns the queued vectors in delivery order.
func (h *InterruptWindow) Pending() []uint64 { return append([]uint64(nil), h.queue...) }

func (h *InterruptWindow) EnableExiting() {
	vmx.Enable(h.vmcs, vmx.PrimaryControls, vmx.ProcInterruptWindowExiting)
}

func (h *InterruptWindow) DisableExiting() {
	vmx.Disable(h.vmcs, vmx.PrimaryControls, vmx.ProcInterruptWindowExiting)
}

// IsOpen reports whether the guest can take an external interrupt on the
// next VM entry.
func (h *InterruptWindow) IsOpen() bool {
	if !vmx.RFLAGSInterruptEnable.IsEnabled(h.vmcs.Read(vmx.GuestRFLAGS)) {
		return false
	}

	switch h.vmcs.Read(vmx.GuestActivityState) {
	case vmx.ActivityShutdown, vmx.ActivityWaitForSIPI:
		return false
	}

	state := h.vmcs.Read(vmx.GuestInterruptibility)
	if vmx.BlockingBySTI.IsEnabled(state) || vmx.BlockingByMovSS.IsEnabled(state) {
		return false
	}
	return true
}

// Inject programs vector as an external interrupt for the next VM entry.
func (h *InterruptWindow) Inject(vector uint64) {
	var info uint64
	info = vmx.InterruptionVector.Set(info, vector)
	info = vmx.InterruptionType.Set(info, vmx.InterruptionExternal)
	info = vmx.InterruptionValid.Enable(info)
	h.vmcs.Write(vmx.EntryInterruption, info)
}

// InjectException programs a hardware exception for the next VM entry. The
// error code is only delivered for vectors that architecturally push one.
func (h *InterruptWindow) InjectException(vector, errorCode uint64) {
	var info uint64
	info = vmx.InterruptionVector.Set(info, vector)
	info = vmx.InterruptionType.Set(info, vmx.InterruptionHardwareException)
	if errorCodeVectors[vector] {
		info = vmx.InterruptionDeliverErr.Enable(info)
		h.vmcs.Write(vmx.EntryExceptionCode, errorCode)
	}
	info = vmx.InterruptionValid.Enable(info)
	h.vmcs.Write(vmx.EntryInterruption, info)
}

// QueueExternalInterrupt injects vector now if the window is open and
// nothing is waiting, otherwise delivers it after the vectors already
// queued.
func (h *InterruptWindow) QueueExternalInterrupt(vector uint64) error {
	if h.IsOpen() && len(h.queue) == 0 {
		h.Inject(vector)
		h.log.Add(InterruptWindowRecord{Vector: vector, Injected: true})
		return nil
	}

	if h.max > 0 && len(h.queue) >= h.max {
		return fmt.Errorf("%w: vector 0x%x", ErrQueueFull, vector)
	}

	if h.IsOpen() {
		next := h.pop()
		h.Inject(next)
		h.log.Add(InterruptWindowRecord{Vector: next, Injected: true, Queued: len(h.queue)})
	} else {
		h.EnableExiting()
	}

	h.queue = append(h.queue, vector)
	h.log.Add(InterruptWindowRecord{Vector: vector, Queued: len(h.queue)})
	return nil
}

func (h *InterruptWindow) pop() uint64 {
	v := h.queue[0]
	h.queue = h.queue[1:]
	return v
}

func (h *InterruptWindow) EnableLogging()                   { h.log.Enable() }
func (h *InterruptWindow) Records() []InterruptWindowRecord { return h.log.Records() }

func (h *InterruptWindow) DumpLog(logger *slog.Logger) {
	h.log.Dump(logger, "interrupt_window", func(r InterruptWindowRecord) []any {
		return []any{"vector", hex(r.Vector), "injected", r.Injected, "queued", r.Queued}
	})
}

func (h *InterruptWindow) Handle(vmcs vmx.VMCS) (bool, error) {
	var info InterruptWindowInfo
	claimed, err := h.chain.Run(vmcs, &info)
	if err != nil || claimed {
		return claimed, err
	}

	if len(h.queue) == 0 {
		h.DisableExiting()
		return true, nil
	}

	vector := h.pop()
	h.Inject(vector)
	h.log.Add(InterruptWindowRecord{Vector: vector, Injected: true, Queued: len(h.queue)})

	if len(h.queue) == 0 {
		h.DisableExiting()
	}
	return true, nil
}
