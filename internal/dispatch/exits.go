package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmext/internal/vmx"
)

// ExitHandler handles a VM exit of a single reason.
type ExitHandler func(vmcs vmx.VMCS) (bool, error)

// Exits routes VM exits to per-reason handler chains. It is the base VMM's
// exit dispatcher that every category registers with.
type Exits struct {
	handlers map[vmx.Reason][]ExitHandler
}

// NewExits returns a dispatcher with no handlers.
func NewExits() *Exits {
	return &Exits{handlers: make(map[vmx.Reason][]ExitHandler)}
}

// AddHandler inserts h at the front of the chain for reason.
func (e *Exits) AddHandler(reason vmx.Reason, h ExitHandler) {
	e.handlers[reason] = append([]ExitHandler{h}, e.handlers[reason]...)
}

// Handled reports whether any handler is registered for reason.
func (e *Exits) Handled(reason vmx.Reason) bool {
	return len(e.handlers[reason]) != 0
}

// Handle dispatches the exit currently recorded in vmcs. An exit no handler
// claims is fatal.
func (e *Exits) Handle(vmcs vmx.VMCS) error {
	raw := vmcs.Read(vmx.ExitReason)
	if vmx.VMEntryFailed(raw) {
		return fmt.Errorf("dispatch: vm entry failed (reason 0x%x): %w", raw, vmx.ErrFatal)
	}
	reason := vmx.BasicReason(raw)

	for _, h := range e.handlers[reason] {
		claimed, err := h(vmcs)
		if err != nil {
			return fmt.Errorf("dispatch: %s: %w", reason, err)
		}
		if claimed {
			return nil
		}
	}

	slog.Debug("dispatch: unhandled exit", "reason", reason.String(), "vcpu", vmcs.State().VCPUID)
	return fmt.Errorf("dispatch: %s: %w", reason, vmx.ErrUnhandledExit)
}
