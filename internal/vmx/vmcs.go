// Package vmx describes the interface this layer needs from the base VMM.
//
// The base VMM owns the real VMCS and performs VM entry and exit. Handlers in
// this module only see the VMCS interface: field reads and writes, the saved
// guest general purpose registers, the per-vCPU global state and the default
// instruction-pointer advance. SoftVMCS is an in-memory implementation used
// by tests and by the scenario replay tool.
package vmx

import (
	"errors"
	"fmt"
)

var (
	// ErrFatal marks errors that must terminate the vCPU.
	ErrFatal = errors.New("vmx: fatal")

	// ErrUnhandledExit is returned when an exit that must always resolve
	// found no handler willing to claim it.
	ErrUnhandledExit = fmt.Errorf("%w: unhandled exit", ErrFatal)

	// ErrUnsupportedAccess is returned for exit sub-types the layer does not
	// emulate, such as CLTS or LMSW.
	ErrUnsupportedAccess = fmt.Errorf("%w: unsupported access", ErrFatal)

	// ErrInvalidMSR is returned for MSR addresses outside the bitmap ranges.
	ErrInvalidMSR = fmt.Errorf("%w: invalid msr", ErrFatal)

	// ErrInvalidPort is returned for I/O ports above 0xFFFF.
	ErrInvalidPort = fmt.Errorf("%w: invalid port", ErrFatal)

	// ErrOutOfRange is returned for register-array indexes past the end.
	ErrOutOfRange = fmt.Errorf("%w: index out of range", ErrFatal)
)

// IsFatal reports whether err must terminate the vCPU.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// VMCS is the view of a virtual CPU's control structure available during an
// exit.
type VMCS interface {
	Read(f Field) uint64
	Write(f Field, v uint64)

	// State returns the guest registers saved at VM exit. Changes are
	// loaded back on the next VM entry.
	State() *GuestState

	// Global returns per-vCPU state shared with the base VMM.
	Global() *GlobalState

	// Advance moves the guest RIP past the instruction that caused the
	// exit. It always returns true so handlers can return its result.
	Advance() bool
}
