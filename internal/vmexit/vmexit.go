// Package vmexit implements the per-reason VM-exit handlers.
//
// Each handler registers itself with a dispatch.Exits when constructed and
// exposes AddHandler style methods for extension code. Extension delegates
// receive an Info value they may edit; the handler applies the resulting side
// effects (register writes, commits to hardware, RIP advance) after the chain
// has run.
package vmexit

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmext/internal/bits"
	"github.com/tinyrange/vmext/internal/vmx"
)

var low32 = bits.Range(31, 0)

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }

// setLow32 replaces the low half of a guest register, keeping the high half.
func setLow32(s *vmx.GuestState, reg int, v uint64) {
	s.GPRs[reg] = low32.Set(s.GPRs[reg], v)
}

func unhandled(what string) error {
	return fmt.Errorf("vmexit: %s: %w", what, vmx.ErrUnhandledExit)
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("vmexit: "+format+": %w", append(args, vmx.ErrUnsupportedAccess)...)
}

// Logger is implemented by every handler category.
type Logger interface {
	EnableLogging()
	DumpLog(logger *slog.Logger)
}
