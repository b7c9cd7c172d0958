// Package mm provides the page allocator and guest memory access used by the
// exit handlers.
package mm

import (
	"errors"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// PageSize is the size of every page handed out by an Allocator.
const PageSize = hostarch.PageSize

var (
	ErrNotAllocated = errors.New("mm: address not allocated")
	ErrFault        = errors.New("mm: guest memory fault")
)

// Page is a zeroed, page-aligned allocation together with its physical
// address.
type Page struct {
	Data []byte
	Phys uint64
}

// Allocator hands out pages that can be referenced by physical address, as
// EPT tables and VMX bitmaps must be.
type Allocator interface {
	AllocPage() (*Page, error)
	FreePage(p *Page)

	VirtToPhys(addr uintptr) (uint64, error)

	// PhysToVirt returns the page containing phys, sliced from phys to the
	// end of the page.
	PhysToVirt(phys uint64) ([]byte, error)
}

// GuestMemory reads and writes guest linear memory. cr3 selects the guest
// address space.
type GuestMemory interface {
	ReadGuest(gva, cr3 uint64, p []byte) error
	WriteGuest(gva, cr3 uint64, p []byte) error
}
